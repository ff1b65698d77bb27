package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"kineviz/internal/app"
	"kineviz/internal/safety"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kineviz",
	Short: "Motion-capture study manager, data-safety core",
}

var assumeYes bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd,
		backupAliasCmd, backupUnaliasCmd, backupCleanupCmd)
	undoCmd.AddCommand(undoStatusCmd)
	studyCmd.AddCommand(studyAddCmd, studyListCmd, studyDeleteCmd, participantAddCmd)
	analysisCmd.AddCommand(analysisDeleteDiscreteCmd, analysisDeleteContinuousCmd)

	rootCmd.AddCommand(initCmd, backupCmd, restoreCmd, undoCmd, studyCmd, analysisCmd)
}

// confirm asks for interactive confirmation of a destructive action.
// Non-interactive sessions (stdin not a terminal) must pass --yes.
func confirm(prompt string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing destructive operation without confirmation (pass --yes)")
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the base directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := app.Init()
		if err != nil {
			return err
		}
		fmt.Printf("Initialized kineviz at %s\n", l.BaseDir())
		return nil
	},
}

// backup commands

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage snapshots",
}

var backupCategory string

func init() {
	backupCmd.PersistentFlags().StringVarP(&backupCategory, "category", "c", "manual",
		"snapshot category (manual, automatic, respaldo)")
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("BackupCreate")
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.Store.Create(safety.Category(backupCategory), false)
		switch {
		case err == nil:
			fmt.Printf("Backup created: %s\n", path)
			return nil
		case errors.Is(err, safety.ErrLimitReached):
			return fmt.Errorf("manual backup limit reached; delete one first")
		case errors.Is(err, safety.ErrDisabled):
			return fmt.Errorf("backups are disabled for category %s", backupCategory)
		case errors.Is(err, safety.ErrCooldownActive):
			return fmt.Errorf("too soon since the last %s backup", backupCategory)
		case errors.Is(err, safety.ErrLockHeld):
			return fmt.Errorf("another %s backup is already in progress", backupCategory)
		default:
			return err
		}
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("BackupList")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.Store.List()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, s := range snaps {
			alias := ""
			if s.Alias != "" {
				alias = "  (" + s.Alias + ")"
			}
			fmt.Printf("%-10s  %s%s\n", s.Category, s.Filename, alias)
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <filename>",
	Short: "Delete a manual snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(fmt.Sprintf("Delete backup %s?", args[0]))
		if err != nil || !ok {
			return err
		}

		a, err := app.Open("BackupDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.Delete(safety.CategoryManual, args[0]); err != nil {
			if errors.Is(err, safety.ErrSnapshotNotFound) {
				return fmt.Errorf("no such backup: %s", args[0])
			}
			return err
		}
		fmt.Println("Backup deleted.")
		return nil
	},
}

var backupAliasCmd = &cobra.Command{
	Use:   "alias <filename> <alias>",
	Short: "Attach a label to a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("BackupAlias")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.AddAlias(safety.Category(backupCategory), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Alias %q set on %s\n", args[1], args[0])
		return nil
	},
}

var backupUnaliasCmd = &cobra.Command{
	Use:   "unalias <filename>",
	Short: "Remove a snapshot's label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("BackupUnalias")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.RemoveAlias(safety.Category(backupCategory), args[0]); err != nil {
			if errors.Is(err, safety.ErrAliasNotFound) {
				return fmt.Errorf("no alias on %s", args[0])
			}
			return err
		}
		fmt.Println("Alias removed.")
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove residual artifacts from interrupted operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("BackupCleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, failed := a.Store.CleanupResidualArtifacts()
		fmt.Printf("Removed %d artifact(s), %d failure(s)\n", deleted, failed)
		return nil
	},
}

// restore command

var restoreCmd = &cobra.Command{
	Use:   "restore <filename-or-alias>",
	Short: "Replace the live state with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.FindSnapshot(args[0])
		if err != nil {
			if errors.Is(err, safety.ErrSnapshotNotFound) {
				return fmt.Errorf("no such backup: %s", args[0])
			}
			return err
		}

		ok, err := confirm(fmt.Sprintf(
			"Restore %s? The live database, settings and study tree will be replaced.",
			snap.Filename))
		if err != nil || !ok {
			return err
		}

		if err := a.Restore(snap.Path); err != nil {
			return err
		}
		fmt.Println("Restore complete.")
		return nil
	},
}

// undo commands

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Reverse the most recent destructive operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("Undo")
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Undo.CanUndo() {
			return fmt.Errorf("nothing to undo")
		}
		ok, err := confirm("Undo the most recent destructive operation?")
		if err != nil || !ok {
			return err
		}

		err = a.Undo.Replay()
		switch {
		case err == nil:
			fmt.Println("Undo complete.")
			return nil
		case errors.Is(err, safety.ErrPartialUndo):
			return fmt.Errorf("undo finished with errors; remaining items stay in %s", a.Layout.UndoCacheDir())
		default:
			return err
		}
	},
}

var undoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether an undo is available",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("UndoStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Undo.CanUndo() {
			fmt.Println("An undo is available.")
		} else {
			fmt.Println("Nothing to undo.")
		}
		return nil
	},
}

// study commands

var studyCmd = &cobra.Command{
	Use:   "study",
	Short: "Manage studies",
}

var studyAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a study",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("StudyAdd")
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.Studies()
		if err != nil {
			return err
		}
		if _, err := svc.CreateStudy(args[0]); err != nil {
			return err
		}
		fmt.Printf("Study created: %s\n", args[0])
		return nil
	},
}

var studyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List studies",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("StudyList")
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.Studies()
		if err != nil {
			return err
		}
		studies, err := svc.ListStudies()
		if err != nil {
			return err
		}
		if len(studies) == 0 {
			fmt.Println("No studies.")
			return nil
		}
		for _, s := range studies {
			fmt.Println(s.Name)
		}
		return nil
	},
}

var studyDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a study and all of its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(fmt.Sprintf("Delete study %s and everything under it?", args[0]))
		if err != nil || !ok {
			return err
		}

		a, err := app.Open("StudyDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.Studies()
		if err != nil {
			return err
		}
		if err := svc.DeleteStudy(args[0]); err != nil {
			return err
		}
		fmt.Println("Study deleted. Run 'kineviz undo' to reverse.")
		return nil
	},
}

var participantAddCmd = &cobra.Command{
	Use:   "participant <study> <code>",
	Short: "Register a participant in a study",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open("ParticipantAdd")
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.Studies()
		if err != nil {
			return err
		}
		if _, err := svc.AddParticipant(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Participant %s added to %s\n", args[1], args[0])
		return nil
	},
}

// analysis commands

var analysisCmd = &cobra.Command{
	Use:   "analysis",
	Short: "Manage analysis results",
}

var analysisDeleteDiscreteCmd = &cobra.Command{
	Use:   "delete-discrete <study>",
	Short: "Delete a study's discrete analysis results",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteResultsRunE("discrete"),
}

var analysisDeleteContinuousCmd = &cobra.Command{
	Use:   "delete-continuous <study>",
	Short: "Delete a study's continuous analysis results",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteResultsRunE("continuous"),
}

func deleteResultsRunE(kind string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(fmt.Sprintf("Delete all %s analysis results of %s?", kind, args[0]))
		if err != nil || !ok {
			return err
		}

		a, err := app.Open("AnalysisDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		svc, err := a.Studies()
		if err != nil {
			return err
		}
		if kind == "discrete" {
			err = svc.DeleteDiscreteResults(args[0])
		} else {
			err = svc.DeleteContinuousResults(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Println("Analysis results deleted. Run 'kineviz undo' to reverse.")
		return nil
	}
}
