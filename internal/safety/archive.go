package safety

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kineviz/internal/layout"
)

// archiveItem is one entry slated for a snapshot zip. relName uses forward
// slashes and is relative to the application base directory, which is the
// archive's internal layout.
type archiveItem struct {
	absPath string
	relName string
	isDir   bool
}

// buildSnapshot gathers the live database, the live settings file and the
// selectively walked study tree, and writes them to a deflate-compressed
// zip at zipPath. When nothing at all can be gathered it returns
// ErrNothingToArchive and writes no file. A failure during writing removes
// the partial zip.
func buildSnapshot(l layout.Layout, zipPath string, logger Logger) error {
	items := collectArchiveItems(l, logger)
	if len(items) == 0 {
		return ErrNothingToArchive
	}

	if err := writeArchive(zipPath, items); err != nil {
		if _, statErr := os.Stat(zipPath); statErr == nil {
			os.Remove(zipPath)
		}
		return err
	}
	return nil
}

func collectArchiveItems(l layout.Layout, logger Logger) []archiveItem {
	var items []archiveItem

	base := l.BaseDir()
	for _, p := range []string{l.DatabasePath(), l.SettingsPath()} {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			logger.Warn("snapshot item missing, skipping", "path", p)
			continue
		}
		items = append(items, archiveItem{absPath: p, relName: relName(base, p)})
	}

	items = append(items, collectStudyTree(l, logger)...)
	return items
}

// collectStudyTree walks the study tree selectively: each study directory
// entry is kept even when empty, participant folders contribute raw trial
// files (OG/*.txt, OG/*.csv) and processed files (*.txt under any other
// immediate subfolder), discrete-analysis results contribute generated
// tables (*.xlsx, *.csv) plus the chart and config subtrees in full, and
// the continuous-analysis subtree is taken in full.
func collectStudyTree(l layout.Layout, logger Logger) []archiveItem {
	base := l.BaseDir()
	root := l.StudyTreeDir()

	studies, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("study tree missing, skipping", "path", root)
		return nil
	}

	var items []archiveItem
	for _, study := range studies {
		if !study.IsDir() {
			continue
		}
		studyDir := filepath.Join(root, study.Name())
		items = append(items, archiveItem{absPath: studyDir, relName: relName(base, studyDir), isDir: true})

		subs, err := os.ReadDir(studyDir)
		if err != nil {
			logger.Warn("cannot read study directory", "path", studyDir, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.IsDir() {
				continue
			}
			subDir := filepath.Join(studyDir, sub.Name())
			switch sub.Name() {
			case layout.DiscreteResultsDir:
				items = append(items, filesMatching(base, subDir, ".xlsx", ".csv")...)
				items = append(items, subtree(base, filepath.Join(subDir, layout.ChartsDir), logger)...)
				items = append(items, subtree(base, filepath.Join(subDir, layout.ConfigDir), logger)...)
			case layout.ContinuousResultsDir:
				items = append(items, subtree(base, subDir, logger)...)
			default:
				items = append(items, collectParticipant(base, subDir, logger)...)
			}
		}
	}
	return items
}

func collectParticipant(base, participantDir string, logger Logger) []archiveItem {
	subs, err := os.ReadDir(participantDir)
	if err != nil {
		logger.Warn("cannot read participant directory", "path", participantDir, "error", err)
		return nil
	}

	var items []archiveItem
	for _, sub := range subs {
		if !sub.IsDir() {
			continue
		}
		dir := filepath.Join(participantDir, sub.Name())
		if sub.Name() == layout.OriginalFilesDir {
			items = append(items, filesMatching(base, dir, ".txt", ".csv")...)
		} else {
			items = append(items, filesMatching(base, dir, ".txt")...)
		}
	}
	return items
}

// filesMatching lists the regular files directly inside dir whose extension
// (case-insensitive) is one of exts.
func filesMatching(base, dir string, exts ...string) []archiveItem {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var items []archiveItem
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range exts {
			if ext == want {
				p := filepath.Join(dir, e.Name())
				items = append(items, archiveItem{absPath: p, relName: relName(base, p)})
				break
			}
		}
	}
	return items
}

// subtree lists everything under dir recursively, including directory
// entries so empty directories survive the round trip.
func subtree(base, dir string, logger Logger) []archiveItem {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	var items []archiveItem
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		items = append(items, archiveItem{absPath: path, relName: relName(base, path), isDir: d.IsDir()})
		return nil
	})
	if err != nil {
		logger.Warn("walking subtree", "path", dir, "error", err)
	}
	return items
}

func relName(base, abs string) string {
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func writeArchive(zipPath string, items []archiveItem) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, item := range items {
		if err := writeArchiveItem(zw, item); err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("archiving %s: %w", item.relName, err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalizing snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing snapshot file: %w", err)
	}
	return nil
}

func writeArchiveItem(zw *zip.Writer, item archiveItem) error {
	if item.isDir {
		_, err := zw.CreateHeader(&zip.FileHeader{Name: item.relName + "/"})
		return err
	}

	w, err := zw.CreateHeader(&zip.FileHeader{Name: item.relName, Method: zip.Deflate})
	if err != nil {
		return err
	}
	f, err := os.Open(item.absPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// extractArchive unpacks the whole snapshot into destDir, recreating the
// base-relative layout. Entries that would escape destDir are rejected.
func extractArchive(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("snapshot entry escapes extraction directory: %s", f.Name)
		}
		dest := filepath.Join(destDir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", dest, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		if err := extractFile(f, dest); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
