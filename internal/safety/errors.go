package safety

import "errors"

// Refusal errors: an operation declined to run because a precondition or
// policy failed. Callers are expected to branch on these with errors.Is and
// present them as messages, not crashes. Everything else returned by the
// core is an ordinary I/O failure.
var (
	// ErrDisabled means the relevant feature toggle is off in settings.
	ErrDisabled = errors.New("feature is disabled in settings")

	// ErrLimitReached means a manual backup was refused because the
	// category already holds max_count snapshots. Manual backups never
	// evict; the user must delete one first.
	ErrLimitReached = errors.New("manual backup limit reached")

	// ErrLockHeld means another creation for the category is in flight.
	ErrLockHeld = errors.New("backup creation already in progress")

	// ErrCooldownActive means too little time has passed since the last
	// successful creation in this category.
	ErrCooldownActive = errors.New("backup cooldown active")

	// ErrTestMode means an automatic or pre-restore creation was skipped
	// because the caller runs in test mode.
	ErrTestMode = errors.New("backup skipped in test mode")

	// ErrSnapshotExists means a snapshot with the same second-resolution
	// timestamp already exists. Creation refuses rather than overwriting.
	ErrSnapshotExists = errors.New("snapshot with this timestamp already exists")

	// ErrNothingToArchive means neither the database, the settings file
	// nor the study tree yielded any content; no zip was written.
	ErrNothingToArchive = errors.New("nothing to include in snapshot")

	// ErrSnapshotNotFound means the named snapshot file does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrAliasNotFound means no alias is recorded under the given key.
	ErrAliasNotFound = errors.New("alias not found")

	// ErrNotPrepared means Stage was called without a successful Prepare
	// in the current operation.
	ErrNotPrepared = errors.New("undo cache has no active database snapshot")

	// ErrNothingToUndo means no undo package exists or its database
	// snapshot is gone.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrPartialUndo means some staged items could not be put back. The
	// cache is kept so the remaining items can be inspected manually.
	ErrPartialUndo = errors.New("undo completed with errors")
)
