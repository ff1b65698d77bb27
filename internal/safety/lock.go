package safety

import (
	"fmt"
	"os"
)

// lockHandle is an acquired category lock. Release is idempotent and must
// run on every exit path of the operation that acquired it.
type lockHandle struct {
	path     string
	released bool
}

// acquireLock takes the category lock by creating the marker file with
// exclusive-create semantics. A single atomic syscall replaces the
// check-then-create sequence, so two in-process attempts cannot both win.
// Returns ErrLockHeld when the marker already exists.
func acquireLock(path string) (*lockHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("creating lock file %s: %w", path, err)
	}
	f.Close()
	return &lockHandle{path: path}, nil
}

// Release removes the marker file. Safe to call more than once.
func (h *lockHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	os.Remove(h.path)
}
