// Package spoolio has file system helpers for writing message data durably.
package spoolio

import (
	"github.com/mjl-/spoold/mlog"
)

// SyncDir is a no-op on Windows.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
