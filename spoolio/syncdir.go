//go:build !windows

// Package spoolio has file system helpers for writing message data durably.
package spoolio

import (
	"fmt"
	"os"

	"github.com/mjl-/spoold/mlog"
)

// SyncDir opens a directory and syncs its contents to disk. Needed after
// creating, renaming or removing files in it, for the change to survive a crash.
func SyncDir(log mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	log.Check(xerr, "closing directory after sync")
	return err
}
