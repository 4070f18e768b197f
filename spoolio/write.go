package spoolio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mjl-/spoold/mlog"
)

// WriteFileSync writes the data from the readers to a new file at path. The
// data is first written to a temporary file in the same directory, synced,
// then renamed into place, after which the directory is synced. The directory
// of path is created if needed. On error, no file remains at path unless it
// existed before.
func WriteFileSync(log mlog.Log, path string, readers ...io.Reader) (rerr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing temporary file")
		}
		if rerr != nil {
			err := os.Remove(tmp)
			log.Check(err, "removing temporary file", slogPath(tmp))
		}
	}()

	for _, r := range readers {
		if _, err := io.Copy(f, r); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	if err := SyncDir(log, dir); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
