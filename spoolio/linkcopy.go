package spoolio

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mjl-/spoold/mlog"
)

func slogPath(p string) slog.Attr {
	return slog.String("path", p)
}

// LinkOrCopy attempts to make a hardlink dst. If that fails, it will try to do a
// regular file copy. If sync is true and the file is copied, Sync is called on
// the file after writing. Callers should also sync the directory of dst. If dst
// was created and an error occurred, it is removed.
func LinkOrCopy(log mlog.Log, dst, src string, sync bool) (rerr error) {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// Either src or the directory of dst doesn't exist, copying would fail as well.
		return err
	}

	// File system may not support hardlinks, or link could be crossing file systems.
	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing copied source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if df != nil {
			err := df.Close()
			log.Check(err, "closing partial destination file")
			err = os.Remove(dst)
			log.Check(err, "removing partial destination file", slogPath(dst))
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if sync {
		if err := df.Sync(); err != nil {
			return fmt.Errorf("sync destination: %w", err)
		}
	}
	err = df.Close()
	df = nil
	if err != nil {
		err := os.Remove(dst)
		log.Check(err, "removing partial destination file", slogPath(dst))
		return err
	}
	return nil
}
