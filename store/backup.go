package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"
	"go.uber.org/multierr"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoolio"
)

// Backup writes a consistent copy of the database to dstDir, as spool.db or
// spool.sqlite depending on the backend, and hardlinks or copies the blob files
// of records into dstDir/blobs. dstDir must not contain a previous backup.
//
// The database is copied first. Blobs of records added after the database copy
// are not part of the backup. Blobs of records removed after the copy are
// reported as error, and the backup will have records with missing content.
func Backup(ctx context.Context, log mlog.Log, s Store, dstDir string) (rerr error) {
	if err := os.MkdirAll(dstDir, 0770); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	start := time.Now()
	var dbpath string
	switch st := s.(type) {
	case *BoltStore:
		dbpath = filepath.Join(dstDir, "spool.db")
		if err := backupBolt(ctx, log, st, dbpath); err != nil {
			return err
		}
	case *SQLStore:
		dbpath = filepath.Join(dstDir, "spool.sqlite")
		if _, err := os.Stat(dbpath); err == nil {
			return fmt.Errorf("destination database %s already exists", dbpath)
		}
		if _, err := st.engine.Exec("VACUUM INTO ?", dbpath); err != nil {
			return persistErr("backup", err)
		}
	default:
		return fmt.Errorf("%w: backup not supported for store %T", ErrConfig, s)
	}
	log.Debug("backed up database", slog.String("path", dbpath), slog.Duration("duration", time.Since(start)))

	// Read references from the copy, it is not changing.
	var b Store
	var err error
	switch s.(type) {
	case *BoltStore:
		b, err = openBolt(ctx, log, dbpath, bodyCodec{blobDir: s.bodies().blobDir})
	default:
		b, err = openSQL(ctx, log, dbpath, true, bodyCodec{blobDir: s.bodies().blobDir})
	}
	if err != nil {
		return fmt.Errorf("opening database copy: %w", err)
	}
	defer func() {
		err := b.Close()
		log.Check(err, "closing database copy")
	}()

	start = time.Now()
	srcBlobs := s.bodies().blobDir
	dstBlobs := filepath.Join(dstDir, "blobs")
	var nblobs int
	var errs error
	var nerrs int
	dirs := map[string]struct{}{}
	err = b.eachBody(ctx, func(partition, key string, h bodyHandle) error {
		if h.External == "" {
			return nil
		}
		dst := filepath.Join(dstBlobs, h.External)
		dir := filepath.Dir(dst)
		if _, ok := dirs[dir]; !ok {
			if err := os.MkdirAll(dir, 0770); err != nil {
				return fmt.Errorf("creating blob directory: %w", err)
			}
			dirs[dir] = struct{}{}
		}
		if err := spoolio.LinkOrCopy(log, dst, filepath.Join(srcBlobs, h.External), true); err != nil {
			nerrs++
			errs = multierr.Append(errs, fmt.Errorf("blob for record %q in partition %q: %w", key, partition, err))
			return nil
		}
		nblobs++
		return nil
	})
	if err != nil {
		return persistErr("backup", err)
	}
	for dir := range dirs {
		err := spoolio.SyncDir(log, dir)
		log.Check(err, "syncing blob directory", slog.String("dir", dir))
	}
	log.Debug("backed up blobs", slog.Int("blobs", nblobs), slog.Int("errors", nerrs), slog.Duration("duration", time.Since(start)))
	return errs
}

// backupBolt copies the pages of the database in a read-only transaction.
func backupBolt(ctx context.Context, log mlog.Log, s *BoltStore, path string) error {
	df, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return fmt.Errorf("creating destination database: %w", err)
	}
	defer func() {
		if df != nil {
			err := df.Close()
			log.Check(err, "closing destination database")
		}
	}()
	err = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		_, err := tx.WriteTo(df)
		return err
	})
	if err != nil {
		return persistErr("backup", err)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync destination database: %w", err)
	}
	err = df.Close()
	df = nil
	if err != nil {
		return fmt.Errorf("closing destination database: %w", err)
	}
	return nil
}
