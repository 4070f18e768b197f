package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mjl-/spoold/mlog"
)

// Verify checks the consistency of records and blob files: every record with
// external content must have its blob file with matching digest, and every blob
// file must be referenced by a record. Problems are returned as messages. An
// error is only returned if the check could not be completed.
//
// Records being written while Verify runs can be reported as problems.
func Verify(ctx context.Context, log mlog.Log, s Store) (problems []string, rerr error) {
	bc := s.bodies()
	referenced := map[string]bool{}
	err := s.eachBody(ctx, func(partition, key string, h bodyHandle) error {
		if h.External != "" {
			referenced[h.External] = true
		}
		if _, _, err := bc.readBody(h); err != nil {
			problems = append(problems, fmt.Sprintf("record %q in partition %q: %v", key, partition, err))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("verify", err)
	}

	blobs, err := bc.listBlobs()
	if err != nil {
		return nil, fmt.Errorf("%w: listing blobs: %w", ErrPersistence, err)
	}
	sort.Strings(blobs)
	for _, name := range blobs {
		if !referenced[name] {
			problems = append(problems, fmt.Sprintf("blob %s not referenced by any record", name))
		}
	}
	log.Debug("verified spool", slog.Int("blobs", len(blobs)), slog.Int("problems", len(problems)))
	return problems, nil
}
