package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/store"
)

// Epoch is set as LastUpdated by ForceRedeliver, so any backoff has passed.
var Epoch = time.Unix(0, 0).UTC()

// NewKey returns a new random key for a record.
func NewKey() string {
	return uuid.NewString()
}

// Done removes a processed record from the queue and unlocks it. The caller
// must hold the lock.
func (q *Queue) Done(ctx context.Context, log mlog.Log, r *store.Record) error {
	defer q.Unlock(r.Key)
	return q.Delete(ctx, log, r.Key)
}

// Fail stores r with state error after a failed delivery attempt, with the
// error message from cause, LastUpdated set to now and the attempt counter
// incremented. The record is unlocked, also when storing fails. The caller must
// hold the lock.
func (q *Queue) Fail(ctx context.Context, log mlog.Log, r *store.Record, cause error) error {
	defer q.Unlock(r.Key)

	r.State = store.StateError
	r.ErrorMessage = "delivery failed"
	if cause != nil && cause.Error() != "" {
		r.ErrorMessage = cause.Error()
	}
	r.LastUpdated = time.Now()
	if r.Attributes == nil {
		r.Attributes = store.Attributes{}
	}
	r.Attributes[AttemptsAttr] = store.Int(int64(Attempts(*r) + 1))
	r.BodyDirty = false
	return q.Upsert(ctx, log, r)
}

// ForceRedeliver makes the record for key eligible for delivery immediately,
// by setting its LastUpdated to the epoch. Only records in state error can be
// forced, others result in ErrInvalidStateTransition and are not changed. If
// the record is locked, ErrLockConflict is returned.
func (q *Queue) ForceRedeliver(ctx context.Context, log mlog.Log, key string) error {
	if !q.TryLock(key) {
		return fmt.Errorf("%w: %s", ErrLockConflict, key)
	}
	defer q.Unlock(key)

	r, err := q.Get(ctx, key)
	if err != nil {
		return err
	}
	if r.State != store.StateError {
		return fmt.Errorf("%w: record %s is in state %s, not %s", ErrInvalidStateTransition, key, r.State, store.StateError)
	}
	r.LastUpdated = Epoch
	if err := q.Upsert(ctx, log, &r); err != nil {
		return err
	}
	metricForced.WithLabelValues(q.Name).Inc()
	log.Info("forced redelivery", r.LogAttr())
	return nil
}

// ForceRedeliverAll forces redelivery of all records in state error. Records
// in other states are left alone. Failures for individual records do not stop
// the batch, they are returned combined, see multierr.Errors.
func (q *Queue) ForceRedeliverAll(ctx context.Context, log mlog.Log) (n int, rerr error) {
	keys, err := q.Keys(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		err := q.ForceRedeliver(ctx, log, key)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, store.ErrNotFound):
		default:
			rerr = multierr.Append(rerr, fmt.Errorf("%s: %w", key, err))
		}
	}
	log.Debug("forced redelivery of queue", slog.String("queue", q.Name), slog.Int("records", n))
	return n, rerr
}

// Drop removes the record for key. A locked record is not removed,
// ErrLockConflict is returned instead.
func (q *Queue) Drop(ctx context.Context, log mlog.Log, key string) error {
	if !q.TryLock(key) {
		return fmt.Errorf("%w: %s", ErrLockConflict, key)
	}
	defer q.Unlock(key)
	if err := q.Delete(ctx, log, key); err != nil {
		return err
	}
	log.Info("dropped record", slog.String("queue", q.Name), slog.String("key", key))
	return nil
}

// DropKeys removes the records for keys. Failures for individual records do not
// stop the batch, they are returned combined.
func (q *Queue) DropKeys(ctx context.Context, log mlog.Log, keys []string) (n int, rerr error) {
	for _, key := range keys {
		if err := q.Drop(ctx, log, key); err != nil {
			rerr = multierr.Append(rerr, fmt.Errorf("%s: %w", key, err))
		} else {
			n++
		}
	}
	return n, rerr
}

// DropAll removes all records in the queue that are not locked.
func (q *Queue) DropAll(ctx context.Context, log mlog.Log) (int, error) {
	keys, err := q.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return q.DropKeys(ctx, log, keys)
}
