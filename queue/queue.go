// Package queue turns the spool store into queues of records to deliver.
//
// A Spool combines a store with in-process record locks and wakeups. A Queue
// is a partition of the spool. Producers add records with Upsert. Consumers
// call Accept to wait for an eligible record, which they get locked. After
// processing, they delete the record (Done) or store it with the failure
// (Fail), which unlocks it. A Runner does this with a Transport, retrying with
// backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/smtp"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
)

var (
	metricAccept = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoold_queue_accept_duration_seconds",
			Help:    "Time spent waiting in Accept for an eligible record.",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 300, 1800},
		},
		[]string{
			"queue",
			"result", // ok, timeout, canceled
		},
	)
	metricUpsert = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_queue_upsert_total",
			Help: "Records stored through a queue, by state.",
		},
		[]string{
			"queue",
			"state",
		},
	)
	metricDelete = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_queue_delete_total",
			Help: "Records removed from a queue.",
		},
		[]string{
			"queue",
		},
	)
	metricLockConflict = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoold_queue_lock_conflict_total",
			Help: "Attempts to lock a record that was already locked.",
		},
	)
	metricForced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_queue_forced_redelivery_total",
			Help: "Records made eligible for immediate redelivery by an administrator.",
		},
		[]string{
			"queue",
		},
	)
)

var (
	// ErrCanceled is returned by Accept when its context is canceled.
	ErrCanceled = errors.New("accept canceled")

	// ErrLockConflict is returned by administrative operations on a record that
	// is locked, e.g. being delivered.
	ErrLockConflict = errors.New("record is locked")

	// ErrInvalidStateTransition is returned when forcing redelivery of a record
	// that is not in state error.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Spool is a store with locks and wakeups, shared by all queues.
type Spool struct {
	Store store.Store
	Locks *Locks

	// Accept rescans at this interval even without wakeup, to find records whose
	// backoff period passed.
	rescan time.Duration

	mu   sync.Mutex
	wake map[string]chan struct{} // Per partition, closed and replaced on Signal.
}

// New returns a spool for st. Records are rescanned at interval rescan, or
// every minute if rescan is zero.
func New(st store.Store, rescan time.Duration) *Spool {
	if rescan <= 0 {
		rescan = time.Minute
	}
	return &Spool{
		Store:  st,
		Locks:  NewLocks(),
		rescan: rescan,
		wake:   map[string]chan struct{}{},
	}
}

// waiter returns the channel that is closed at the next signal for partition.
func (s *Spool) waiter(partition string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.wake[partition]
	if !ok {
		c = make(chan struct{})
		s.wake[partition] = c
	}
	return c
}

// Signal wakes up all Accept calls waiting on partition. Spurious signals are
// harmless.
func (s *Spool) Signal(partition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.wake[partition]; ok {
		close(c)
		delete(s.wake, partition)
	}
}

// Queue returns a handle for the partition name.
func (s *Spool) Queue(name string, backoff Backoff) *Queue {
	return &Queue{Name: name, Backoff: backoff, spool: s}
}

// Queue is a partition of the spool.
type Queue struct {
	Name    string
	Backoff Backoff
	spool   *Spool
}

// Spool returns the spool this queue is part of.
func (q *Queue) Spool() *Spool {
	return q.spool
}

// Upsert stores r in the queue, inserting it if its key is new, otherwise
// updating it, and signals waiting consumers. The partition of r is set to the
// queue name. The sender and recipients are validated and normalized.
//
// Upsert does not lock. Producers of new records don't need a lock, updates of
// existing records should be done while holding its lock.
func (q *Queue) Upsert(ctx context.Context, log mlog.Log, r *store.Record) error {
	r.Partition = q.Name
	sender, err := smtp.NormalizeSender(r.Sender)
	if err != nil {
		return fmt.Errorf("%w: sender: %w", store.ErrInvalidRecord, err)
	}
	rcpts, err := smtp.NormalizeRecipients(r.Recipients)
	if err != nil {
		return fmt.Errorf("%w: recipients: %w", store.ErrInvalidRecord, err)
	}
	r.Sender = sender
	r.Recipients = rcpts
	if err := q.spool.Store.Upsert(ctx, log, r); err != nil {
		return err
	}
	metricUpsert.WithLabelValues(q.Name, string(r.State)).Inc()
	log.Debug("record stored", r.LogAttr())
	q.spool.Signal(q.Name)
	return nil
}

// Get returns the record for key, with store.ErrNotFound if absent.
func (q *Queue) Get(ctx context.Context, key string) (store.Record, error) {
	return q.spool.Store.Get(ctx, q.Name, key)
}

// Delete removes the record for key, if present, and signals waiting consumers.
func (q *Queue) Delete(ctx context.Context, log mlog.Log, key string) error {
	if err := q.spool.Store.Delete(ctx, log, q.Name, key); err != nil {
		return err
	}
	metricDelete.WithLabelValues(q.Name).Inc()
	q.spool.Signal(q.Name)
	return nil
}

// Keys returns the keys of all records in the queue, sorted.
func (q *Queue) Keys(ctx context.Context) ([]string, error) {
	return q.spool.Store.Keys(ctx, q.Name)
}

// Scan calls fn for each record in the queue without its body, see
// store.Store.Scan.
func (q *Queue) Scan(ctx context.Context, fn func(r store.Record, err error) error) error {
	return q.spool.Store.Scan(ctx, q.Name, fn)
}

// TryLock locks the record for key without blocking, returning whether it was
// locked.
func (q *Queue) TryLock(key string) bool {
	return q.spool.Locks.TryLock(q.Name, key)
}

// Unlock releases the lock on the record for key, returning false if it wasn't
// locked. Waiting consumers are signaled, the record may be eligible for them
// now.
func (q *Queue) Unlock(key string) bool {
	ok := q.spool.Locks.Unlock(q.Name, key)
	q.spool.Signal(q.Name)
	return ok
}

// Locked returns whether the record for key is locked.
func (q *Queue) Locked(key string) bool {
	return q.spool.Locks.Locked(q.Name, key)
}

var errStopScan = errors.New("stop scan")

// Accept waits for a record matching pred, locks it and returns it with its
// body. If pred is nil, q.Backoff.Eligible is used. The caller must unlock the
// record after processing.
//
// Accept returns nil, nil when timeout passes without a matching record. A
// zero timeout waits indefinitely. ErrCanceled is returned when ctx is
// canceled.
//
// Candidates are evaluated again on each signal for the queue and
// periodically. Records that cannot be decoded are logged and skipped for the
// remainder of the call. Errors from the store are logged and retried.
func (q *Queue) Accept(ctx context.Context, log mlog.Log, pred Predicate, timeout time.Duration) (rr *store.Record, rerr error) {
	if pred == nil {
		pred = q.Backoff.Eligible
	}

	start := time.Now()
	defer func() {
		result := "ok"
		if errors.Is(rerr, ErrCanceled) {
			result = "canceled"
		} else if rr == nil {
			result = "timeout"
		}
		metricAccept.WithLabelValues(q.Name, result).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	skip := map[string]bool{}
	for {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
		}

		// Take the wakeup channel before scanning, so changes made during the scan
		// cause another scan.
		wake := q.spool.waiter(q.Name)

		pause := spoold.Jitter(q.spool.rescan, 0.1)
		r, err := q.tryAccept(ctx, log, pred, skip)
		if r != nil {
			return r, nil
		} else if err != nil && ctx.Err() == nil {
			log.Errorx("looking for eligible record, will retry", err, slog.String("queue", q.Name))
			pause = min(pause, time.Second)
		}

		poll := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
		case <-deadline:
			poll.Stop()
			return nil, nil
		case <-wake:
		case <-poll.C:
		}
		poll.Stop()
	}
}

// tryAccept scans the queue once, returning the first record it could lock that
// matches pred.
func (q *Queue) tryAccept(ctx context.Context, log mlog.Log, pred Predicate, skip map[string]bool) (*store.Record, error) {
	var found *store.Record
	now := time.Now()
	err := q.spool.Store.Scan(ctx, q.Name, func(r store.Record, err error) error {
		if errors.Is(err, store.ErrCodec) {
			if !skip[r.Key] {
				log.Errorx("skipping record that cannot be read", err, r.LogAttr())
				skip[r.Key] = true
			}
			return nil
		} else if err != nil {
			return err
		}
		if skip[r.Key] || q.spool.Locks.Locked(q.Name, r.Key) || !pred(r, now) {
			return nil
		}
		if !q.spool.Locks.TryLock(q.Name, r.Key) {
			// Lost the race with another consumer.
			return nil
		}

		// Record may have changed since the scan started.
		full, err := q.spool.Store.Get(ctx, q.Name, r.Key)
		if err == nil && pred(full, time.Now()) {
			found = &full
			return errStopScan
		}
		q.spool.Locks.Unlock(q.Name, r.Key)
		if errors.Is(err, store.ErrCodec) {
			log.Errorx("skipping record that cannot be read", err, r.LogAttr())
			skip[r.Key] = true
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			// Others may have passed over this record while we had it locked.
			q.spool.Signal(q.Name)
			return err
		}
		return nil
	})
	if err == errStopScan {
		log.Debug("accepted record", found.LogAttr())
		return found, nil
	}
	return nil, err
}
