// Package store is the durable storage of in-transit mail records, the spool.
//
// Records are kept per partition (a named logical queue) by key. A Store
// provides atomic insert-or-update, point lookup, delete and key listing. The
// message content of a record is stored inline in the database for small
// messages and in a separate blob file for larger ones. Two backends are
// available: an embedded bstore database, and xorm on sqlite.
//
// Stores do no locking of records, see package queue for that.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/spoold/mlog"
)

var (
	metricOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoold_store_operations_total",
			Help: "Operations on the spool store, by backend, operation and result.",
		},
		[]string{
			"backend", // bstore, sqlite
			"op",      // upsert, get, delete, keys, scan
			"result",  // ok, notfound, codec, persistence, invalid
		},
	)
	metricBlobBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoold_store_blob_written_bytes_total",
			Help: "Bytes of message content written to external blob files.",
		},
	)
)

var (
	// ErrNotFound is returned by Get for an absent record.
	ErrNotFound = errors.New("record not found")

	// ErrPersistence is wrapped by errors from the backing database or file
	// system. The store does not retry operations itself.
	ErrPersistence = errors.New("persistence failure")

	// ErrCodec is matched by *CodecError, for a record that cannot be decoded.
	ErrCodec = errors.New("codec failure")

	// ErrConfig is returned when opening a store with bad options, or a
	// database that is missing required schema.
	ErrConfig = errors.New("store configuration error")

	// ErrInvalidRecord is returned by Upsert for a record missing required
	// fields.
	ErrInvalidRecord = errors.New("invalid record")
)

// CodecError is returned for a single record whose attributes or body cannot
// be decoded, e.g. due to corruption. Other records are not affected.
type CodecError struct {
	Partition string
	Key       string
	Err       error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: record %q in partition %q: %v", ErrCodec, e.Key, e.Partition, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}

// persistErr wraps err in ErrPersistence, unless it already is one of the
// error kinds of this package.
func persistErr(op string, err error) error {
	for _, kind := range []error{ErrNotFound, ErrPersistence, ErrCodec, ErrConfig, ErrInvalidRecord} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func errResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "notfound"
	case errors.Is(err, ErrCodec):
		return "codec"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid"
	}
	return "persistence"
}

// State of a record. Besides the states below, processing stages may use
// their own names.
type State string

const (
	StateIncoming State = "incoming" // Newly stored, to be delivered.
	StateError    State = "error"    // Delivery failed, to be retried after a backoff.
	StateSent     State = "sent"     // Delivered. Records are typically removed instead.
)

// Record is a message in transit, with its envelope, delivery state and
// content.
type Record struct {
	Key       string // Unique within the partition, assigned by the producer.
	Partition string // Name of the queue.
	State     State

	Sender     string   // Envelope sender. Empty for the null sender, e.g. for bounces.
	Recipients []string // Envelope recipients, at least one.

	RemoteHost string // For auditing, the connection the message came in on.
	RemoteAddr string

	// Time of last change by a producer or consumer. Doubles as the start of the
	// backoff period after a failed delivery attempt. Set to the current time by
	// Upsert if zero.
	LastUpdated time.Time

	ErrorMessage string // Required for state error.

	Attributes Attributes

	Header  []byte // Message header, including the empty line ending the header.
	Content []byte // Message content after the header.

	// Size of Content. Also set for records from Scan, which do not have Header and
	// Content.
	Size int64

	// For Upsert of an existing record: whether Header and Content changed and must
	// be written. If not set, the stored body is kept. Cleared by a successful
	// Upsert.
	BodyDirty bool
}

func (r *Record) check() error {
	switch {
	case r.Partition == "":
		return fmt.Errorf("%w: missing partition", ErrInvalidRecord)
	case r.Key == "":
		return fmt.Errorf("%w: missing key", ErrInvalidRecord)
	case r.State == "":
		return fmt.Errorf("%w: missing state", ErrInvalidRecord)
	case r.State == StateError && r.ErrorMessage == "":
		return fmt.Errorf("%w: state error requires an error message", ErrInvalidRecord)
	case len(r.Recipients) == 0:
		return fmt.Errorf("%w: no recipients", ErrInvalidRecord)
	}
	return nil
}

// prepare checks r and sets LastUpdated if needed.
func (r *Record) prepare() error {
	if err := r.check(); err != nil {
		return err
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = time.Now()
	}
	// Strip monotonic clock reading and location, they are not stored.
	r.LastUpdated = r.LastUpdated.Round(0).UTC()
	return nil
}

// LogAttr returns the key, partition and state for logging.
func (r Record) LogAttr() slog.Attr {
	return slog.Group("record", slog.String("partition", r.Partition), slog.String("key", r.Key), slog.String("state", string(r.State)))
}

// Store is the durable storage of records.
//
// All operations are safe for concurrent use. None of them hold a database
// transaction or file open after returning.
type Store interface {
	// Upsert inserts r if no record with its partition and key exists, including
	// its body. Otherwise the stored record is updated with the mutable fields of r:
	// state, error message, sender, recipients, remote host and address, last
	// updated, attributes, and the body if r.BodyDirty is set. The existence check
	// and the write are one transaction. Body content is written and synced before
	// the transaction commits.
	Upsert(ctx context.Context, log mlog.Log, r *Record) error

	// Get returns the record including its body. ErrNotFound if absent.
	Get(ctx context.Context, partition, key string) (Record, error)

	// Delete removes the record and its external content. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, log mlog.Log, partition, key string) error

	// Keys returns the keys of records in partition, sorted.
	Keys(ctx context.Context, partition string) ([]string, error)

	// Scan calls fn for each record in partition, oldest LastUpdated first, without
	// header and content. Records that cannot be decoded are passed with a
	// *CodecError and Key and Partition set. An error from fn stops the scan and is
	// returned. Scan works on a snapshot, fn may modify the store.
	Scan(ctx context.Context, partition string, fn func(r Record, err error) error) error

	// Partitions returns the names of partitions with at least one record, sorted.
	Partitions(ctx context.Context) ([]string, error)

	// Close closes the database.
	Close() error

	// eachBody calls fn for each record and its body handle, for verification.
	eachBody(ctx context.Context, fn func(partition, key string, h bodyHandle) error) error
	bodies() bodyCodec
}

// Options for opening a store.
type Options struct {
	Backend string // "bstore" (default) or "sqlite".

	// Database file. For bstore, default spool.db in DataDir, for sqlite
	// spool.sqlite. Relative paths are relative to DataDir.
	Path string

	DataDir string // Blobs are stored in subdirectory "blobs".

	// Content larger than this number of bytes is stored in a separate file. Zero
	// means the default of 64KiB. -1 means content is always stored in a file.
	MaxInlineContent int64

	// For sqlite, do not create or alter the table, only check it has the required
	// columns.
	NoSchemaSync bool
}

// Open opens the store with the backend from opts.
func Open(ctx context.Context, log mlog.Log, opts Options) (Store, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory required", ErrConfig)
	}
	bc := bodyCodec{
		blobDir:   filepath.Join(opts.DataDir, "blobs"),
		maxInline: opts.MaxInlineContent,
	}
	if bc.maxInline == 0 {
		bc.maxInline = 64 * 1024
	}
	path := func(def string) string {
		p := opts.Path
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(opts.DataDir, p)
	}

	switch opts.Backend {
	case "", "bstore":
		if opts.NoSchemaSync {
			return nil, fmt.Errorf("%w: NoSchemaSync only applies to backend sqlite", ErrConfig)
		}
		return openBolt(ctx, log, path("spool.db"), bc)
	case "sqlite":
		return openSQL(ctx, log, path("spool.sqlite"), opts.NoSchemaSync, bc)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, opts.Backend)
}
