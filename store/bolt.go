package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoolvar"
)

// SpoolRecord is the bstore type for the metadata of a record.
type SpoolRecord struct {
	ID           int64
	Partition    string `bstore:"nonzero,unique Partition+Key,index Partition+LastUpdated"`
	Key          string `bstore:"nonzero"`
	State        string `bstore:"nonzero"`
	ErrorMessage string
	Sender       string
	Recipients   []string
	RemoteHost   string
	RemoteAddr   string
	LastUpdated  time.Time
	Size         int64
	Attributes   []byte
}

// SpoolBody holds the header and content (or reference) of a SpoolRecord, with
// the same ID. Kept separate so scans don't read message data.
type SpoolBody struct {
	ID       int64
	Header   []byte
	Inline   []byte
	External string
	Size     int64
	Digest   []byte
}

// DBTypes are the types stored in the bstore database.
var DBTypes = []any{SpoolRecord{}, SpoolBody{}}

// BoltStore is a Store in a bstore database, the default backend.
type BoltStore struct {
	DB *bstore.DB // Exported for backups.
	bc bodyCodec
}

var _ Store = (*BoltStore)(nil)

func openBolt(ctx context.Context, log mlog.Log, path string, bc bodyCodec) (*BoltStore, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	isNew := false
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		isNew = true
	}

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: spoolvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(path)
		}
		return nil, fmt.Errorf("%w: open spool database: %w", ErrPersistence, err)
	}
	return &BoltStore{DB: db, bc: bc}, nil
}

func (s *BoltStore) Close() error {
	return s.DB.Close()
}

func (s *BoltStore) bodies() bodyCodec {
	return s.bc
}

func (s *BoltStore) observe(op string, err error) {
	metricOps.WithLabelValues("bstore", op, errResult(err)).Inc()
}

func (s *BoltStore) lookup(tx *bstore.Tx, partition, key string) (SpoolRecord, error) {
	return bstore.QueryTx[SpoolRecord](tx).FilterNonzero(SpoolRecord{Partition: partition, Key: key}).Get()
}

func (s *BoltStore) Upsert(ctx context.Context, log mlog.Log, r *Record) (rerr error) {
	defer func() { s.observe("upsert", rerr) }()

	if err := r.prepare(); err != nil {
		return err
	}
	attrs, err := EncodeAttributes(r.Attributes)
	if err != nil {
		return &CodecError{r.Partition, r.Key, err}
	}

	// Blob written during this call, removed if the transaction fails. And blob
	// replaced by this call, removed after commit.
	var newBlob, oldBlob string
	var size int64

	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		sr, err := s.lookup(tx, r.Partition, r.Key)
		insert := err == bstore.ErrAbsent
		if err != nil && !insert {
			return fmt.Errorf("lookup: %w", err)
		}

		sr.Partition = r.Partition
		sr.Key = r.Key
		sr.State = string(r.State)
		sr.ErrorMessage = r.ErrorMessage
		sr.Sender = r.Sender
		sr.Recipients = r.Recipients
		sr.RemoteHost = r.RemoteHost
		sr.RemoteAddr = r.RemoteAddr
		sr.LastUpdated = r.LastUpdated
		sr.Attributes = attrs

		if !insert && !r.BodyDirty {
			size = sr.Size
			return tx.Update(&sr)
		}

		h, err := s.bc.writeBody(log, r.Partition, r.Key, r.Header, r.Content)
		if err != nil {
			return err
		}
		newBlob = h.External
		sr.Size = h.Size
		size = h.Size

		if insert {
			if err := tx.Insert(&sr); err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
		} else if err := tx.Update(&sr); err != nil {
			return fmt.Errorf("update record: %w", err)
		}

		sb := SpoolBody{sr.ID, h.Header, h.Inline, h.External, h.Size, h.Digest}
		if insert {
			return tx.Insert(&sb)
		}
		prev := SpoolBody{ID: sr.ID}
		if err := tx.Get(&prev); err != nil && err != bstore.ErrAbsent {
			return fmt.Errorf("get previous body: %w", err)
		} else if err == bstore.ErrAbsent {
			return tx.Insert(&sb)
		}
		oldBlob = prev.External
		return tx.Update(&sb)
	})
	if oldBlob == newBlob {
		// Identical content gets the same name, the file was replaced in place.
		oldBlob = ""
		if err != nil {
			newBlob = ""
		}
	}
	if err != nil {
		s.bc.removeBlob(log, newBlob)
		return persistErr("upsert", err)
	}
	s.bc.removeBlob(log, oldBlob)
	r.Size = size
	r.BodyDirty = false
	return nil
}

func (s *BoltStore) Get(ctx context.Context, partition, key string) (rr Record, rerr error) {
	defer func() { s.observe("get", rerr) }()

	// A concurrent upsert with a changed body can remove the blob between reading
	// the handle and the file. Retry in that case.
	for i := 0; ; i++ {
		var sr SpoolRecord
		var sb SpoolBody
		err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
			var err error
			sr, err = s.lookup(tx, partition, key)
			if err != nil {
				return err
			}
			sb = SpoolBody{ID: sr.ID}
			return tx.Get(&sb)
		})
		if err == bstore.ErrAbsent {
			return Record{}, ErrNotFound
		} else if err != nil {
			return Record{}, persistErr("get", err)
		}

		r, err := s.record(sr)
		if err != nil {
			return Record{}, err
		}
		r.Header, r.Content, err = s.bc.readBody(bodyHandle{sb.Header, sb.Inline, sb.External, sb.Size, sb.Digest})
		if err != nil && errors.Is(err, os.ErrNotExist) && i < 2 && s.bodyChanged(ctx, sb) {
			continue
		} else if err != nil && errors.Is(err, ErrPersistence) {
			return Record{}, err
		} else if err != nil {
			return Record{}, &CodecError{partition, key, err}
		}
		return r, nil
	}
}

// bodyChanged returns whether the stored body differs from sb.
func (s *BoltStore) bodyChanged(ctx context.Context, sb SpoolBody) bool {
	cur := SpoolBody{ID: sb.ID}
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&cur)
	})
	return err == bstore.ErrAbsent || err == nil && cur.External != sb.External
}

// record returns the metadata of sr as Record, decoding the attributes.
func (s *BoltStore) record(sr SpoolRecord) (Record, error) {
	r := Record{
		Key:          sr.Key,
		Partition:    sr.Partition,
		State:        State(sr.State),
		Sender:       sr.Sender,
		Recipients:   sr.Recipients,
		RemoteHost:   sr.RemoteHost,
		RemoteAddr:   sr.RemoteAddr,
		LastUpdated:  sr.LastUpdated.UTC(),
		ErrorMessage: sr.ErrorMessage,
		Size:         sr.Size,
	}
	attrs, err := DecodeAttributes(sr.Attributes)
	if err != nil {
		return r, &CodecError{sr.Partition, sr.Key, err}
	}
	r.Attributes = attrs
	return r, nil
}

func (s *BoltStore) Delete(ctx context.Context, log mlog.Log, partition, key string) (rerr error) {
	defer func() { s.observe("delete", rerr) }()

	var blob string
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		sr, err := s.lookup(tx, partition, key)
		if err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		sb := SpoolBody{ID: sr.ID}
		if err := tx.Get(&sb); err == nil {
			blob = sb.External
			if err := tx.Delete(&sb); err != nil {
				return fmt.Errorf("delete body: %w", err)
			}
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("get body: %w", err)
		}
		return tx.Delete(&sr)
	})
	if err != nil {
		return persistErr("delete", err)
	}
	s.bc.removeBlob(log, blob)
	return nil
}

func (s *BoltStore) Keys(ctx context.Context, partition string) (keys []string, rerr error) {
	defer func() { s.observe("keys", rerr) }()

	q := bstore.QueryDB[SpoolRecord](ctx, s.DB)
	q.FilterNonzero(SpoolRecord{Partition: partition})
	err := q.ForEach(func(sr SpoolRecord) error {
		keys = append(keys, sr.Key)
		return nil
	})
	if err != nil {
		return nil, persistErr("keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BoltStore) Scan(ctx context.Context, partition string, fn func(r Record, err error) error) (rerr error) {
	defer func() { s.observe("scan", rerr) }()

	q := bstore.QueryDB[SpoolRecord](ctx, s.DB)
	q.FilterNonzero(SpoolRecord{Partition: partition})
	q.SortAsc("LastUpdated")
	l, err := q.List()
	if err != nil {
		return persistErr("scan", err)
	}
	for _, sr := range l {
		if err := fn(s.record(sr)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Partitions(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var l []string
	err := bstore.QueryDB[SpoolRecord](ctx, s.DB).ForEach(func(sr SpoolRecord) error {
		if !seen[sr.Partition] {
			seen[sr.Partition] = true
			l = append(l, sr.Partition)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("partitions", err)
	}
	sort.Strings(l)
	return l, nil
}

func (s *BoltStore) eachBody(ctx context.Context, fn func(partition, key string, h bodyHandle) error) error {
	return s.DB.Read(ctx, func(tx *bstore.Tx) error {
		return bstore.QueryTx[SpoolRecord](tx).ForEach(func(sr SpoolRecord) error {
			sb := SpoolBody{ID: sr.ID}
			if err := tx.Get(&sb); err != nil && err != bstore.ErrAbsent {
				return err
			}
			return fn(sr.Partition, sr.Key, bodyHandle{sb.Header, sb.Inline, sb.External, sb.Size, sb.Digest})
		})
	})
}
