package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mjl-/bstore"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/spoold/mlog"
)

var ctxbg = context.Background()
var pkglog = mlog.New("store", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func tdiff(t *testing.T, got, exp Record) {
	t.Helper()
	if diff := cmp.Diff(exp, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("record mismatch (-exp +got):\n%s", diff)
	}
}

// forBackends runs fn with a new store for each backend.
func forBackends(t *testing.T, maxInline int64, fn func(t *testing.T, s Store)) {
	for _, backend := range []string{"bstore", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(ctxbg, pkglog, Options{Backend: backend, DataDir: dir, MaxInlineContent: maxInline})
			tcheck(t, err, "open store")
			defer func() {
				err := s.Close()
				tcheck(t, err, "close store")
			}()
			fn(t, s)
		})
	}
}

func testRecord(partition, key string) Record {
	return Record{
		Partition:  partition,
		Key:        key,
		State:      StateIncoming,
		Sender:     "sender@example.org",
		Recipients: []string{"a@example.com", "b@example.com"},
		RemoteHost: "mail.example.org",
		RemoteAddr: "192.0.2.1",
		Attributes: Attributes{"spam-score": Int(3)},
		Header:     []byte("Subject: test\n\n"),
		Content:    []byte("line 1\nline 2\r\n"),
	}
}

func TestRoundTrip(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		r := testRecord("outgoing", "k1")
		err := s.Upsert(ctxbg, pkglog, &r)
		tcheck(t, err, "upsert")
		if r.LastUpdated.IsZero() {
			t.Fatalf("LastUpdated not set by upsert")
		}
		tcompare(t, r.Size, int64(len("line 1\r\nline 2\r\n")))

		exp := r
		exp.Header = []byte("Subject: test\r\n\r\n")
		exp.Content = []byte("line 1\r\nline 2\r\n")

		nr, err := s.Get(ctxbg, "outgoing", "k1")
		tcheck(t, err, "get")
		tdiff(t, nr, exp)

		// Same key in other partition is a different record.
		_, err = s.Get(ctxbg, "incoming", "k1")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("get in other partition: got %v, expected ErrNotFound", err)
		}

		// Null sender is preserved.
		r2 := testRecord("outgoing", "k2")
		r2.Sender = ""
		err = s.Upsert(ctxbg, pkglog, &r2)
		tcheck(t, err, "upsert null sender")
		nr, err = s.Get(ctxbg, "outgoing", "k2")
		tcheck(t, err, "get")
		tcompare(t, nr.Sender, "")

		parts, err := s.Partitions(ctxbg)
		tcheck(t, err, "partitions")
		tcompare(t, parts, []string{"outgoing"})
	})
}

func TestInvalidRecord(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		for _, fn := range []func(r *Record){
			func(r *Record) { r.Key = "" },
			func(r *Record) { r.Partition = "" },
			func(r *Record) { r.State = "" },
			func(r *Record) { r.Recipients = nil },
			func(r *Record) { r.State = StateError },
		} {
			r := testRecord("outgoing", "k")
			fn(&r)
			err := s.Upsert(ctxbg, pkglog, &r)
			if !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("upsert: got %v, expected ErrInvalidRecord", err)
			}
		}
		keys, err := s.Keys(ctxbg, "outgoing")
		tcheck(t, err, "keys")
		tcompare(t, len(keys), 0)
	})
}

func TestDelete(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		r := testRecord("outgoing", "k1")
		err := s.Upsert(ctxbg, pkglog, &r)
		tcheck(t, err, "upsert")

		err = s.Delete(ctxbg, pkglog, "outgoing", "k1")
		tcheck(t, err, "delete")
		_, err = s.Get(ctxbg, "outgoing", "k1")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("get after delete: got %v, expected ErrNotFound", err)
		}

		// Idempotent.
		err = s.Delete(ctxbg, pkglog, "outgoing", "k1")
		tcheck(t, err, "delete absent record")
		err = s.Delete(ctxbg, pkglog, "nonexistent", "k1")
		tcheck(t, err, "delete in absent partition")

		keys, err := s.Keys(ctxbg, "outgoing")
		tcheck(t, err, "keys")
		tcompare(t, len(keys), 0)
	})
}

func TestUpdate(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		r := testRecord("outgoing", "k1")
		err := s.Upsert(ctxbg, pkglog, &r)
		tcheck(t, err, "upsert")

		// Update without BodyDirty keeps the stored body.
		r.State = StateError
		r.ErrorMessage = "connection refused"
		r.Recipients = []string{"b@example.com"}
		r.Attributes["attempts"] = Int(1)
		r.LastUpdated = time.Time{}
		r.Header = nil
		r.Content = []byte("ignored")
		err = s.Upsert(ctxbg, pkglog, &r)
		tcheck(t, err, "upsert without body")

		nr, err := s.Get(ctxbg, "outgoing", "k1")
		tcheck(t, err, "get")
		tcompare(t, nr.State, StateError)
		tcompare(t, nr.ErrorMessage, "connection refused")
		tcompare(t, nr.Recipients, []string{"b@example.com"})
		tcompare(t, nr.Attributes["attempts"], Int(1))
		tcompare(t, string(nr.Header), "Subject: test\r\n\r\n")
		tcompare(t, string(nr.Content), "line 1\r\nline 2\r\n")
		tcompare(t, nr.Size, int64(16))

		// With BodyDirty, the body is replaced.
		nr.Header = []byte("Subject: changed\r\n\r\n")
		nr.Content = []byte("new body\r\n")
		nr.BodyDirty = true
		err = s.Upsert(ctxbg, pkglog, &nr)
		tcheck(t, err, "upsert with body")
		if nr.BodyDirty {
			t.Fatalf("BodyDirty not cleared by upsert")
		}
		nr, err = s.Get(ctxbg, "outgoing", "k1")
		tcheck(t, err, "get")
		tcompare(t, string(nr.Header), "Subject: changed\r\n\r\n")
		tcompare(t, string(nr.Content), "new body\r\n")
		tcompare(t, nr.Size, int64(10))
	})
}

func TestConcurrentProducers(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		const n = 1000
		var g errgroup.Group
		g.SetLimit(16)
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("key-%04d", i)
			g.Go(func() error {
				r := testRecord("incoming", key)
				return s.Upsert(ctxbg, pkglog, &r)
			})
		}
		err := g.Wait()
		tcheck(t, err, "concurrent upserts")

		keys, err := s.Keys(ctxbg, "incoming")
		tcheck(t, err, "keys")
		tcompare(t, len(keys), n)
		for i, k := range keys {
			tcompare(t, k, fmt.Sprintf("key-%04d", i))
		}
	})
}

func TestScan(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		now := time.Now()
		for i, key := range []string{"c", "a", "b"} {
			r := testRecord("outgoing", key)
			r.LastUpdated = now.Add(time.Duration(i) * time.Second)
			err := s.Upsert(ctxbg, pkglog, &r)
			tcheck(t, err, "upsert")
		}

		var keys []string
		err := s.Scan(ctxbg, "outgoing", func(r Record, err error) error {
			tcheck(t, err, "scan record")
			if r.Header != nil || r.Content != nil {
				t.Fatalf("scan returned body")
			}
			tcompare(t, r.Size, int64(16))
			keys = append(keys, r.Key)
			return nil
		})
		tcheck(t, err, "scan")
		tcompare(t, keys, []string{"c", "a", "b"})

		stop := errors.New("stop")
		n := 0
		err = s.Scan(ctxbg, "outgoing", func(r Record, err error) error {
			n++
			return stop
		})
		tcompare(t, err, stop)
		tcompare(t, n, 1)
	})
}

// corruptAttributes replaces the stored attributes of a record with an invalid
// encoding.
func corruptAttributes(t *testing.T, s Store, partition, key string) {
	t.Helper()
	bad := []byte{attrVersion, 0xa1, 0x61}
	switch x := s.(type) {
	case *BoltStore:
		err := x.DB.Write(ctxbg, func(tx *bstore.Tx) error {
			sr, err := x.lookup(tx, partition, key)
			if err != nil {
				return err
			}
			sr.Attributes = bad
			return tx.Update(&sr)
		})
		tcheck(t, err, "corrupting attributes")
	case *SQLStore:
		_, err := x.engine.Exec("UPDATE spool SET attributes_blob = ? WHERE partition_name = ? AND mail_key = ?", bad, partition, key)
		tcheck(t, err, "corrupting attributes")
	default:
		t.Fatalf("unknown store type %T", s)
	}
}

func TestCodecErrorIsolation(t *testing.T) {
	forBackends(t, 0, func(t *testing.T, s Store) {
		for _, key := range []string{"a", "b", "c"} {
			r := testRecord("outgoing", key)
			err := s.Upsert(ctxbg, pkglog, &r)
			tcheck(t, err, "upsert")
		}
		corruptAttributes(t, s, "outgoing", "b")

		_, err := s.Get(ctxbg, "outgoing", "b")
		var cerr *CodecError
		if !errors.Is(err, ErrCodec) || !errors.As(err, &cerr) || cerr.Key != "b" {
			t.Fatalf("get corrupt record: got %v, expected codec error", err)
		}
		_, err = s.Get(ctxbg, "outgoing", "a")
		tcheck(t, err, "get intact record")

		keys, err := s.Keys(ctxbg, "outgoing")
		tcheck(t, err, "keys")
		tcompare(t, keys, []string{"a", "b", "c"})

		var good, bad []string
		err = s.Scan(ctxbg, "outgoing", func(r Record, err error) error {
			if errors.Is(err, ErrCodec) {
				bad = append(bad, r.Key)
			} else {
				tcheck(t, err, "scan record")
				good = append(good, r.Key)
			}
			return nil
		})
		tcheck(t, err, "scan")
		tcompare(t, len(good), 2)
		tcompare(t, bad, []string{"b"})

		// A corrupt record can still be deleted.
		err = s.Delete(ctxbg, pkglog, "outgoing", "b")
		tcheck(t, err, "delete corrupt record")
	})
}

func TestExternalContent(t *testing.T) {
	forBackends(t, -1, func(t *testing.T, s Store) {
		blobDir := s.bodies().blobDir

		r := testRecord("outgoing", "k1")
		err := s.Upsert(ctxbg, pkglog, &r)
		tcheck(t, err, "upsert")
		blobs, err := s.bodies().listBlobs()
		tcheck(t, err, "list blobs")
		tcompare(t, len(blobs), 1)
		first := blobs[0]

		nr, err := s.Get(ctxbg, "outgoing", "k1")
		tcheck(t, err, "get")
		tcompare(t, string(nr.Content), "line 1\r\nline 2\r\n")

		// Changed body gets a new blob, the old one is removed.
		nr.Content = []byte("other content\r\n")
		nr.BodyDirty = true
		err = s.Upsert(ctxbg, pkglog, &nr)
		tcheck(t, err, "upsert changed body")
		blobs, err = s.bodies().listBlobs()
		tcheck(t, err, "list blobs")
		tcompare(t, len(blobs), 1)
		if blobs[0] == first {
			t.Fatalf("blob name did not change with content")
		}

		// Same body again keeps the blob.
		nr.BodyDirty = true
		err = s.Upsert(ctxbg, pkglog, &nr)
		tcheck(t, err, "upsert same body")
		nr, err = s.Get(ctxbg, "outgoing", "k1")
		tcheck(t, err, "get")
		tcompare(t, string(nr.Content), "other content\r\n")

		problems, err := Verify(ctxbg, pkglog, s)
		tcheck(t, err, "verify")
		tcompare(t, len(problems), 0)

		// Tampered content is a codec error for just this record.
		err = os.WriteFile(filepath.Join(blobDir, blobs[0]), []byte("tampered\r\n"), 0660)
		tcheck(t, err, "tamper with blob")
		_, err = s.Get(ctxbg, "outgoing", "k1")
		if !errors.Is(err, ErrCodec) {
			t.Fatalf("get with tampered blob: got %v, expected ErrCodec", err)
		}

		// Orphan blob.
		err = os.MkdirAll(filepath.Join(blobDir, "00"), 0770)
		tcheck(t, err, "mkdir")
		err = os.WriteFile(filepath.Join(blobDir, "00", "orphan"), []byte("x"), 0660)
		tcheck(t, err, "write orphan blob")
		problems, err = Verify(ctxbg, pkglog, s)
		tcheck(t, err, "verify")
		tcompare(t, len(problems), 2)

		// Missing blob.
		err = os.Remove(filepath.Join(blobDir, blobs[0]))
		tcheck(t, err, "remove blob")
		_, err = s.Get(ctxbg, "outgoing", "k1")
		if !errors.Is(err, ErrCodec) {
			t.Fatalf("get with missing blob: got %v, expected ErrCodec", err)
		}

		err = s.Delete(ctxbg, pkglog, "outgoing", "k1")
		tcheck(t, err, "delete")
		blobs, err = s.bodies().listBlobs()
		tcheck(t, err, "list blobs")
		tcompare(t, blobs, []string{filepath.Join("00", "orphan")})
	})
}

func TestOpenConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(ctxbg, pkglog, Options{Backend: "postgres", DataDir: dir})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown backend: got %v, expected ErrConfig", err)
	}
	_, err = Open(ctxbg, pkglog, Options{Backend: "bstore", DataDir: dir, NoSchemaSync: true})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("NoSchemaSync with bstore: got %v, expected ErrConfig", err)
	}
	_, err = Open(ctxbg, pkglog, Options{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("missing data dir: got %v, expected ErrConfig", err)
	}
}

func TestSQLNoSchemaSync(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Backend: "sqlite", DataDir: dir, NoSchemaSync: true}
	_, err := Open(ctxbg, pkglog, opts)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("open without table: got %v, expected ErrConfig", err)
	}

	opts.NoSchemaSync = false
	s, err := Open(ctxbg, pkglog, opts)
	tcheck(t, err, "open with schema sync")
	err = s.Close()
	tcheck(t, err, "close")

	opts.NoSchemaSync = true
	s, err = Open(ctxbg, pkglog, opts)
	tcheck(t, err, "open existing table without schema sync")
	err = s.Close()
	tcheck(t, err, "close")
}
