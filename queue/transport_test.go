package queue

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/spoold/store"
)

func TestHTTPTransport(t *testing.T) {
	var gotBody string
	var gotHeader http.Header
	status := http.StatusOK
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotHeader = r.Header
		w.WriteHeader(status)
	}))
	defer ts.Close()

	tr := HTTPTransport{URL: ts.URL, Timeout: 5 * time.Second}
	r := testRecord("k1")
	r.Recipients = []string{"a@example.com", "b@example.com"}

	err := tr.Deliver(ctxbg, pkglog, r)
	tcheck(t, err, "deliver")
	tcompare(t, gotBody, "Subject: test\r\n\r\nhi\r\n")
	tcompare(t, gotHeader.Get("Spool-Key"), "k1")
	tcompare(t, gotHeader.Get("Spool-Sender"), "sender@example.org")
	tcompare(t, gotHeader.Values("Spool-Recipient"), []string{"a@example.com", "b@example.com"})

	status = http.StatusBadRequest
	err = tr.Deliver(ctxbg, pkglog, r)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("got %v, expected permanent error for 4xx", err)
	}

	// Throttling and timeouts are retried.
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		status = code
		err = tr.Deliver(ctxbg, pkglog, r)
		if err == nil || IsPermanent(err) {
			t.Fatalf("status %d: got %v, expected temporary error", code, err)
		}
	}
}

func TestMaildirTransport(t *testing.T) {
	dir := t.TempDir()
	tr := MaildirTransport{dir}
	r := testRecord("../k1")
	r.Recipients = []string{"A/B@example.com"}

	err := tr.Deliver(ctxbg, pkglog, r)
	tcheck(t, err, "deliver")
	p := filepath.Join(dir, "a_b@example.com", "new", "_._k1.spoold")
	buf, err := os.ReadFile(p)
	tcheck(t, err, "read message")
	tcompare(t, string(buf), "Subject: test\r\n\r\nhi\r\n")

	// Delivering again does not duplicate or fail.
	err = tr.Deliver(ctxbg, pkglog, r)
	tcheck(t, err, "deliver again")
	l, err := os.ReadDir(filepath.Join(dir, "a_b@example.com", "tmp"))
	tcheck(t, err, "read tmp dir")
	tcompare(t, len(l), 0)
}

func TestForwardTransport(t *testing.T) {
	forBackends(t, time.Hour, func(t *testing.T, sp *Spool) {
		target := sp.Queue("local", Backoff{})
		r := testRecord("k1")
		r.State = store.StateError
		r.ErrorMessage = "earlier failure"
		r.Attributes = store.Attributes{AttemptsAttr: store.Int(2), "x": store.String("y")}

		// Key held in the target queue, forward is retried later.
		tcompare(t, target.TryLock("k1"), true)
		err := ForwardTransport{target}.Deliver(ctxbg, pkglog, r)
		if !errors.Is(err, ErrLockConflict) || IsPermanent(err) {
			t.Fatalf("forward to locked key: got %v, expected temporary lock conflict", err)
		}
		_, err = target.Get(ctxbg, "k1")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("record stored while key locked: %v", err)
		}
		target.Unlock("k1")

		err = ForwardTransport{target}.Deliver(ctxbg, pkglog, r)
		tcheck(t, err, "forward")
		tcompare(t, target.Locked("k1"), false)
		nr, err := target.Get(ctxbg, "k1")
		tcheck(t, err, "get forwarded")
		tcompare(t, nr.State, store.StateIncoming)
		tcompare(t, nr.ErrorMessage, "")
		tcompare(t, Attempts(nr), 0)
		tcompare(t, nr.Attributes["x"], store.String("y"))
		tcompare(t, string(nr.Content), "hi\r\n")

		// Forwarding again, e.g. when removing from the source queue failed, keeps the
		// record in the target queue as is.
		nr.State = store.StateError
		nr.ErrorMessage = "target failure"
		err = target.Upsert(ctxbg, pkglog, &nr)
		tcheck(t, err, "update target record")
		err = ForwardTransport{target}.Deliver(ctxbg, pkglog, r)
		tcheck(t, err, "forward again")
		xr, err := target.Get(ctxbg, "k1")
		tcheck(t, err, "get forwarded")
		tcompare(t, xr.State, store.StateError)
		tcompare(t, xr.ErrorMessage, "target failure")
	})
}
