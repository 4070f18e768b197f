package webadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/spoold/queue"
	"github.com/mjl-/spoold/store"
)

var ctxbg = context.Background()

func tneedErrorCode(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		if x == nil {
			debug.PrintStack()
			t.Fatalf("expected sherpa user error, saw success")
		}
		if err, ok := x.(*sherpa.Error); !ok {
			debug.PrintStack()
			t.Fatalf("expected sherpa error, saw %#v", x)
		} else if err.Code != code {
			debug.PrintStack()
			t.Fatalf("expected sherpa error code %q, saw other sherpa error %#v", code, err)
		}
	}()

	fn()
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func testQueues(t *testing.T) (map[string]*queue.Queue, func()) {
	st, err := store.Open(ctxbg, pkglog, store.Options{DataDir: t.TempDir()})
	tcheck(t, err, "open store")
	sp := queue.New(st, time.Hour)
	queues := map[string]*queue.Queue{
		"incoming": sp.Queue("incoming", queue.Backoff{}),
		"outgoing": sp.Queue("outgoing", queue.Backoff{Error: time.Hour}),
	}
	return queues, func() {
		err := st.Close()
		tcheck(t, err, "close store")
	}
}

func addRecord(t *testing.T, q *queue.Queue, key string, state store.State) {
	t.Helper()
	r := store.Record{
		Key:         key,
		State:       state,
		Sender:      "sender@example.org",
		Recipients:  []string{"rcpt@example.com"},
		Header:      []byte("Subject: test\r\n\r\n"),
		Content:     []byte("hi\r\n"),
		Attributes:  store.Attributes{"origin": store.String("test")},
		LastUpdated: time.Now(),
	}
	if state == store.StateError {
		r.ErrorMessage = "connection refused"
	}
	err := q.Upsert(ctxbg, pkglog, &r)
	tcheck(t, err, "upsert")
}

func TestAdmin(t *testing.T) {
	queues, cleanup := testQueues(t)
	defer cleanup()
	api := Admin{queues}
	out := queues["outgoing"]

	addRecord(t, out, "k1", store.StateError)
	addRecord(t, out, "k2", store.StateIncoming)
	addRecord(t, out, "k3", store.StateError)

	l := api.Queues(ctxbg)
	tcompare(t, l, []QueueSummary{
		{Name: "incoming"},
		{Name: "outgoing", Records: 3, Error: 2},
	})

	tcompare(t, api.QueueKeys(ctxbg, "outgoing"), []string{"k1", "k2", "k3"})
	tcompare(t, api.QueueKeys(ctxbg, "incoming"), []string{})
	tneedErrorCode(t, "user:notFound", func() { api.QueueKeys(ctxbg, "bogus") })

	rl := api.QueueRecords(ctxbg, "outgoing")
	tcompare(t, len(rl), 3)
	for _, rs := range rl {
		tcompare(t, rs.Problem, "")
		tcompare(t, rs.Recipients, []string{"rcpt@example.com"})
	}

	rd := api.QueueRecord(ctxbg, "outgoing", "k1")
	tcompare(t, rd.State, "error")
	tcompare(t, rd.ErrorMessage, "connection refused")
	tcompare(t, rd.Header, "Subject: test\r\n\r\n")
	tcompare(t, rd.Attributes, map[string]string{"origin": `"test"`})
	tneedErrorCode(t, "user:notFound", func() { api.QueueRecord(ctxbg, "outgoing", "bogus") })

	// Only records in state error can be redelivered.
	api.QueueForceRedeliver(ctxbg, "outgoing", "k1")
	r, err := out.Get(ctxbg, "k1")
	tcheck(t, err, "get")
	tcompare(t, r.LastUpdated.Equal(queue.Epoch), true)
	tneedErrorCode(t, "user:error", func() { api.QueueForceRedeliver(ctxbg, "outgoing", "k2") })
	tneedErrorCode(t, "user:notFound", func() { api.QueueForceRedeliver(ctxbg, "outgoing", "bogus") })

	// Locked record cannot be redelivered by an operator.
	if !out.TryLock("k3") {
		t.Fatalf("trylock k3 failed")
	}
	tneedErrorCode(t, "user:error", func() { api.QueueForceRedeliver(ctxbg, "outgoing", "k3") })
	br := api.QueueForceRedeliverAll(ctxbg, "outgoing")
	tcompare(t, br.Count, 1) // k1 again, k2 is skipped.
	tcompare(t, len(br.Errors), 1)
	if !strings.Contains(br.Errors[0], "k3") {
		t.Fatalf("error %q does not mention key k3", br.Errors[0])
	}

	// Dropping skips the locked record, and does not fail for absent keys.
	br = api.QueueDrop(ctxbg, "outgoing", []string{"k1", "k3", "bogus"})
	tcompare(t, br.Count, 2)
	tcompare(t, len(br.Errors), 1)
	out.Unlock("k3")
	tcompare(t, api.QueueKeys(ctxbg, "outgoing"), []string{"k2", "k3"})

	br = api.QueueDrop(ctxbg, "outgoing", []string{"k2", "k3"})
	tcompare(t, br, BatchResult{Count: 2, Errors: []string{}})
	tcompare(t, api.QueueKeys(ctxbg, "outgoing"), []string{})
}

func TestXcheckf(t *testing.T) {
	tneedErrorCode(t, "user:notFound", func() { xcheckf(ctxbg, store.ErrNotFound, "get") })
	tneedErrorCode(t, "user:error", func() { xcheckf(ctxbg, queue.ErrLockConflict, "lock") })
	tneedErrorCode(t, "server:error", func() { xcheckf(ctxbg, errors.New("disk on fire"), "write") })
	xcheckf(ctxbg, nil, "no error")
}

func TestHandler(t *testing.T) {
	queues, cleanup := testQueues(t)
	defer cleanup()
	addRecord(t, queues["incoming"], "k1", store.StateIncoming)

	h, err := NewHandler(queues)
	tcheck(t, err, "new handler")

	call := func(fn string, params ...any) (result json.RawMessage, serr *sherpa.Error) {
		t.Helper()
		if params == nil {
			params = []any{}
		}
		buf, err := json.Marshal(map[string]any{"params": params})
		tcheck(t, err, "marshal params")
		req := httptest.NewRequest("POST", "/api/"+fn, bytes.NewReader(buf))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		tcompare(t, rec.Code, http.StatusOK)
		var resp struct {
			Result json.RawMessage `json:"result"`
			Error  *sherpa.Error   `json:"error"`
		}
		err = json.Unmarshal(rec.Body.Bytes(), &resp)
		tcheck(t, err, "parse response")
		return resp.Result, resp.Error
	}

	result, serr := call("QueueKeys", "incoming")
	if serr != nil {
		t.Fatalf("QueueKeys: %v", serr)
	}
	var keys []string
	err = json.Unmarshal(result, &keys)
	tcheck(t, err, "parse keys")
	tcompare(t, keys, []string{"k1"})

	_, serr = call("QueueForceRedeliver", "incoming", "k1")
	if serr == nil || serr.Code != "user:error" {
		t.Fatalf("got %v, expected user:error for redelivery of incoming record", serr)
	}

	// Documentation is served at the base path.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/_docs", nil))
	tcompare(t, rec.Code, http.StatusOK)
	var doc struct{ Name string }
	err = json.Unmarshal(rec.Body.Bytes(), &doc)
	tcheck(t, err, "parse docs")
	tcompare(t, doc.Name, "Admin")
}
