// Package webadmin is the JSON API for administering the spool over HTTP:
// listing queues and records, forcing redelivery and dropping records.
//
// The API is a sherpa API, with documentation at /api/ on the admin listener.
// The admin listener has no authentication, configure it on a loopback or
// otherwise trusted address only.
package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	_ "embed"

	"go.uber.org/multierr"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/spoold/metrics"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/queue"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/spoolvar"
	"github.com/mjl-/spoold/store"
)

var pkglog = mlog.New("webadmin", nil)

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var collector *sherpaprom.Collector

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("spooldadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// Admin exports web API functions for the admin tooling. All its methods are
// exported under /api/.
type Admin struct {
	queues map[string]*queue.Queue
}

// NewHandler returns an HTTP handler serving the admin API for queues.
func NewHandler(queues map[string]*queue.Queue) (http.Handler, error) {
	h, err := sherpa.NewHandler("/api/", spoolvar.Version, Admin{queues}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/api/", h)
	mux.Handle("/", http.RedirectHandler("/api/", http.StatusSeeOther))
	return handler{mux}, nil
}

type handler struct {
	h http.Handler
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, spoold.Cid())
	defer logPanic(ctx)
	h.h.ServeHTTP(w, r.WithContext(ctx))
}

// logPanic can be called with a defer from a goroutine to prevent the entire
// program from being shutdown in case of a panic.
func logPanic(ctx context.Context) {
	x := recover()
	if x == nil {
		return
	}
	pkglog.WithContext(ctx).Error("recover from panic", slog.Any("panic", x))
	debug.PrintStack()
	metrics.PanicInc(metrics.Webadmin)
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	code := "server:error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = "user:notFound"
	case errors.Is(err, queue.ErrLockConflict), errors.Is(err, queue.ErrInvalidStateTransition), errors.Is(err, store.ErrInvalidRecord):
		code = "user:error"
	default:
		pkglog.WithContext(ctx).Errorx(msg, err)
	}
	panic(&sherpa.Error{Code: code, Message: errmsg})
}

func (a Admin) xqueue(name string) *queue.Queue {
	q, ok := a.queues[name]
	if !ok {
		panic(&sherpa.Error{Code: "user:notFound", Message: fmt.Sprintf("no queue %q", name)})
	}
	return q
}

// QueueSummary is the state of a configured queue.
type QueueSummary struct {
	Name    string
	Records int
	Error   int // Records in state error.
	Locked  int // Records being processed.
}

// RecordSummary is a record in a queue, without its message.
type RecordSummary struct {
	Key          string
	State        string
	Sender       string
	Recipients   []string
	RemoteHost   string
	RemoteAddr   string
	LastUpdated  time.Time
	ErrorMessage string
	Size         int64
	Attempts     int
	Locked       bool
	Problem      string // If record cannot be read.
}

// RecordDetails is a record in a queue, with attributes and message header.
type RecordDetails struct {
	RecordSummary
	Attributes map[string]string // Values formatted for display.
	Header     string
}

// BatchResult is the result of an operation on many records.
type BatchResult struct {
	Count  int      // Records the operation succeeded for.
	Errors []string // Per record failures.
}

func batchResult(n int, err error) BatchResult {
	r := BatchResult{Count: n, Errors: []string{}}
	for _, e := range multierr.Errors(err) {
		r.Errors = append(r.Errors, e.Error())
	}
	return r
}

func summary(q *queue.Queue, r store.Record) RecordSummary {
	return RecordSummary{
		Key:          r.Key,
		State:        string(r.State),
		Sender:       r.Sender,
		Recipients:   r.Recipients,
		RemoteHost:   r.RemoteHost,
		RemoteAddr:   r.RemoteAddr,
		LastUpdated:  r.LastUpdated,
		ErrorMessage: r.ErrorMessage,
		Size:         r.Size,
		Attempts:     queue.Attempts(r),
		Locked:       q.Locked(r.Key),
	}
}

// Queues returns the configured queues with their number of records.
func (a Admin) Queues(ctx context.Context) []QueueSummary {
	l := []QueueSummary{}
	for name, q := range a.queues {
		qs := QueueSummary{Name: name}
		err := q.Scan(ctx, func(r store.Record, err error) error {
			qs.Records++
			if err == nil && r.State == store.StateError {
				qs.Error++
			}
			if q.Locked(r.Key) {
				qs.Locked++
			}
			return nil
		})
		xcheckf(ctx, err, "listing records of queue %s", name)
		l = append(l, qs)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Name < l[j].Name
	})
	return l
}

// QueueKeys returns the keys of all records in a queue.
func (a Admin) QueueKeys(ctx context.Context, queueName string) []string {
	q := a.xqueue(queueName)
	keys, err := q.Keys(ctx)
	xcheckf(ctx, err, "listing keys")
	if keys == nil {
		keys = []string{}
	}
	return keys
}

// QueueRecords returns the records in a queue, oldest LastUpdated first.
func (a Admin) QueueRecords(ctx context.Context, queueName string) []RecordSummary {
	q := a.xqueue(queueName)
	l := []RecordSummary{}
	err := q.Scan(ctx, func(r store.Record, err error) error {
		rs := summary(q, r)
		if err != nil {
			rs.Problem = err.Error()
		}
		l = append(l, rs)
		return nil
	})
	xcheckf(ctx, err, "listing records")
	return l
}

// QueueRecord returns a single record.
func (a Admin) QueueRecord(ctx context.Context, queueName, key string) RecordDetails {
	q := a.xqueue(queueName)
	r, err := q.Get(ctx, key)
	xcheckf(ctx, err, "get record")
	rd := RecordDetails{
		RecordSummary: summary(q, r),
		Attributes:    map[string]string{},
		Header:        string(r.Header),
	}
	for k, v := range r.Attributes {
		rd.Attributes[k] = v.String()
	}
	return rd
}

// QueueForceRedeliver makes a record in state error eligible for delivery
// immediately.
func (a Admin) QueueForceRedeliver(ctx context.Context, queueName, key string) {
	q := a.xqueue(queueName)
	log := pkglog.WithContext(ctx)
	err := q.ForceRedeliver(ctx, log, key)
	xcheckf(ctx, err, "forcing redelivery")
}

// QueueForceRedeliverAll forces redelivery of all records in state error.
func (a Admin) QueueForceRedeliverAll(ctx context.Context, queueName string) BatchResult {
	q := a.xqueue(queueName)
	log := pkglog.WithContext(ctx)
	return batchResult(q.ForceRedeliverAll(ctx, log))
}

// QueueDrop removes records from a queue. Records being processed are not
// removed.
func (a Admin) QueueDrop(ctx context.Context, queueName string, keys []string) BatchResult {
	q := a.xqueue(queueName)
	log := pkglog.WithContext(ctx)
	return batchResult(q.DropKeys(ctx, log, keys))
}
