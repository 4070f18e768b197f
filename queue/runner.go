package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/spoold/metrics"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
)

var metricDelivery = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "spoold_queue_delivery_duration_seconds",
		Help:    "Delivery attempts of records by transports.",
		Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
	},
	[]string{
		"queue",
		"transport", // maildir, forward, http
		"result",    // ok, error, permerror, canceled, panic
	},
)

// Transport delivers a record. It must not modify the record.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, log mlog.Log, r store.Record) error
}

// PermanentError is a delivery failure that will not be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return "permanent failure: " + e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as permanent failure, the record will be removed without
// retrying.
func Permanent(err error) error {
	return PermanentError{err}
}

// IsPermanent returns whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var perr PermanentError
	return errors.As(err, &perr)
}

// Runner delivers records from a queue with a transport, using a number of
// workers. Records whose delivery fails are retried after a backoff, until
// MaxAttempts, after which they are removed from the queue.
type Runner struct {
	Queue       *Queue
	Transport   Transport
	Workers     int
	MaxAttempts int // Zero means no limit.
	Log         mlog.Log
}

// Run starts the workers and waits until they stop. Workers stop accepting new
// records when ctx is canceled. Deliveries in progress use deliverCtx, so they
// can be given time to finish.
func (rn *Runner) Run(ctx, deliverCtx context.Context) error {
	if rn.Workers <= 0 {
		return fmt.Errorf("no workers")
	}
	log := rn.Log.With(slog.String("queue", rn.Queue.Name), slog.String("transport", rn.Transport.Name()))
	log.Info("starting delivery", slog.Int("workers", rn.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rn.Workers; i++ {
		g.Go(func() error {
			return rn.work(gctx, deliverCtx, log)
		})
	}
	err := g.Wait()
	log.Info("delivery stopped")
	return err
}

func (rn *Runner) work(ctx, deliverCtx context.Context, log mlog.Log) error {
	for {
		r, err := rn.Queue.Accept(ctx, log, nil, 0)
		if errors.Is(err, ErrCanceled) {
			return nil
		} else if err != nil {
			log.Errorx("accepting record", err)
			if spoold.Sleep(ctx, time.Second) {
				return nil
			}
			continue
		} else if r == nil {
			continue
		}
		rn.deliver(deliverCtx, log.WithCid(spoold.Cid()), r)
	}
}

// deliver attempts delivery of a locked record, and deletes or updates and
// unlocks it.
func (rn *Runner) deliver(ctx context.Context, log mlog.Log, r *store.Record) {
	attempts := Attempts(*r) + 1
	log = log.With(slog.String("key", r.Key), slog.Int("attempt", attempts))

	// Bookkeeping must be done even if delivery was canceled.
	bctx := context.WithoutCancel(ctx)

	start := time.Now()
	result := "panic"
	defer func() {
		metricDelivery.WithLabelValues(rn.Queue.Name, rn.Transport.Name(), result).Observe(float64(time.Since(start)) / float64(time.Second))

		x := recover()
		if x == nil {
			return
		}
		log.Error("deliver panic", slog.Any("panic", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Queue)
		err := rn.Queue.Fail(bctx, log, r, fmt.Errorf("internal error during delivery"))
		log.Check(err, "storing failed delivery after panic")
	}()

	log.Debug("delivering record", slog.Any("recipients", r.Recipients))
	err := rn.Transport.Deliver(ctx, log, *r)
	switch {
	case err == nil:
		result = "ok"
		log.Info("delivered")
		err := rn.Queue.Done(bctx, log, r)
		log.Check(err, "removing delivered record, it may be delivered again")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutting down, the record keeps its state and is delivered after a restart.
		result = "canceled"
		log.Infox("delivery canceled, record kept for next start", err)
		rn.Queue.Unlock(r.Key)
	case IsPermanent(err) || rn.MaxAttempts > 0 && attempts >= rn.MaxAttempts:
		result = "permerror"
		if !IsPermanent(err) {
			result = "error"
		}
		log.Errorx("delivery failed, giving up and removing record", err, slog.Int("maxattempts", rn.MaxAttempts))
		err := rn.Queue.Done(bctx, log, r)
		log.Check(err, "removing undeliverable record")
	default:
		result = "error"
		ferr := rn.Queue.Fail(bctx, log, r, err)
		log.Infox("delivery failed, will retry", err, slog.Duration("backoff", rn.Queue.Backoff.Delay(*r)))
		log.Check(ferr, "storing failed delivery attempt")
	}
}
