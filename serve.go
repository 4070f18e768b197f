package main

import (
	"context"
	"errors"
	"fmt"
	golog "log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/spoold/config"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/queue"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
	"github.com/mjl-/spoold/webadmin"
)

// server is the state of a running spoold: the store, a queue for each
// configured partition, and the delivery runners and HTTP servers started for
// them.
type server struct {
	store   store.Store
	spool   *queue.Spool
	queues  map[string]*queue.Queue
	runners []*queue.Runner

	eg          errgroup.Group // Runners.
	httpServers []*http.Server

	// Runners stop taking records when shutdownCtx is canceled, deliveries in
	// progress are aborted when deliverCtx is canceled.
	shutdownCtx    context.Context
	shutdownCancel func()
	deliverCtx     context.Context
	deliverCancel  func()
}

// openStore opens the store as configured.
func openStore(ctx context.Context, log mlog.Log) (store.Store, error) {
	c := spoold.Conf.Static.Store
	return store.Open(ctx, log, store.Options{
		Backend:          c.Backend,
		Path:             c.SQLiteFile,
		DataDir:          spoold.DataDirPath("."),
		MaxInlineContent: c.MaxInlineContent,
		NoSchemaSync:     c.NoSchemaSync,
	})
}

// newServer opens the store and prepares queues and runners from the active
// configuration. Nothing is started yet.
func newServer(ctx context.Context, log mlog.Log) (*server, error) {
	st, err := openStore(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	static := spoold.Conf.Static
	s := &server{
		store:  st,
		spool:  queue.New(st, static.RescanInterval),
		queues: map[string]*queue.Queue{},

		shutdownCtx:    spoold.Shutdown,
		shutdownCancel: spoold.ShutdownCancel,
		deliverCtx:     spoold.Context,
		deliverCancel:  spoold.ContextCancel,
	}
	names := spoold.Conf.QueueNames()
	for _, name := range names {
		b := static.Queues[name].Backoff
		s.queues[name] = s.spool.Queue(name, queue.Backoff{
			Incoming:    b.Incoming,
			Error:       b.Error,
			Max:         b.Max,
			Exponential: b.Exponential,
		})
	}
	for _, name := range names {
		qc := static.Queues[name]
		if qc.Workers < 0 {
			continue
		}
		tr, err := s.transport(qc.Transport)
		if err != nil {
			xerr := st.Close()
			log.Check(xerr, "closing store after error")
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		s.runners = append(s.runners, &queue.Runner{
			Queue:       s.queues[name],
			Transport:   tr,
			Workers:     qc.Workers,
			MaxAttempts: qc.MaxAttempts,
			Log:         mlog.New("queue", nil),
		})
	}
	return s, nil
}

func (s *server) transport(t config.Transport) (queue.Transport, error) {
	switch {
	case t.Maildir != nil:
		return queue.MaildirTransport{Dir: spoold.DataDirPath(t.Maildir.Dir)}, nil
	case t.Forward != nil:
		q, ok := s.queues[t.Forward.Queue]
		if !ok {
			return nil, fmt.Errorf("%w: forward to unknown queue %q", spoold.ErrConfig, t.Forward.Queue)
		}
		return queue.ForwardTransport{Target: q}, nil
	case t.HTTP != nil:
		return queue.HTTPTransport{URL: t.HTTP.URL, Timeout: t.HTTP.Timeout}, nil
	}
	return nil, fmt.Errorf("%w: no transport configured", spoold.ErrConfig)
}

// start starts the delivery runners and the HTTP listeners for metrics and the
// admin API.
func (s *server) start(log mlog.Log) error {
	static := spoold.Conf.Static
	if static.MetricsHTTP != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := s.listenHTTP(log, "metrics", static.MetricsHTTP.Address, mux); err != nil {
			return err
		}
	}
	if static.AdminHTTP != nil {
		h, err := webadmin.NewHandler(s.queues)
		if err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
		if err := s.listenHTTP(log, "admin", static.AdminHTTP.Address, h); err != nil {
			return err
		}
	}

	for _, rn := range s.runners {
		rn := rn
		log.Info("starting delivery", slog.String("queue", rn.Queue.Name), slog.String("transport", rn.Transport.Name()), slog.Int("workers", rn.Workers))
		s.eg.Go(func() error {
			return rn.Run(s.shutdownCtx, s.deliverCtx)
		})
	}
	return nil
}

func (s *server) listenHTTP(log mlog.Log, name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for %s http: %w", name, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log.With(slog.String("name", name)), slog.LevelInfo, "http server error"), "", 0),
	}
	s.httpServers = append(s.httpServers, srv)
	log.Print("listening for http", slog.String("name", name), slog.String("address", ln.Addr().String()))
	go func() {
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving http", err, slog.String("name", name))
		}
	}()
	return nil
}

// shutdown stops accepting records for delivery, and gives deliveries in
// progress 3 seconds to finish before canceling them. Then the HTTP servers and
// the store are closed.
func (s *server) shutdown(log mlog.Log) {
	s.shutdownCancel()

	done := make(chan error, 1)
	go func() {
		done <- s.eg.Wait()
	}()
	var err error
	select {
	case err = <-done:
		log.Print("deliveries finished")
	case <-time.After(3 * time.Second):
		s.deliverCancel()
		select {
		case err = <-done:
			log.Print("deliveries canceled")
		case <-time.After(time.Second):
			log.Print("shutting down with deliveries in progress")
		}
	}
	log.Check(err, "delivery runner")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, srv := range s.httpServers {
		err := srv.Shutdown(ctx)
		log.Check(err, "shutting down http server")
	}

	err = s.store.Close()
	log.Check(err, "closing store")

	err = os.Remove(spoold.DataDirPath("ctl"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorx("removing ctl unix domain socket during shutdown", err)
	}
}
