//go:build !windows

package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/spoolvar"
)

func cmdServe(c *cmd) {
	c.help = `Start spoold, delivering records from the configured queues.

For each queue with workers, records are taken from the spool and handed to the
configured transport. Failed deliveries are retried with backoff. The ctl unix
domain socket in the data directory is used by the other subcommands, such as
"queue list". If configured, HTTP listeners are started for prometheus metrics
and the admin API.

Only implemented on unix systems, not Windows.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Set debug logging until config is fully loaded.
	mlog.Logfmt = true
	spoold.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(spoold.Conf.Log)

	log := c.log
	spoold.MustLoadConfig()
	log.Print("starting spoold",
		slog.String("version", spoolvar.Version),
		slog.Any("pid", os.Getpid()),
		slog.String("config", spoold.ConfigStaticPath))

	syscall.Umask(syscall.Umask(007) | 007)

	err := os.MkdirAll(spoold.DataDirPath("."), 0770)
	if err != nil {
		log.Fatalx("creating data directory", err)
	}

	srv, err := newServer(spoold.Context, log)
	if err != nil {
		log.Fatalx("opening spool", err)
	}
	if err := srv.start(log); err != nil {
		log.Fatalx("start", err)
	}
	log.Print("ready to serve")

	// We always remove the ctl socket before listening, it may be left behind after
	// an unclean shutdown.
	ctlpath := spoold.DataDirPath("ctl")
	_ = os.Remove(ctlpath)
	ctl, err := net.Listen("unix", ctlpath)
	if err != nil {
		log.Fatalx("listen on ctl unix domain socket", err)
	}
	go func() {
		for {
			conn, err := ctl.Accept()
			if err != nil {
				log.Printx("accept for ctl", err)
				continue
			}
			cid := spoold.Cid()
			ctx := context.WithValue(spoold.Context, mlog.CidKey, cid)
			go servectl(ctx, log.WithCid(cid), conn, srv, func() { srv.shutdown(log) })
		}
	}()

	removeStaleTemp(log, spoold.DataDirPath("blobs"))

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for deliveries in progress", slog.Any("signal", sig))
	srv.shutdown(log)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// removeStaleTemp removes temporary blob files older than a week, left behind
// by writes that were interrupted.
func removeStaleTemp(log mlog.Log, dir string) {
	now := time.Now()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if fi, err := d.Info(); err != nil {
			log.Errorx("stat tmp file", err, slog.String("path", p))
		} else if now.Sub(fi.ModTime()) > 7*24*time.Hour {
			if err := os.Remove(p); err != nil {
				log.Errorx("removing stale temporary file", err, slog.String("path", p))
			} else {
				log.Info("removed stale temporary file", slog.String("path", p))
			}
		}
		return nil
	})
	log.Check(err, "looking for stale temporary files")
}
