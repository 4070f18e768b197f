package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/queue"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
)

var ctxbg = context.Background()
var pkglog = mlog.New("ctl", nil)

func tcheck(t *testing.T, err error, errmsg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %v", errmsg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

// Both queues without workers, records stay where ctl commands put them.
const ctlConfig = `DataDir: data
LogLevel: debug
Store:
	Backend: bstore
	MaxInlineContent: -1
Queues:
	incoming:
		Workers: -1
		Transport:
			Forward:
				Queue: local
	local:
		Workers: -1
		Transport:
			Maildir:
				Dir: maildir
`

// loadTestConfig writes config to a new directory and loads it.
func loadTestConfig(t *testing.T, config string) {
	t.Helper()
	dir := t.TempDir()
	spoold.ConfigStaticPath = filepath.Join(dir, "spoold.conf")
	err := os.WriteFile(spoold.ConfigStaticPath, []byte(config), 0660)
	tcheck(t, err, "write config")
	if errs := spoold.LoadConfig(ctxbg, pkglog); len(errs) > 0 {
		t.Fatalf("loading config: %v", errs)
	}
	err = os.MkdirAll(spoold.DataDirPath("."), 0770)
	tcheck(t, err, "mkdir data dir")
}

// TestCtl executes commands through ctl. This tests at least the protocols (who
// sends when/what). Errors on the client side would cause a log.Fatal.
func TestCtl(t *testing.T) {
	loadTestConfig(t, ctlConfig)
	srv, err := newServer(ctxbg, pkglog)
	tcheck(t, err, "new server")
	closed := false
	defer func() {
		if !closed {
			err := srv.store.Close()
			tcheck(t, err, "close store")
		}
	}()

	var stop = struct{}{}
	testctl := func(fn func(clientctl *ctl)) {
		t.Helper()

		cconn, sconn := net.Pipe()
		clientctl := ctl{conn: cconn, log: pkglog}
		serverctl := ctl{conn: sconn, log: pkglog, x: stop}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				x := recover()
				if x != nil && x != stop {
					panic(x)
				}
			}()
			servectlcmd(ctxbg, &serverctl, srv, func() {})
		}()
		fn(&clientctl)
		cconn.Close()
		<-done
		sconn.Close()
	}

	// Commands that must fail. The error message is sent instead of "ok".
	testctlerror := func(expErr string, lines ...string) {
		t.Helper()
		testctl(func(ctl *ctl) {
			for _, l := range lines {
				ctl.xwrite(l)
			}
			line := ctl.xread()
			if !strings.Contains(line, expErr) {
				t.Fatalf("got response %q, expected error containing %q", line, expErr)
			}
		})
	}

	testctl(func(ctl *ctl) {
		ctlcmdLoglevels(ctl)
	})
	testctl(func(ctl *ctl) {
		ctlcmdSetLoglevels(ctl, "queue", "trace")
	})
	tcompare(t, spoold.Conf.LogLevels()["queue"], mlog.LevelTrace)
	testctl(func(ctl *ctl) {
		ctlcmdSetLoglevels(ctl, "queue", "")
	})
	_, ok := spoold.Conf.LogLevels()["queue"]
	tcompare(t, ok, false)
	testctlerror("bad level", "setloglevels", "queue", "bogus")

	// Add a message, with bare newlines.
	msg := "Subject: test\n\nhi\n"
	add := ctlQueueAdd{Key: "k1", Sender: "Sender@Example.org", Recipients: []string{"rcpt@example.com"}, Attributes: map[string]string{"origin": "ctl"}}
	testctl(func(ctl *ctl) {
		key := ctlcmdQueueAdd(ctl, "incoming", add, strings.NewReader(msg))
		tcompare(t, key, "k1")
	})
	in := srv.queues["incoming"]
	r, err := in.Get(ctxbg, "k1")
	tcheck(t, err, "get added record")
	tcompare(t, r.State, store.StateIncoming)
	tcompare(t, r.Sender, "Sender@example.org")
	tcompare(t, string(r.Header), "Subject: test\r\n\r\n")
	tcompare(t, string(r.Content), "hi\r\n")
	tcompare(t, r.Attributes["origin"], store.String("ctl"))

	// Same key again fails.
	testctl(func(ctl *ctl) {
		ctl.xwrite("queueadd")
		ctl.xwrite("incoming")
		ctl.xwriteJSON(add)
		ctl.xreadok()
		ctl.xstreamfrom(strings.NewReader(msg))
		line := ctl.xread()
		if !strings.Contains(line, "already exists") {
			t.Fatalf("got %q, expected error for existing key", line)
		}
	})

	// New key.
	var key2 string
	testctl(func(ctl *ctl) {
		key2 = ctlcmdQueueAdd(ctl, "incoming", ctlQueueAdd{Recipients: []string{"other@example.com"}}, strings.NewReader(msg))
	})
	if key2 == "" || key2 == "k1" {
		t.Fatalf("bad generated key %q", key2)
	}

	// Invalid recipient.
	testctl(func(ctl *ctl) {
		ctl.xwrite("queueadd")
		ctl.xwrite("incoming")
		ctl.xwriteJSON(ctlQueueAdd{Recipients: []string{"bogus"}})
		ctl.xreadok()
		ctl.xstreamfrom(strings.NewReader(msg))
		line := ctl.xread()
		if !strings.Contains(line, "invalid record") {
			t.Fatalf("got %q, expected invalid record error", line)
		}
	})

	testctl(func(ctl *ctl) {
		ctlcmdQueueList(ctl, "")
	})
	testctl(func(ctl *ctl) {
		ctlcmdQueueList(ctl, "incoming")
	})
	testctl(func(ctl *ctl) {
		ctlcmdQueueShow(ctl, "incoming", "k1")
	})
	testctl(func(ctl *ctl) {
		ctl.xwrite("queuedump")
		ctl.xwrite("incoming")
		ctl.xwrite("k1")
		ctl.xreadok()
		var b strings.Builder
		ctl.xstreamto(&b)
		tcompare(t, b.String(), "Subject: test\r\n\r\nhi\r\n")
	})
	testctlerror("unknown queue", "queuelist", "bogus")
	testctlerror("unknown queue", "queuedump", "bogus")
	testctlerror("not found", "queuedump", "incoming", "bogus")

	// Only failed records can be kicked.
	testctlerror("invalid state transition", "queuekick", "incoming", "k1")
	if !in.TryLock("k1") {
		t.Fatalf("lock k1")
	}
	err = in.Fail(ctxbg, pkglog, &r, errors.New("connection refused"))
	tcheck(t, err, "fail record")
	testctl(func(ctl *ctl) {
		ctlcmdQueueKick(ctl, "incoming", "k1")
	})
	r, err = in.Get(ctxbg, "k1")
	tcheck(t, err, "get")
	tcompare(t, r.LastUpdated.Equal(queue.Epoch), true)
	tcompare(t, queue.Attempts(r), 1)

	// Records not in state error are skipped.
	testctl(func(ctl *ctl) {
		count, errs := ctlcmdQueueBatch(ctl, "queuekickall", "incoming", nil)
		tcompare(t, count, "1")
		tcompare(t, errs, "")
	})

	// Locked records are reported per record.
	if !in.TryLock(key2) {
		t.Fatalf("lock key2")
	}
	testctl(func(ctl *ctl) {
		count, errs := ctlcmdQueueBatch(ctl, "queuedrop", "incoming", []string{"k1", key2})
		tcompare(t, count, "1")
		if !strings.Contains(errs, key2) || strings.Count(errs, "\n") != 1 {
			t.Fatalf("unexpected errors %q", errs)
		}
	})
	in.Unlock(key2)
	testctl(func(ctl *ctl) {
		count, errs := ctlcmdQueueBatch(ctl, "queuedropall", "incoming", nil)
		tcompare(t, count, "1")
		tcompare(t, errs, "")
	})
	keys, err := in.Keys(ctxbg)
	tcheck(t, err, "keys")
	tcompare(t, len(keys), 0)

	testctlerror("unrecognized command", "bogus")

	// Leave a record with an external message for verifydata, then damage it.
	testctl(func(ctl *ctl) {
		ctlcmdQueueAdd(ctl, "local", ctlQueueAdd{Key: "k2", Recipients: []string{"rcpt@example.com"}}, strings.NewReader(msg))
	})
	backupDir := filepath.Join(t.TempDir(), "backup")
	testctl(func(ctl *ctl) {
		ctlcmdBackup(ctl, backupDir)
	})
	testctlerror("must be absolute", "backup", "relative/dir")
	err = srv.store.Close()
	tcheck(t, err, "close store")
	closed = true

	problems, err := verifydata(ctxbg, pkglog)
	tcheck(t, err, "verifydata")
	tcompare(t, len(problems), 0)

	dataDir := spoold.Conf.Static.DataDir
	spoold.Conf.Static.DataDir = backupDir
	problems, err = verifydata(ctxbg, pkglog)
	spoold.Conf.Static.DataDir = dataDir
	tcheck(t, err, "verifydata of backup")
	tcompare(t, len(problems), 0)

	var blobs []string
	err = filepath.WalkDir(spoold.DataDirPath("blobs"), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			blobs = append(blobs, p)
		}
		return err
	})
	tcheck(t, err, "listing blobs")
	tcompare(t, len(blobs), 1)
	err = os.WriteFile(blobs[0], []byte("changed"), 0660)
	tcheck(t, err, "modify blob")
	problems, err = verifydata(ctxbg, pkglog)
	tcheck(t, err, "verifydata")
	tcompare(t, len(problems), 1)
}

func TestServe(t *testing.T) {
	loadTestConfig(t, `DataDir: data
LogLevel: debug
RescanInterval: 50ms
Store:
	Backend: sqlite
Queues:
	incoming:
		Workers: 2
		Transport:
			Forward:
				Queue: local
	local:
		Workers: 1
		Transport:
			Maildir:
				Dir: maildir
`)
	srv, err := newServer(ctxbg, pkglog)
	tcheck(t, err, "new server")
	tcompare(t, len(srv.runners), 2)
	srv.shutdownCtx, srv.shutdownCancel = context.WithCancel(ctxbg)
	srv.deliverCtx, srv.deliverCancel = context.WithCancel(ctxbg)
	err = srv.start(pkglog)
	tcheck(t, err, "start")

	r := store.Record{
		Key:        "msg1",
		State:      store.StateIncoming,
		Recipients: []string{"rcpt@example.com"},
		Header:     []byte("Subject: test\r\n\r\n"),
		Content:    []byte("hi\r\n"),
	}
	err = srv.queues["incoming"].Upsert(ctxbg, pkglog, &r)
	tcheck(t, err, "upsert")

	p := spoold.DataDirPath(filepath.Join("maildir", "rcpt@example.com", "new", "msg1.spoold"))
	for i := 0; ; i++ {
		if _, err := os.Stat(p); err == nil {
			break
		} else if i == 500 {
			t.Fatalf("message not delivered to maildir: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.shutdown(pkglog)
	select {
	case <-srv.shutdownCtx.Done():
	default:
		t.Fatalf("shutdown context not canceled")
	}
}
