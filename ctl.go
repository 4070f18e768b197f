package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/mjl-/spoold/message"
	"github.com/mjl-/spoold/metrics"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/queue"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
)

// ctl is a connection to the ctl unix domain socket of a running spoold. The
// client side handles errors with log.Fatal. The server side sets x, and
// handles errors by writing them to the connection and panicking with x.
type ctl struct {
	cmd  string // Server-side, command being executed.
	conn net.Conn
	r    *bufio.Reader
	x    any
	log  mlog.Log
}

// xctl connects to the ctl socket of the running spoold.
func xctl() *ctl {
	p := spoold.DataDirPath("ctl")
	conn, err := net.Dial("unix", p)
	if err != nil {
		log.Fatalf("connecting to control socket at %q: %v (hint: is spoold serve running?)", p, err)
	}
	ctl := &ctl{conn: conn}
	if version := ctl.xread(); version != "ctlv0" {
		log.Fatalf("ctl protocol mismatch, got %q, expected ctlv0", version)
	}
	return ctl
}

// xfail handles an error. On the server side, msg is first written to the
// client, which interprets it as error response.
func (c *ctl) xfail(msg string, err error) {
	if c.x == nil {
		if err != nil {
			log.Fatalf("%s: %s", msg, err)
		}
		log.Fatalln(msg)
	}
	c.log.Debugx(msg, err, slog.String("cmd", c.cmd))
	if err != nil {
		msg += ": " + err.Error()
	}
	fmt.Fprintln(c.conn, msg)
	panic(c.x)
}

func (c *ctl) xerror(msg string) {
	c.xfail(msg, nil)
}

func (c *ctl) xcheck(err error, msg string) {
	if err != nil {
		c.xfail(msg, err)
	}
}

func (c *ctl) bufReader() *bufio.Reader {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	return c.r
}

// xread reads a line, without trailing newline.
func (c *ctl) xread() string {
	line, err := c.bufReader().ReadString('\n')
	if err != nil && c.x != nil {
		// Connection is gone, no point in writing an error.
		c.log.Debugx("read from ctl", err, slog.String("cmd", c.cmd))
		panic(c.x)
	}
	c.xcheck(err, "read from ctl")
	return strings.TrimSuffix(line, "\n")
}

// xreadok reads a line that must be "ok", anything else is an error message.
func (c *ctl) xreadok() {
	if line := c.xread(); line != "ok" {
		c.xerror(line)
	}
}

func (c *ctl) xwrite(text string) {
	_, err := fmt.Fprintln(c.conn, text)
	c.xcheck(err, "write")
}

func (c *ctl) xwriteok() {
	c.xwrite("ok")
}

func (c *ctl) xwriteJSON(v any) {
	buf, err := json.Marshal(v)
	c.xcheck(err, "marshal as json")
	c.xwrite(string(buf))
}

func (c *ctl) xreadJSON(v any) {
	dec := json.NewDecoder(strings.NewReader(c.xread()))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	c.xcheck(err, "parsing from ctl as json")
}

func (c *ctl) xstreamto(dst io.Writer) {
	_, err := io.Copy(dst, c.reader())
	c.xcheck(err, "reading stream")
}

func (c *ctl) xstreamfrom(src io.Reader) {
	w := c.writer()
	_, err := io.Copy(w, src)
	c.xcheck(err, "copying")
	w.xclose()
}

func (c *ctl) writer() *ctlwriter {
	return &ctlwriter{c}
}

func (c *ctl) reader() *ctlreader {
	return &ctlreader{ctl: c}
}

/*
A data stream on the ctl connection is a sequence of chunks. Each chunk is
acknowledged by the reader:

	> "123" (size of chunk) or an error message
	> data, 123 bytes
	< "ok" or an error message

The stream ends with an empty chunk:

	> "0"
*/

type ctlwriter struct {
	*ctl
}

// Write implements io.Writer. Errors are handled as for ctl, not returned.
func (w *ctlwriter) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	_, err := fmt.Fprintf(w.conn, "%d\n", len(buf))
	w.xcheck(err, "write count")
	_, err = w.conn.Write(buf)
	w.xcheck(err, "write data")
	w.xreadok()
	return len(buf), nil
}

func (w *ctlwriter) xclose() {
	_, err := fmt.Fprintf(w.conn, "0\n")
	w.xcheck(err, "write eof")
}

type ctlreader struct {
	*ctl
	err      error // Returned for each read once set, typically io.EOF.
	npending int   // Bytes left in current chunk.
}

// Read implements io.Reader. Errors other than io.EOF are handled as for ctl.
func (r *ctlreader) Read(buf []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	br := r.bufReader()
	if r.npending == 0 {
		line, err := br.ReadString('\n')
		r.xcheck(err, "reading count")
		line = strings.TrimSuffix(line, "\n")
		n, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			r.xerror(line)
		}
		if n == 0 {
			r.err = io.EOF
			return 0, r.err
		}
		r.npending = int(n)
	}
	n, err := br.Read(buf[:min(len(buf), r.npending)])
	r.xcheck(err, "read from ctl")
	r.npending -= n
	if r.npending == 0 {
		r.xwriteok()
	}
	return n, nil
}

// servectl handles requests on the unix domain socket "ctl", from the spoold
// subcommands talking to a running spoold.
func servectl(ctx context.Context, log mlog.Log, conn net.Conn, srv *server, shutdown func()) {
	log.Debug("ctl connection")

	var stop = struct{}{} // Sentinel value for panic and recover.
	xctl := &ctl{conn: conn, x: stop, log: log}
	defer func() {
		x := recover()
		if x == nil || x == stop {
			return
		}
		log.Error("servectl panic", slog.Any("err", x), slog.String("cmd", xctl.cmd))
		debug.PrintStack()
		metrics.PanicInc(metrics.Ctl)
	}()

	defer func() {
		err := conn.Close()
		log.Check(err, "close ctl connection")
	}()

	xctl.xwrite("ctlv0")
	for {
		servectlcmd(ctx, xctl, srv, shutdown)
	}
}

// ctlqueue reads a queue name and returns the queue.
func ctlqueue(xctl *ctl, srv *server) *queue.Queue {
	name := xctl.xread()
	q, ok := srv.queues[name]
	if !ok {
		xctl.xerror(fmt.Sprintf("unknown queue %q", name))
	}
	return q
}

// Errors from a batch operation, one per line.
func ctlbatcherrors(err error) string {
	var s string
	for _, e := range multierr.Errors(err) {
		s += e.Error() + "\n"
	}
	return s
}

func servectlcmd(ctx context.Context, xctl *ctl, srv *server, shutdown func()) {
	log := xctl.log
	cmd := xctl.xread()
	xctl.cmd = cmd
	log.Info("ctl command", slog.String("cmd", cmd))
	switch cmd {
	case "stop":
		shutdown()
		os.Exit(0)

	case "loglevels":
		/* protocol:
		> "loglevels"
		< "ok"
		< stream
		*/
		xctl.xwriteok()
		l := spoold.Conf.LogLevels()
		keys := []string{}
		for k := range l {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		s := ""
		for _, k := range keys {
			ks := k
			if ks == "" {
				ks = "(default)"
			}
			s += ks + ": " + mlog.LevelStrings[l[k]] + "\n"
		}
		xctl.xstreamfrom(strings.NewReader(s))

	case "setloglevels":
		/* protocol:
		> "setloglevels"
		> pkg
		> level (if empty, log level for pkg will be unset)
		< "ok" or error
		*/
		pkg := xctl.xread()
		levelstr := xctl.xread()
		if levelstr == "" {
			spoold.Conf.LogLevelRemove(log, pkg)
		} else {
			level, ok := mlog.Levels[levelstr]
			if !ok {
				xctl.xerror("bad level")
			}
			spoold.Conf.LogLevelSet(log, pkg, level)
		}
		xctl.xwriteok()

	case "queuelist":
		/* protocol:
		> "queuelist"
		> queue name, empty for all queues
		< "ok" or error
		< stream
		*/
		name := xctl.xread()
		names := []string{name}
		if name == "" {
			names = spoold.Conf.QueueNames()
		} else if _, ok := srv.queues[name]; !ok {
			xctl.xerror(fmt.Sprintf("unknown queue %q", name))
		}
		xctl.xwriteok()

		xw := xctl.writer()
		for _, name := range names {
			q := srv.queues[name]
			fmt.Fprintf(xw, "%s:\n", name)
			n := 0
			err := q.Scan(ctx, func(r store.Record, err error) error {
				n++
				if err != nil {
					fmt.Fprintf(xw, "  %s (%s)\n", r.Key, err)
					return nil
				}
				var locked string
				if q.Locked(r.Key) {
					locked = " locked"
				}
				fmt.Fprintf(xw, "  %s %s%s updated %s attempts %d size %d from:%s to:%s", r.Key, r.State, locked, r.LastUpdated.Format(time.RFC3339), queue.Attempts(r), r.Size, r.Sender, strings.Join(r.Recipients, ","))
				if r.ErrorMessage != "" {
					fmt.Fprintf(xw, " error %q", r.ErrorMessage)
				}
				fmt.Fprintln(xw)
				return nil
			})
			if err != nil {
				fmt.Fprintf(xw, "  error listing queue: %s\n", err)
			} else if n == 0 {
				fmt.Fprint(xw, "  (none)\n")
			}
		}
		xw.xclose()

	case "queuedump":
		/* protocol:
		> "queuedump"
		> queue name
		> key
		< "ok" or error
		< stream
		*/
		q := ctlqueue(xctl, srv)
		key := xctl.xread()
		r, err := q.Get(ctx, key)
		xctl.xcheck(err, "get record")
		xctl.xwriteok()
		xctl.xstreamfrom(io.MultiReader(bytes.NewReader(r.Header), bytes.NewReader(r.Content)))

	case "queueshow":
		/* protocol:
		> "queueshow"
		> queue name
		> key
		< "ok" or error
		< stream
		*/
		q := ctlqueue(xctl, srv)
		key := xctl.xread()
		r, err := q.Get(ctx, key)
		xctl.xcheck(err, "get record")
		xctl.xwriteok()
		xw := xctl.writer()
		fmt.Fprintf(xw, "key: %s\nstate: %s\nlocked: %v\nsender: %s\nrecipients: %s\nremote: %s %s\nupdated: %s\nattempts: %d\nsize: %d\n", r.Key, r.State, q.Locked(r.Key), r.Sender, strings.Join(r.Recipients, ", "), r.RemoteHost, r.RemoteAddr, r.LastUpdated.Format(time.RFC3339), queue.Attempts(r), r.Size)
		if r.ErrorMessage != "" {
			fmt.Fprintf(xw, "error: %s\n", r.ErrorMessage)
		}
		fmt.Fprintf(xw, "attributes: %s\n", r.Attributes)
		xw.xclose()

	case "queuekick":
		/* protocol:
		> "queuekick"
		> queue name
		> key
		< "ok" or error
		*/
		q := ctlqueue(xctl, srv)
		key := xctl.xread()
		err := q.ForceRedeliver(ctx, log, key)
		xctl.xcheck(err, "forcing redelivery")
		xctl.xwriteok()

	case "queuekickall", "queuedropall", "queuedrop":
		/* protocol:
		> "queuekickall" or "queuedropall" or "queuedrop"
		> queue name
		> keys as json, only for "queuedrop"
		< "ok" or error
		< count
		< stream with errors for individual records
		*/
		q := ctlqueue(xctl, srv)
		var n int
		var err error
		switch cmd {
		case "queuekickall":
			n, err = q.ForceRedeliverAll(ctx, log)
		case "queuedropall":
			n, err = q.DropAll(ctx, log)
		default:
			var keys []string
			xctl.xreadJSON(&keys)
			n, err = q.DropKeys(ctx, log, keys)
		}
		xctl.xwriteok()
		xctl.xwrite(fmt.Sprintf("%d", n))
		xctl.xstreamfrom(strings.NewReader(ctlbatcherrors(err)))

	case "queueadd":
		/* protocol:
		> "queueadd"
		> queue name
		> record as json: key (empty for new key), sender, recipients, attributes
		< "ok" or error
		> stream with message
		< "ok" or error
		< key
		*/
		q := ctlqueue(xctl, srv)
		var add ctlQueueAdd
		xctl.xreadJSON(&add)
		xctl.xwriteok()

		var msg bytes.Buffer
		_, err := io.Copy(message.NewWriter(&msg), xctl.reader())
		xctl.xcheck(err, "reading message")
		header, content := message.SplitHeader(msg.Bytes())

		r := store.Record{
			Key:         add.Key,
			State:       store.StateIncoming,
			Sender:      add.Sender,
			Recipients:  add.Recipients,
			RemoteHost:  "localhost",
			LastUpdated: time.Now(),
			Header:      header,
			Content:     content,
			Attributes:  store.Attributes{},
		}
		if r.Key == "" {
			r.Key = queue.NewKey()
		}
		for k, v := range add.Attributes {
			r.Attributes[k] = store.String(v)
		}
		if !q.TryLock(r.Key) {
			xctl.xcheck(fmt.Errorf("%w: %s", queue.ErrLockConflict, r.Key), "adding record")
		}
		_, err = q.Get(ctx, r.Key)
		if err == nil {
			q.Unlock(r.Key)
			xctl.xerror(fmt.Sprintf("record with key %q already exists", r.Key))
		} else if !errors.Is(err, store.ErrNotFound) {
			q.Unlock(r.Key)
			xctl.xcheck(err, "checking for existing record")
		}
		err = q.Upsert(ctx, log, &r)
		q.Unlock(r.Key)
		xctl.xcheck(err, "adding record")
		xctl.xwriteok()
		xctl.xwrite(r.Key)

	case "backup":
		/* protocol:
		> "backup"
		> destination directory, absolute
		< "ok" or error
		*/
		dir := xctl.xread()
		if !filepath.IsAbs(dir) {
			xctl.xerror("backup directory must be absolute")
		}
		err := store.Backup(ctx, log, srv.store, dir)
		xctl.xcheck(err, "backup")
		xctl.xwriteok()

	default:
		log.Info("unrecognized command", slog.String("cmd", cmd))
		xctl.xwrite("unrecognized command")
		return
	}
}

// ctlQueueAdd is the record sent with "queueadd", the message follows as stream.
type ctlQueueAdd struct {
	Key        string
	Sender     string
	Recipients []string
	Attributes map[string]string
}
