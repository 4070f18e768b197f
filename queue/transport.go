package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/spoold/metrics"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoolio"
	"github.com/mjl-/spoold/store"
)

// MaildirTransport delivers a record to a maildir per recipient, at
// Dir/<recipient>. Messages are written to "tmp" and linked into "new". A
// message for a record is written only once per recipient, so redelivery after
// a partial failure does not duplicate.
type MaildirTransport struct {
	Dir string
}

func (t MaildirTransport) Name() string {
	return "maildir"
}

// maildirName returns a file system safe directory name for a recipient.
func maildirName(rcpt string) string {
	s := strings.ToLower(rcpt)
	s = strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c < 0x20 {
			return '_'
		}
		return c
	}, s)
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	return s
}

func (t MaildirTransport) Deliver(ctx context.Context, log mlog.Log, r store.Record) error {
	name := maildirName(r.Key) + ".spoold"
	for _, rcpt := range r.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := filepath.Join(t.Dir, maildirName(rcpt))
		dst := filepath.Join(dir, "new", name)
		if _, err := os.Stat(dst); err == nil {
			log.Debug("message already in maildir", slog.String("path", dst))
			continue
		}
		for _, sub := range []string{"tmp", "new", "cur"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0770); err != nil {
				return fmt.Errorf("making maildir: %w", err)
			}
		}
		tmp := filepath.Join(dir, "tmp", name)
		if err := spoolio.WriteFileSync(log, tmp, bytes.NewReader(r.Header), bytes.NewReader(r.Content)); err != nil {
			return fmt.Errorf("writing message for %s: %w", rcpt, err)
		}
		err := spoolio.LinkOrCopy(log, dst, tmp, true)
		if err == nil {
			err = spoolio.SyncDir(log, filepath.Dir(dst))
		}
		xerr := os.Remove(tmp)
		log.Check(xerr, "removing temporary maildir file", slog.String("path", tmp))
		if err != nil {
			return fmt.Errorf("moving message into maildir for %s: %w", rcpt, err)
		}
	}
	return nil
}

// ForwardTransport hands a record to another queue, as new record in state
// incoming with the same key and body. If the target queue already has a record
// with the key, from an earlier forward, it is left as is. While the key is
// locked in the target queue, forwarding fails temporarily.
type ForwardTransport struct {
	Target *Queue
}

func (t ForwardTransport) Name() string {
	return "forward"
}

func (t ForwardTransport) Deliver(ctx context.Context, log mlog.Log, r store.Record) error {
	if !t.Target.TryLock(r.Key) {
		return fmt.Errorf("%w: record in queue %q", ErrLockConflict, t.Target.Name)
	}
	defer t.Target.Unlock(r.Key)

	if _, err := t.Target.Get(ctx, r.Key); err == nil {
		log.Info("record already in target queue", slog.String("target", t.Target.Name))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	nr := r
	nr.State = store.StateIncoming
	nr.ErrorMessage = ""
	nr.LastUpdated = time.Time{}
	nr.BodyDirty = true
	nr.Attributes = store.Attributes{}
	for k, v := range r.Attributes {
		if k != AttemptsAttr {
			nr.Attributes[k] = v
		}
	}
	if err := t.Target.Upsert(ctx, log, &nr); errors.Is(err, store.ErrInvalidRecord) {
		return Permanent(err)
	} else if err != nil {
		return err
	}
	return nil
}

// HTTPTransport delivers a record with an HTTP POST of the message to URL. The
// envelope is sent in headers Spool-Key, Spool-Sender and one Spool-Recipient
// per recipient. A 2xx response is success, 4xx a permanent failure, anything
// else is retried. Responses 408, 425 and 429 are temporary, they are retried
// after the normal backoff, Retry-After is ignored.
type HTTPTransport struct {
	URL    string
	Client *http.Client // If nil, a client with Timeout is used.

	Timeout time.Duration
}

func (t HTTPTransport) Name() string {
	return "http"
}

func (t HTTPTransport) Deliver(ctx context.Context, log mlog.Log, r store.Record) error {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: t.Timeout}
	}

	body := io.MultiReader(bytes.NewReader(r.Header), bytes.NewReader(r.Content))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, body)
	if err != nil {
		return Permanent(fmt.Errorf("making request: %w", err))
	}
	req.ContentLength = int64(len(r.Header) + len(r.Content))
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("Spool-Key", r.Key)
	req.Header.Set("Spool-Sender", r.Sender)
	for _, rcpt := range r.Recipients {
		req.Header.Add("Spool-Recipient", rcpt)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.HTTPClientObserve(log, "queue", req.Method, 0, err, start)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	code := resp.StatusCode
	metrics.HTTPClientObserve(log, "queue", req.Method, code, nil, start)

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("http response %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return err
	case code/100 == 4:
		return Permanent(err)
	}
	return err
}
