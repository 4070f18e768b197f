package mlog

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func testLog(pkg string, buf *bytes.Buffer) Log {
	return New(pkg, slog.New(&handler{out: buf, mu: &sync.Mutex{}}))
}

func TestPackageLevels(t *testing.T) {
	defer SetConfig(map[string]slog.Level{"": LevelError})
	SetConfig(map[string]slog.Level{"": LevelError, "queue": LevelDebug})

	var buf bytes.Buffer
	qlog := testLog("queue", &buf)
	stlog := testLog("store", &buf)

	qlog.Debug("queue debug")
	stlog.Debug("store debug")
	stlog.Print("store print")
	out := buf.String()
	if !strings.Contains(out, "queue debug") {
		t.Fatalf("missing queue debug line in %q", out)
	}
	if strings.Contains(out, "store debug") {
		t.Fatalf("unexpected store debug line in %q", out)
	}
	if !strings.Contains(out, "store print") {
		t.Fatalf("missing print line in %q", out)
	}
}

func TestLogfmt(t *testing.T) {
	Logfmt = true
	defer func() { Logfmt = false }()

	var buf bytes.Buffer
	log := testLog("queue", &buf).WithCid(255)
	log.Errorx("delivery failed", errors.New("conn refused"), slog.String("key", "a b"))
	got := buf.String()
	exp := `l=error m="delivery failed" pkg=queue cid=ff err="conn refused" key="a b"` + "\n"
	if got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}
