// Package mlog provides logging on top of log/slog with per-package log levels.
//
// Each logged line has a constant message, variable data goes into attributes.
// The log levels can be configured per originating package (attribute "pkg"),
// e.g. store, queue, webadmin. The configuration is process-global.
//
// Print* is always printed, regardless of configured log levels. Fatal* stops
// the program after printing.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logfmt selects logfmt output (l=info m=... key=value). Otherwise lines are
// formatted for humans.
var Logfmt bool

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelFatal = slog.Level(12) // Printed regardless of configured level.
	LevelPrint = slog.Level(16) // Printed regardless of configured level.
)

var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// Holds a map[string]slog.Level, mapping a package to its minimum level. The
// empty string is the fallback.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

func levelFor(pkg string) slog.Level {
	c := *config.Load()
	if l, ok := c[pkg]; ok {
		return l
	}
	if l, ok := c[""]; ok {
		return l
	}
	return LevelError
}

// Log is a logger for a package, optionally with additional attributes such as
// a connection/operation id.
type Log struct {
	*slog.Logger
}

// New returns a Log for pkg. If logger is nil, a logger writing to stderr is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{out: os.Stderr, mu: &sync.Mutex{}})
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if any.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a Log with attrs added to each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) { l.logx(LevelTrace, nil, msg, attrs...) }

// Check logs an error if err is not nil. Intended for logging errors of
// operations that are not worth returning, e.g. closing a file.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// handler writes logfmt or human-readable lines. Groups are flattened with a
// dot.
type handler struct {
	out   io.Writer
	mu    *sync.Mutex
	pkg   string
	group string
	attrs []slog.Attr
	nowFn func() time.Time // If nil, no time is printed.
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= LevelFatal || level >= levelFor(h.pkg)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		if a.Key == "pkg" && h.group == "" {
			nh.pkg = a.Value.String()
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := slices.Clone(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	level := LevelStrings[r.Level]
	if level == "" {
		level = strings.ToLower(r.Level.String())
	}

	// Single write per line, so lines from different goroutines don't interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		if h.nowFn != nil {
			fmt.Fprintf(b, "t=%s ", h.nowFn().Format(time.RFC3339Nano))
		}
		fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
		for _, a := range attrs {
			writeAttr(b, " ", "=", a)
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, logfmtValue(r.Message))
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				sep := ""
				if i > 0 {
					sep = "; "
				}
				writeAttr(b, sep, ": ", a)
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(b.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, sep, kvsep string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		next := "; "
		if kvsep == "=" {
			next = " "
		}
		for _, ga := range v.Group() {
			ga.Key = a.Key + "." + ga.Key
			writeAttr(b, sep, kvsep, ga)
			sep = next
		}
		return
	}
	b.WriteString(sep)
	b.WriteString(a.Key)
	b.WriteString(kvsep)
	b.WriteString(logfmtValue(stringValue(a.Key == "cid", v)))
}

func stringValue(iscid bool, v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if iscid {
			return strconv.FormatInt(v.Int64(), 16)
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	}
	switch x := v.Any().(type) {
	case nil:
		return ""
	case error:
		return x.Error()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(x)
	case []string:
		return "[" + strings.Join(x, ",") + "]"
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v.Any())
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return strconv.Quote(s)
		}
	}
	return s
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on log
// with given level and msg, and the written content as error. Used for
// http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
