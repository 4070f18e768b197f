package spoold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mjl-/sconf"
	"golang.org/x/exp/maps"

	"github.com/mjl-/spoold/config"
	"github.com/mjl-/spoold/mlog"
)

var pkglog = mlog.New("spoold", nil)

// Config path, set early in program startup.
var ConfigStaticPath string

// Conf is the active configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static
	Log    map[string]slog.Level
}

// QueueNames returns the configured queue names, sorted.
func (c *Config) QueueNames() []string {
	l := maps.Keys(c.Static.Queues)
	sort.Strings(l)
	return l
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig parses and activates the config at ConfigStaticPath.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}
	SetConfig(c)
	return nil
}

// SetConfig sets a new config and applies its log levels.
func SetConfig(c *Config) {
	logMutex.Lock()
	defer logMutex.Unlock()
	Conf = *c
	mlog.Logfmt = c.Static.Logfmt
	mlog.SetConfig(c.Log)
}

// Protects Conf.Log, which can be changed at runtime through the ctl socket.
var logMutex sync.Mutex

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return maps.Clone(c.Log)
}

// LogLevelSet sets the log level for pkg, "" being the default level.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	l := maps.Clone(c.Log)
	if l == nil {
		l = map[string]slog.Level{}
	}
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevelRemove removes the log level override for pkg. The default level
// cannot be removed.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	if pkg == "" {
		return
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	l := map[string]slog.Level{}
	for k, v := range c.Log {
		if k != pkg {
			l[k] = v
		}
	}
	c.Log = l
	log.Print("log level cleared", slog.String("pkg", pkg))
	mlog.SetConfig(c.Log)
}

// ParseConfig parses the config file at p and checks it for consistency.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("SPOOLDCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use spoold -config ... or set SPOOLDCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	return c, PrepareStaticConfig(ctx, log, c)
}

// PrepareStaticConfig fills in defaults and checks the static config.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": mlog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = "bstore"
	case "bstore":
	case "sqlite":
		if c.Store.SQLiteFile == "" {
			c.Store.SQLiteFile = "spool.sqlite"
		}
	default:
		addErrorf("unknown store backend %q, must be bstore or sqlite", c.Store.Backend)
	}
	if c.Store.Backend != "sqlite" && (c.Store.SQLiteFile != "" || c.Store.NoSchemaSync) {
		addErrorf("SQLiteFile and NoSchemaSync only apply to store backend sqlite")
	}
	if c.Store.MaxInlineContent == 0 {
		c.Store.MaxInlineContent = config.DefaultMaxInlineContent
	} else if c.Store.MaxInlineContent < -1 {
		addErrorf("invalid MaxInlineContent %d", c.Store.MaxInlineContent)
	}

	if c.RescanInterval == 0 {
		c.RescanInterval = config.DefaultRescanInterval
	} else if c.RescanInterval < 0 {
		addErrorf("RescanInterval must be positive")
	}

	if len(c.Queues) == 0 {
		addErrorf("at least one queue must be configured")
	}
	for name, q := range c.Queues {
		if name == "" {
			addErrorf("queue name cannot be empty")
		}
		if q.Workers == 0 {
			q.Workers = config.DefaultWorkers
		} else if q.Workers < -1 {
			addErrorf("queue %q: invalid number of workers %d", name, q.Workers)
		}
		if q.MaxAttempts == 0 {
			q.MaxAttempts = config.DefaultMaxAttempts
		} else if q.MaxAttempts < 0 {
			addErrorf("queue %q: invalid MaxAttempts %d", name, q.MaxAttempts)
		}
		if q.Backoff.Error == 0 {
			q.Backoff.Error = config.DefaultErrorBackoff
		}
		if q.Backoff.Max == 0 {
			q.Backoff.Max = config.DefaultMaxBackoff
		}
		if q.Backoff.Incoming < 0 || q.Backoff.Error < 0 || q.Backoff.Max < q.Backoff.Error {
			addErrorf("queue %q: invalid backoff, durations must be positive, Max at least Error", name)
		}

		t := q.Transport
		n := 0
		if t.Maildir != nil {
			n++
			if t.Maildir.Dir == "" {
				addErrorf("queue %q: maildir transport needs Dir", name)
			}
		}
		if t.Forward != nil {
			n++
			if t.Forward.Queue == name {
				addErrorf("queue %q: cannot forward to itself", name)
			} else if _, ok := c.Queues[t.Forward.Queue]; !ok {
				addErrorf("queue %q: forward to unknown queue %q", name, t.Forward.Queue)
			}
		}
		if t.HTTP != nil {
			n++
			if t.HTTP.URL == "" {
				addErrorf("queue %q: http transport needs URL", name)
			}
			if t.HTTP.Timeout == 0 {
				t.HTTP.Timeout = time.Minute
			}
		}
		if n != 1 && q.Workers >= 0 {
			addErrorf("queue %q: exactly one transport must be configured, saw %d", name, n)
		}
		c.Queues[name] = q
	}

	for _, l := range []*config.HTTPListener{c.MetricsHTTP, c.AdminHTTP} {
		if l != nil && l.Address == "" {
			addErrorf("http listener needs an Address")
		}
	}
	if c.MetricsHTTP != nil && c.AdminHTTP != nil && c.MetricsHTTP.Address == c.AdminHTTP.Address {
		addErrorf("MetricsHTTP and AdminHTTP cannot share address %s", c.AdminHTTP.Address)
	}

	return errs
}
