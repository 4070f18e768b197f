package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/spoold/config"
	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/spoolvar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"stop", cmdStop},
	{"loglevels", cmdLoglevels},
	{"queue list", cmdQueueList},
	{"queue show", cmdQueueShow},
	{"queue dump", cmdQueueDump},
	{"queue add", cmdQueueAdd},
	{"queue kick", cmdQueueKick},
	{"queue kickall", cmdQueueKickall},
	{"queue drop", cmdQueueDrop},
	{"queue dropall", cmdQueueDropall},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"config example", cmdConfigExample},
	{"backup", cmdBackup},
	{"verifydata", cmdVerifydata},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var loglevel string // Empty will be interpreted as info.

// level returns the log level from the -loglevel flag.
func level() slog.Level {
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	l, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	return l
}

// mustLoadConfig is used by subcommands other than "serve". The log level from
// the command-line stays in effect, not the one from the config file.
func mustLoadConfig() {
	spoold.MustLoadConfig()
	spoold.Conf.LogLevelSet(mlog.New("spoold", nil), "", level())
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&spoold.ConfigStaticPath, "config", envString("SPOOLDCONF", filepath.FromSlash("config/spoold.conf")), "configuration file, defaults to $SPOOLDCONF with a fallback to config/spoold.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	// Loading a config may set other levels.
	spoold.Conf.Log[""] = level()
	mlog.SetConfig(spoold.Conf.Log)

	c, partial := lookup(args)
	if c == nil {
		if len(partial) > 0 {
			usage(partial, true)
		}
		usage(cmds, false)
	}
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.flagArgs = args[len(c.words):]
	c.log = mlog.New(strings.Join(c.words, ""), nil)
	c.fn(c)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := spoold.ParseConfig(context.Background(), c.log, spoold.ConfigStaticPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">spoold.conf"
	c.help = `Prints an annotated empty configuration for use as spoold.conf.

The configuration file is read at startup, spoold has to be restarted for
changes to take effect. Log levels can be changed at runtime with "spoold
loglevels".

This configuration file needs modifications to make it valid. For example, it
has no queues.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this spoold version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(spoolvar.Version)
	fmt.Printf("%s %s/%s\n", spoolvar.GoVersion, runtime.GOOS, runtime.GOARCH)
}

func cmdLoglevels(c *cmd) {
	c.params = "[level [pkg]]"
	c.help = `Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in spoold. But for each
"pkg", an overriding log level can be configured. Examples of packages: store,
queue, webadmin, serve.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace.
`
	args := c.Parse()
	if len(args) > 2 {
		c.Usage()
	}
	mustLoadConfig()

	if len(args) == 0 {
		ctlcmdLoglevels(xctl())
	} else {
		var pkg string
		if len(args) == 2 {
			pkg = args[1]
		}
		ctlcmdSetLoglevels(xctl(), pkg, args[0])
	}
}

func ctlcmdLoglevels(ctl *ctl) {
	ctl.xwrite("loglevels")
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func ctlcmdSetLoglevels(ctl *ctl, pkg, level string) {
	ctl.xwrite("setloglevels")
	ctl.xwrite(pkg)
	ctl.xwrite(level)
	ctl.xreadok()
}

func cmdStop(c *cmd) {
	c.help = `Shut spoold down, giving deliveries in progress 3 seconds to finish.

Workers stop taking new records from the spool immediately. Deliveries that are
still running after 3 seconds are canceled, and their records are retried after
the next start.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	xctl := xctl()
	xctl.xwrite("stop")
	// Read will hang until remote has shut down.
	buf := make([]byte, 128)
	n, err := xctl.bufReader().Read(buf)
	if err == nil {
		log.Fatalf("expected eof after graceful shutdown, got data %q", buf[:n])
	} else if err != io.EOF {
		log.Fatalf("expected eof after graceful shutdown, got error %v", err)
	}
	fmt.Println("spoold stopped")
}
