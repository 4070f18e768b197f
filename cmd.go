package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/mjl-/spoold/mlog"
)

// cmd is a subcommand, e.g. "queue list". Commands set their params and help,
// register flags, then call Parse. To print usage without running anything,
// a command is started with describing set, and Parse stops it.
type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling fn.
	flag       *flag.FlagSet
	flagArgs   []string
	describing bool

	// Set by fn, before Parse.
	unlisted bool   // Only listed once a prefix of the words is given.
	params   string // Arguments, one synopsis line per line.
	help     string // First line is a summary, listed with other commands.

	args []string
	log  mlog.Log
}

// described is the panic value Parse uses to stop a command being described.
type described struct{}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

func (c *cmd) name() string {
	return "spoold " + strings.Join(c.words, " ")
}

// Parse parses the flags and returns the remaining arguments.
func (c *cmd) Parse() []string {
	if c.describing {
		panic(described{})
	}
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

// describe runs the command up to Parse, for its flags, params and help.
func (c *cmd) describe() {
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.describing = true
	defer func() {
		x := recover()
		if _, ok := x.(described); !ok && x != nil {
			panic(x)
		}
	}()
	c.fn(c)
}

// synopsis returns a line per params line, with the command name.
func (c *cmd) synopsis() []string {
	var l []string
	for _, p := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := c.name()
		if p != "" {
			s += " " + p
		}
		l = append(l, s)
	}
	return l
}

// usageText returns the synopsis followed by the flags.
func (c *cmd) usageText() string {
	var b strings.Builder
	for i, s := range c.synopsis() {
		if i == 0 {
			b.WriteString("usage: ")
		} else {
			b.WriteString("       ")
		}
		b.WriteString(s + "\n")
	}
	c.flag.SetOutput(&b)
	c.flag.PrintDefaults()
	return b.String()
}

func (c *cmd) printUsage(w io.Writer) {
	fmt.Fprint(w, c.usageText())
	if c.help != "" {
		fmt.Fprintf(w, "\n%s\n", c.help)
	}
}

func (c *cmd) Usage() {
	c.printUsage(os.Stderr)
	os.Exit(2)
}

// summary is the first line of help.
func (c *cmd) summary() string {
	s, _, _ := strings.Cut(c.help, "\n")
	return s
}

// lookup returns the command whose words start args, or, if there is none,
// the commands sharing the first word with args.
func lookup(args []string) (*cmd, []cmd) {
	var partial []cmd
	for _, c := range cmds {
		if len(args) >= len(c.words) && slices.Equal(args[:len(c.words)], c.words) {
			return &c, nil
		}
		if len(args) > 0 && c.words[0] == args[0] {
			partial = append(partial, c)
		}
	}
	return nil, partial
}

// usage prints the synopsis of each command and exits. With all set, unlisted
// commands are included.
func usage(l []cmd, all bool) {
	var lines []string
	if !all {
		lines = append(lines, "spoold [-config config/spoold.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.describe()
		if c.unlisted && !all {
			continue
		}
		lines = append(lines, c.synopsis()...)
	}
	for i, line := range lines {
		if i == 0 {
			fmt.Fprintln(os.Stderr, "usage: "+line)
		} else {
			fmt.Fprintln(os.Stderr, "       "+line)
		}
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var matches []cmd
	for _, xc := range cmds {
		if slices.Equal(xc.words, args) {
			xc.describe()
			xc.printUsage(os.Stdout)
			return
		}
		if len(args) < len(xc.words) && slices.Equal(xc.words[:len(args)], args) {
			matches = append(matches, xc)
		}
	}
	if len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, xc := range matches {
		xc.describe()
		fmt.Println(xc.name())
		if s := xc.summary(); s != "" {
			fmt.Printf("\t%s\n", s)
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	first := true
	for _, xc := range cmds {
		xc.describe()
		if xc.unlisted {
			continue
		}
		if !first {
			fmt.Fprintln(os.Stderr)
		}
		first = false

		fmt.Fprintf(os.Stderr, "# %s\n\n", xc.name())
		if xc.help != "" {
			fmt.Fprintln(os.Stderr, xc.help+"\n")
		}
		fmt.Fprintln(os.Stderr, "\t"+strings.ReplaceAll(xc.usageText(), "\n", "\n\t"))
	}
}
