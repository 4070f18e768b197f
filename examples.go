package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/spoold/config"
)

func cmdConfigExample(c *cmd) {
	c.params = "[name]"
	c.help = `List available example configuration files, or print a specific example.`

	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}

	var match func() string
	for _, ex := range examples {
		if len(args) == 0 {
			fmt.Println(ex.Name)
		} else if args[0] == ex.Name {
			match = ex.Get
		}
	}
	if len(args) == 0 {
		return
	}
	if match == nil {
		log.Fatalln("not found")
	}
	fmt.Print(match())
}

// parseExample parses an example as spoold.conf, so we know the syntax is right.
func parseExample(name, text string) string {
	var static config.Static
	err := sconf.Parse(strings.NewReader(text), &static)
	xcheckf(err, "parsing %s example", name)
	return text
}

var examples = []struct {
	Name string
	Get  func() string
}{
	{
		"relay",
		func() string {
			const conf = `# spoold.conf that accepts messages into queue "incoming", and moves them to
# queue "outgoing" from which they are posted to an HTTP endpoint. Failed
# deliveries are retried with exponential backoff.

DataDir: ../data
LogLevel: info
Store:
	Backend: bstore
Queues:
	incoming:
		Workers: 1
		Transport:
			Forward:
				Queue: outgoing
	outgoing:
		Workers: 8
		MaxAttempts: 12
		Backoff:
			Error: 1m
			Max: 8h
			Exponential: true
		Transport:
			HTTP:
				URL: http://127.0.0.1:8080/deliver
				Timeout: 30s
MetricsHTTP:
	Address: 127.0.0.1:8010
AdminHTTP:
	Address: 127.0.0.1:8011
`
			return parseExample("relay", conf)
		},
	},
	{
		"sqlite",
		func() string {
			const conf = `# spoold.conf storing records in a sqlite database whose table is managed
# externally, delivering into maildirs. Messages always have their content in a
# separate file, keeping the database small.

DataDir: ../data
LogLevel: info
PackageLogLevels:
	store: debug
Logfmt: true
Store:
	Backend: sqlite
	SQLiteFile: /var/lib/spool/spool.sqlite
	NoSchemaSync: true
	MaxInlineContent: -1
RescanInterval: 30s
Queues:
	local:
		Backoff:
			Incoming: 5s
		Transport:
			Maildir:
				Dir: maildir
	held:
		Workers: -1
		Transport:
			Maildir:
				Dir: held
`
			return parseExample("sqlite", conf)
		},
	},
}
