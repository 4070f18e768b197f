package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

func cmdQueueList(c *cmd) {
	c.params = "[queue]"
	c.help = `List records in the spool, for a single queue or all queues.

For each record, its key, state, last update time, number of failed delivery
attempts, size and envelope are printed, oldest update first. Records that
cannot be read are listed with the error.
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	mustLoadConfig()
	var name string
	if len(args) == 1 {
		name = args[0]
	}
	ctlcmdQueueList(xctl(), name)
}

func ctlcmdQueueList(ctl *ctl, name string) {
	ctl.xwrite("queuelist")
	ctl.xwrite(name)
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdQueueShow(c *cmd) {
	c.params = "queue key"
	c.help = `Show the details of a record, without its message.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdQueueShow(xctl(), args[0], args[1])
}

func ctlcmdQueueShow(ctl *ctl, name, key string) {
	ctl.xwrite("queueshow")
	ctl.xwrite(name)
	ctl.xwrite(key)
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdQueueDump(c *cmd) {
	c.params = "queue key"
	c.help = `Dump the message of a record.

The message is printed to stdout and is in standard internet mail format.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdQueueDump(xctl(), args[0], args[1])
}

func ctlcmdQueueDump(ctl *ctl, name, key string) {
	ctl.xwrite("queuedump")
	ctl.xwrite(name)
	ctl.xwrite(key)
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

// attrFlag gathers -attr key=value flags.
type attrFlag map[string]string

func (f attrFlag) String() string {
	var l []string
	for k, v := range f {
		l = append(l, k+"="+v)
	}
	return strings.Join(l, ",")
}

func (f attrFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("attribute must be of form key=value")
	}
	f[k] = v
	return nil
}

func cmdQueueAdd(c *cmd) {
	c.params = "[-key key] [-attr key=value ...] -from sender queue recipient ... <message"
	c.help = `Add a message to a queue, read from stdin.

The message is stored as a new record in state incoming, and is delivered by
the queue workers like any other record. Bare newlines in the message are
converted to CRLF. Without -key, a new random key is used. The key of the new
record is printed.
`
	var add ctlQueueAdd
	attrs := attrFlag{}
	c.flag.StringVar(&add.Key, "key", "", "key for the new record, must not exist yet")
	c.flag.StringVar(&add.Sender, "from", "", "envelope sender address, empty for the null sender")
	c.flag.Var(attrs, "attr", "attribute to set on the record as key=value, can be repeated")
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	add.Recipients = args[1:]
	add.Attributes = attrs
	mustLoadConfig()
	key := ctlcmdQueueAdd(xctl(), args[0], add, os.Stdin)
	fmt.Println(key)
}

func ctlcmdQueueAdd(ctl *ctl, name string, add ctlQueueAdd, msg io.Reader) (key string) {
	ctl.xwrite("queueadd")
	ctl.xwrite(name)
	ctl.xwriteJSON(add)
	ctl.xreadok()
	ctl.xstreamfrom(msg)
	ctl.xreadok()
	return ctl.xread()
}

func cmdQueueKick(c *cmd) {
	c.params = "queue key"
	c.help = `Schedule immediate redelivery of a record that failed.

Only records in state error can be kicked. Records being delivered cannot be
kicked. The backoff for the record is ignored, the number of attempts is kept.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdQueueKick(xctl(), args[0], args[1])
}

func ctlcmdQueueKick(ctl *ctl, name, key string) {
	ctl.xwrite("queuekick")
	ctl.xwrite(name)
	ctl.xwrite(key)
	ctl.xreadok()
	fmt.Println("record scheduled for redelivery")
}

func cmdQueueKickall(c *cmd) {
	c.params = "queue"
	c.help = `Schedule immediate redelivery of all records in a queue that failed.

Records in other states are skipped. Failures for individual records, e.g.
because they are being delivered, are printed and do not stop the operation.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	count, errs := ctlcmdQueueBatch(xctl(), "queuekickall", args[0], nil)
	printBatch(count, errs, "scheduled for redelivery")
}

func cmdQueueDrop(c *cmd) {
	c.params = "queue key ..."
	c.help = `Remove records from a queue.

Dangerous operation, this completely removes the records and their messages.
If you want to keep a message, use "queue dump" before removing. Records being
delivered are not removed. Keys that do not exist are not an error.
`
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	mustLoadConfig()
	count, errs := ctlcmdQueueBatch(xctl(), "queuedrop", args[0], args[1:])
	printBatch(count, errs, "dropped")
}

func cmdQueueDropall(c *cmd) {
	c.params = "queue"
	c.help = `Remove all records from a queue.

Dangerous operation. Records being delivered are not removed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	count, errs := ctlcmdQueueBatch(xctl(), "queuedropall", args[0], nil)
	printBatch(count, errs, "dropped")
}

// ctlcmdQueueBatch runs a batch command, returning the number of records
// processed and the failures for individual records, one per line.
func ctlcmdQueueBatch(ctl *ctl, cmd, name string, keys []string) (count, errs string) {
	ctl.xwrite(cmd)
	ctl.xwrite(name)
	if cmd == "queuedrop" {
		ctl.xwriteJSON(keys)
	}
	ctl.xreadok()
	count = ctl.xread()
	var b strings.Builder
	ctl.xstreamto(&b)
	return count, b.String()
}

func printBatch(count, errs, what string) {
	fmt.Printf("%s records %s\n", count, what)
	if errs != "" {
		fmt.Print(errs)
		log.Fatalf("some records failed")
	}
}
