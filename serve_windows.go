package main

import (
	"log"
)

func cmdServe(c *cmd) {
	c.help = `Start spoold, delivering records from the configured queues. Not implemented on windows.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	log.Fatalln("spoold serve not implemented on windows, it needs a unix domain socket for ctl, other commands including verifydata do work")
}
