package main

import (
	"fmt"
	"path/filepath"
)

func cmdBackup(c *cmd) {
	c.params = "dest-dir"
	c.help = `Creates a backup of the spool of a running spoold.

The database is copied in a read-only transaction, so records can be added and
delivered while the backup runs. Blob files with message content are hardlinked
to dest-dir/blobs, falling back to copying when dest-dir is on another file
system. Only blobs referenced by the database copy are included. dest-dir must
not contain a previous backup.

The backup can be used as data directory, with the same store backend. Run
"spoold verifydata dest-dir" to check the backup.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	dir, err := filepath.Abs(args[0])
	xcheckf(err, "making destination directory absolute")
	ctlcmdBackup(xctl(), dir)
	fmt.Println("backup written to", dir)
}

func ctlcmdBackup(ctl *ctl, dir string) {
	ctl.xwrite("backup")
	ctl.xwrite(dir)
	ctl.xreadok()
}
