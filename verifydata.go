package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/mjl-/spoold/mlog"
	"github.com/mjl-/spoold/spoold-"
	"github.com/mjl-/spoold/store"
)

func cmdVerifydata(c *cmd) {
	c.params = "[data-dir]"
	c.help = `Verify the records and message files in a data directory, typically of a backup.

Verifydata opens the store as configured and reads every record. It checks
that the attributes of each record can be parsed, that message content stored
in a separate file is present and matches its digest, and that there are no
message files without a record.

If data-dir is specified, it is used instead of the configured data directory,
and the database is expected at its default name, as written by "spoold backup".
Spoold must not be running for the configured data directory: the bstore
database can only be opened by a single process.

Because verifydata opens the database, schema changes may be applied, as when
starting spoold. Run it on a copy of the data directory before upgrading.
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	mustLoadConfig()
	if len(args) == 1 {
		dir, err := filepath.Abs(args[0])
		xcheckf(err, "absolute path for data directory")
		spoold.Conf.Static.DataDir = dir
		// Backups always have the database at its default name.
		spoold.Conf.Static.Store.SQLiteFile = ""
	}
	if _, err := os.Stat(spoold.DataDirPath(".")); err != nil {
		log.Fatalf("data directory: %v", err)
	}

	problems, err := verifydata(context.Background(), c.log)
	xcheckf(err, "verifying data")
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		log.Fatalf("%d problems found", len(problems))
	}
	fmt.Println("data OK")
}

func verifydata(ctx context.Context, log mlog.Log) (problems []string, rerr error) {
	st, err := openStore(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		err := st.Close()
		rerr = multierr.Append(rerr, err)
	}()
	return store.Verify(ctx, log, st)
}
