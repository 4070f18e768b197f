/*
Command spoold is a durable mail spool: messages with their envelope are stored
as records in queues, and delivered by workers with retries and backoff.

  - Records are stored in an embedded bstore database or in sqlite, large
    messages in separate files.
  - Each queue is a partition of the spool with its own workers and transport:
    maildir, another queue, or an HTTP endpoint.
  - Failed deliveries are retried with fixed or exponential backoff, and can be
    redelivered immediately by an operator.
  - Records can be inspected, redelivered and dropped with the command line or
    the JSON admin API.
  - Prometheus metrics.

# Commands

	spoold [-config config/spoold.conf] [-loglevel level] ...
	spoold serve
	spoold stop
	spoold loglevels [level [pkg]]
	spoold queue list [queue]
	spoold queue show queue key
	spoold queue dump queue key
	spoold queue add [-key key] [-attr key=value ...] -from sender queue recipient ... <message
	spoold queue kick queue key
	spoold queue kickall queue
	spoold queue drop queue key ...
	spoold queue dropall queue
	spoold config test
	spoold config describe >spoold.conf
	spoold config example [name]
	spoold backup dest-dir
	spoold verifydata [data-dir]
	spoold version
	spoold help [command ...]

Many commands talk to a running spoold instance, through the ctl file in the
data directory. Specify the configuration file (that holds the path to the data
directory) through the -config flag or SPOOLDCONF environment variable.

# spoold serve

Start spoold, delivering records from the configured queues.

For each queue with workers, records are taken from the spool and handed to the
configured transport. Failed deliveries are retried with backoff. The ctl unix
domain socket in the data directory is used by the other subcommands, such as
"queue list". If configured, HTTP listeners are started for prometheus metrics
and the admin API.

Only implemented on unix systems, not Windows.

	usage: spoold serve

# spoold stop

Shut spoold down, giving deliveries in progress 3 seconds to finish.

Workers stop taking new records from the spool immediately. Deliveries that are
still running after 3 seconds are canceled, and their records are retried after
the next start.

	usage: spoold stop

# spoold loglevels

Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in spoold. But for each
"pkg", an overriding log level can be configured. Examples of packages: store,
queue, webadmin, serve.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace.

	usage: spoold loglevels [level [pkg]]

# spoold queue list

List records in the spool, for a single queue or all queues.

For each record, its key, state, last update time, number of failed delivery
attempts, size and envelope are printed, oldest update first. Records that
cannot be read are listed with the error.

	usage: spoold queue list [queue]

# spoold queue show

Show the details of a record, without its message.

	usage: spoold queue show queue key

# spoold queue dump

Dump the message of a record.

The message is printed to stdout and is in standard internet mail format.

	usage: spoold queue dump queue key

# spoold queue add

Add a message to a queue, read from stdin.

The message is stored as a new record in state incoming, and is delivered by
the queue workers like any other record. Bare newlines in the message are
converted to CRLF. Without -key, a new random key is used. The key of the new
record is printed.

	usage: spoold queue add [-key key] [-attr key=value ...] -from sender queue recipient ... <message
	  -attr value
	    	attribute to set on the record as key=value, can be repeated
	  -from string
	    	envelope sender address, empty for the null sender
	  -key string
	    	key for the new record, must not exist yet

# spoold queue kick

Schedule immediate redelivery of a record that failed.

Only records in state error can be kicked. Records being delivered cannot be
kicked. The backoff for the record is ignored, the number of attempts is kept.

	usage: spoold queue kick queue key

# spoold queue kickall

Schedule immediate redelivery of all records in a queue that failed.

Records in other states are skipped. Failures for individual records, e.g.
because they are being delivered, are printed and do not stop the operation.

	usage: spoold queue kickall queue

# spoold queue drop

Remove records from a queue.

Dangerous operation, this completely removes the records and their messages.
If you want to keep a message, use "queue dump" before removing. Records being
delivered are not removed. Keys that do not exist are not an error.

	usage: spoold queue drop queue key ...

# spoold queue dropall

Remove all records from a queue.

Dangerous operation. Records being delivered are not removed.

	usage: spoold queue dropall queue

# spoold config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

	usage: spoold config test

# spoold config describe

Prints an annotated empty configuration for use as spoold.conf.

The configuration file is read at startup, spoold has to be restarted for
changes to take effect. Log levels can be changed at runtime with "spoold
loglevels".

This configuration file needs modifications to make it valid. For example, it
has no queues.

	usage: spoold config describe >spoold.conf

# spoold config example

List available example configuration files, or print a specific example.

	usage: spoold config example [name]

# spoold backup

Creates a backup of the spool of a running spoold.

The database is copied in a read-only transaction, so records can be added and
delivered while the backup runs. Blob files with message content are hardlinked
to dest-dir/blobs, falling back to copying when dest-dir is on another file
system. Only blobs referenced by the database copy are included. dest-dir must
not contain a previous backup.

The backup can be used as data directory, with the same store backend. Run
"spoold verifydata dest-dir" to check the backup.

	usage: spoold backup dest-dir

# spoold verifydata

Verify the records and message files in a data directory, typically of a backup.

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

	usage: spoold verifydata [data-dir]

# spoold version

Prints this spoold version.

	usage: spoold version

# spoold help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: spoold help [command ...]
*/
package main
