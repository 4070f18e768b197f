package config

import (
	"time"
)

// Defaults for fields left empty in the config file.
const (
	DefaultWorkers          = 4
	DefaultMaxAttempts      = 8
	DefaultErrorBackoff     = 7*time.Minute + 30*time.Second
	DefaultMaxBackoff       = 16 * time.Hour
	DefaultRescanInterval   = time.Minute
	DefaultMaxInlineContent = 64 * 1024
)

// Static is a parsed form of the spoold.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the spool database, external message content blobs and the ctl socket. If this is a relative path, it is relative to the directory of spoold.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, queue, webadmin, serve)."`
	Logfmt           bool              `sconf:"optional" sconf-doc:"Write log lines in logfmt format instead of human-readable."`
	Store            Store             `sconf-doc:"Storage of records in the spool."`
	RescanInterval   time.Duration     `sconf:"optional" sconf-doc:"Interval at which waiting consumers rescan the spool for records whose backoff period has passed without any write to the spool. Default 1m."`
	Queues           map[string]Queue  `sconf-doc:"Queues, each a partition in the spool with its own delivery workers. The key is the partition name."`
	MetricsHTTP      *HTTPListener     `sconf:"optional" sconf-doc:"Serve prometheus metrics at /metrics."`
	AdminHTTP        *HTTPListener     `sconf:"optional" sconf-doc:"Serve the JSON admin API at /api/, for listing, inspecting, redelivering and dropping records."`
}

// Store configures the backing store for records.
type Store struct {
	Backend          string `sconf-doc:"Either bstore (default, an embedded bolt database at spool.db in the data directory) or sqlite."`
	SQLiteFile       string `sconf:"optional" sconf-doc:"For backend sqlite, path of the database file. Relative to the data directory. Default spool.sqlite."`
	NoSchemaSync     bool   `sconf:"optional" sconf-doc:"For backend sqlite, do not create or alter the table, only verify the required columns are present. Startup fails if they are not."`
	MaxInlineContent int64  `sconf:"optional" sconf-doc:"Message content up to this size in bytes is stored in the database itself. Larger content is written to a separate file. Default 64KiB. Set to -1 to always use a separate file."`
}

// Queue is the configuration for delivery from one partition.
type Queue struct {
	Workers     int       `sconf:"optional" sconf-doc:"Number of concurrent delivery workers. Default 4. Set to -1 for no workers, e.g. for a partition only inspected by an operator."`
	MaxAttempts int       `sconf:"optional" sconf-doc:"Number of delivery attempts after which a record is removed from the spool. Default 8."`
	Backoff     Backoff   `sconf:"optional" sconf-doc:"Delays between delivery attempts."`
	Transport   Transport `sconf-doc:"How records from this queue are delivered. Exactly one method must be set."`
}

// Backoff configures when a record becomes eligible for delivery again.
type Backoff struct {
	Incoming    time.Duration `sconf:"optional" sconf-doc:"Minimum age of a newly stored record before delivery is attempted. Default 0, immediate."`
	Error       time.Duration `sconf:"optional" sconf-doc:"Delay after a failed attempt before the next. Default 7m30s."`
	Max         time.Duration `sconf:"optional" sconf-doc:"Upper limit for the delay with exponential backoff. Default 16h."`
	Exponential bool          `sconf:"optional" sconf-doc:"If set, the error delay doubles with each failed attempt."`
}

// Transport delivers records from a queue.
type Transport struct {
	Maildir *TransportMaildir `sconf:"optional" sconf-doc:"Write each message into a maildir per recipient."`
	Forward *TransportForward `sconf:"optional" sconf-doc:"Move each message into another queue, e.g. for processing in multiple stages."`
	HTTP    *TransportHTTP    `sconf:"optional" sconf-doc:"POST each message to an HTTP endpoint."`
}

type TransportMaildir struct {
	Dir string `sconf-doc:"Directory containing a maildir per recipient address. Relative to the data directory."`
}

type TransportForward struct {
	Queue string `sconf-doc:"Name of the queue to move messages to. Must be configured."`
}

type TransportHTTP struct {
	URL     string        `sconf-doc:"URL to POST messages to. The message is the request body, the envelope is in headers Spool-Key, Spool-Sender and Spool-Recipient (one per recipient). A 2xx response is success, a 4xx response is a permanent failure, other responses are temporary failures."`
	Timeout time.Duration `sconf:"optional" sconf-doc:"Timeout for the HTTP request. Default 1m."`
}

type HTTPListener struct {
	Address string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:8010."`
}
