/*
Package config holds the configuration file definitions.

spoold uses a single config file, spoold.conf. It is read at startup and never
reloaded. Run "spoold config describe" for an empty config file with comments
explaining each field, generated from the definitions in this package.

# sconf

The config file is in "sconf" format:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. Strings are not quoted or
    escaped and never span multiple lines.
  - Fields that are optional can be left out.
  - Durations are written like 7m30s.

# Example

	DataDir: data
	LogLevel: info
	Store:
		Backend: bstore
	Queues:
		outgoing:
			Workers: 8
			MaxAttempts: 10
			Backoff:
				Error: 5m
				Max: 8h
				Exponential: true
			Transport:
				Forward:
					Queue: local
		local:
			Transport:
				Maildir:
					Dir: maildirs
	MetricsHTTP:
		Address: 127.0.0.1:8010
	AdminHTTP:
		Address: 127.0.0.1:8011
*/
package config
