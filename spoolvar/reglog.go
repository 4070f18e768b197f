package spoolvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietTests = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger
// for the database at path. Under test, schema registration of new databases
// is not logged, every test makes new ones.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietTests {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
