package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/charmbracelet/log"
)

// TestLogger returns a logger for components that report workflow anomalies
// (invalid transitions, rejected tokens). Output is discarded unless the test
// runs with -v, where it goes to stderr at debug level under the test's name.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()

	if !testing.Verbose() {
		return log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:  log.DebugLevel,
		Prefix: t.Name(),
	})
}
