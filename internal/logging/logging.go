// Package logging constructs the process-wide structured logger. All
// dapbridge packages take a *logrus.Entry (or the package-level default)
// rather than calling logrus directly, so tests can inject a discard
// logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing JSON lines to os.Stderr at the given
// level, tagged with component="dapbridge". CLI commands attach
// per-subsystem fields via WithField before handing the entry down to
// a package constructor.
func New(level logrus.Level) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l.WithField("component", "dapbridge")
}

// Discard returns a logger that drops everything, for use in tests and
// library callers that supply their own sink.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "dapbridge")
}
