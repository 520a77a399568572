package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a debug-level logger for tracking execution flow in
// tests. Output is discarded unless the test runs with -v.
func NewTestLogger(t *testing.T) *logrus.Logger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	if !testing.Verbose() {
		logger.SetOutput(io.Discard)
	}
	return logger
}
