// Package testlog creates loggers backed by testing.T to ease logging in
// tests.
package testlog

import (
	"bytes"
	"io"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying Logger. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// HCLogger returns a new test hc-logger.
//
// Default log level is TRACE. Set TILESCHED_TEST_LOG_LEVEL for custom log
// level.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	logger, _ := HCLoggerNode(t)
	return logger
}

// HCLoggerNode returns a new test hc-logger along with the writer that backs
// it. The writer is exposed so tests can silence output with
// TILESCHED_TEST_LOG_QUIET.
func HCLoggerNode(t LogPrinter) (hclog.InterceptLogger, io.Writer) {
	var out io.Writer = NewWriter(t)
	if quiet, _ := os.LookupEnv("TILESCHED_TEST_LOG_QUIET"); quiet != "" {
		out = io.Discard
	}
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "test",
		Level:      level(),
		Output:     out,
		TimeFormat: "15:04:05.000",
	}), out
}

// Buffer is a concurrency-safe log sink that tests can inspect after a run.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// HCLoggerBuffer returns a logger that writes into a Buffer, for tests that
// assert on emitted diagnostics.
func HCLoggerBuffer() (hclog.Logger, *Buffer) {
	buf := new(Buffer)
	return hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  hclog.Trace,
		Output: buf,
	}), buf
}

func level() hclog.Level {
	if l := os.Getenv("TILESCHED_TEST_LOG_LEVEL"); l != "" {
		return hclog.LevelFromString(l)
	}
	return hclog.Trace
}
