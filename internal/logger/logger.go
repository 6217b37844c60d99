// Package logger provides named loggers that share a single process-wide handler.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cenkalti/log"
)

const timeLayout = "2006-01-02 15:04:05"

var handler log.Handler

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// SetHandler replaces the handler of loggers created after this call.
func SetHandler(h log.Handler) {
	h.SetFormatter(logFormatter{})
	handler = h
}

// SetOutput directs messages of loggers created after this call to w.
func SetOutput(w io.Writer) {
	SetHandler(log.NewWriterHandler(w))
}

// SetLevel drops messages below l.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

// ParseLevel returns the level named s, ignoring case. Valid names are
// "debug", "info", "notice", "warning", "error" and "critical".
func ParseLevel(s string) (log.Level, error) {
	for l := log.CRITICAL; l <= log.DEBUG; l++ {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// Logger writes messages of a single download or component.
type Logger log.Logger

// New returns a new Logger. Each message is tagged with name.
func New(name string) Logger {
	l := log.NewLogger(name)
	// Level filtering is done by the handler.
	l.SetLevel(log.DEBUG)
	l.SetHandler(handler)
	return l
}

type logFormatter struct{}

// Format outputs a message like "2024-03-01 18:15:57 INFO     [download PCSE00000] session.go:178 resuming download at offset 400000"
func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s %s",
		rec.Time.Format(timeLayout),
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
