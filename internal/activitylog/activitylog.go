// Package activitylog writes the per-node append-only activity log
// (`<name>-log.log`, SPEC_FULL.md §6) using a second, separate logrus
// instance from pkg/logger's colored console logger: plain-text formatter,
// UTC timestamps, no ANSI color codes, matching the original
// ContactDirectory/Logger classes' write_to_log behavior.
package activitylog

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05"

// Log is the append-only per-node activity record, and also keeps an
// in-memory ring of recent lines so `show-log` can print it back without
// re-reading the file.
type Log struct {
	logger *logrus.Logger
	file   *os.File

	mu      sync.Mutex
	recent  []string
	recentN int
}

// recentCap bounds how many lines `show-log` can replay from memory.
const recentCap = 500

// Open creates (or appends to) "<name>-log.log" in the working directory.
func Open(name string) (*Log, error) {
	path := fmt.Sprintf("%s-log.log", name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open activity log %s", path)
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	return &Log{logger: l, file: f, recentN: recentCap}, nil
}

// Write appends one UTC-timestamped activity line under category.
func (l *Log) Write(category, message string) {
	now := time.Now().UTC()
	line := fmt.Sprintf("[%s] %s: %s", now.Format(timestampFormat), category, message)
	l.logger.WithTime(now).WithField("category", category).Info(message)

	l.mu.Lock()
	l.recent = append(l.recent, line)
	if len(l.recent) > l.recentN {
		l.recent = l.recent[len(l.recent)-l.recentN:]
	}
	l.mu.Unlock()
}

// Recent returns a copy of the most recently written lines, for `show-log`.
func (l *Log) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.recent))
	copy(out, l.recent)
	return out
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Dump writes every recent line to w, for a CLI `show-log` implementation
// that wants buffered output instead of building a string.
func (l *Log) Dump(w *bufio.Writer) error {
	for _, line := range l.Recent() {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}
