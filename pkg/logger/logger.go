// Package logger provides the colored console logger used across the
// overlay. The public surface (Debug/Info/Warn/Error/Success/Fatal/Section/
// Banner) matches the teacher's pkg/logger, but the implementation underneath
// is now backed by logrus instead of the standard log package, matching the
// structured-logging style used elsewhere in the retrieval pack.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes, used only for the banner/section decorations — field
// logging itself goes through logrus's own formatter.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// Fields is re-exported so call sites can attach structured context without
// importing logrus directly.
type Fields = logrus.Fields

// SetLevel sets the minimum log level by name ("debug", "info", "warn", "error").
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(parsed)
}

func Debug(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Debugf(format, args...)
}

func Info(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Infof(format, args...)
}

func Warn(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Warnf(format, args...)
}

func Error(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Errorf(format, args...)
}

// Success logs at info level with a green highlight, matching the teacher's
// distinct "success" channel.
func Success(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Infof("%s%s%s", ColorGreen, fmt.Sprintf(format, args...), ColorReset)
}

// Fatal logs and exits the process, for startup-time failures only
// (socket bind failure, missing bootstrap args).
func Fatal(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Fatalf(format, args...)
}

// Section prints a section header directly to stdout, bypassing the
// structured logger — purely decorative.
func Section(title string) {
	border := "───────────────────────────────────────────"
	fmt.Printf("\n%s┌%s┐%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s│%s %-43s %s│%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s└%s┘%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the startup banner.
func Banner(title, version string) {
	fmt.Printf("%s%s%s — version %s\n", ColorCyan, title, ColorReset, version)
}
