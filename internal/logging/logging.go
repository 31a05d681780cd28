// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options controls logger initialisation
type Options struct {
	// Level is a logrus level name; empty means info.
	Level string
	// Verbose forces debug level.
	Verbose bool
	// Format is "text" or "json".
	Format string
	// ReportCaller adds file:line to each entry.
	ReportCaller bool
	// Output defaults to stderr.
	Output io.Writer
}

// Init applies options to the standard logger.
func Init(options Options) error {
	level := logrus.InfoLevel
	if options.Level != "" {
		l, err := logrus.ParseLevel(options.Level)
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		level = l
	}
	if options.Verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	logrus.SetReportCaller(options.ReportCaller)

	switch options.Format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("failed to init logger: unknown format %q", options.Format)
	}

	out := options.Output
	if out == nil {
		out = os.Stderr
	}
	logrus.SetOutput(out)
	return nil
}

// Discard returns an entry that drops everything, for tests and library use
// without a configured logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
