// Package logging builds the structured logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// New returns a logger entry tagged with the node name. An unparsable level
// falls back to info.
func New(logLevel string, node string) *logrus.Entry {
	return NewWithOutput(logLevel, node, os.Stderr)
}

// NewWithOutput is New writing to out.
func NewWithOutput(logLevel string, node string, out io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.Out = out

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logger.WithError(err).Error("Error parsing log level, using: info")
		level = logrus.InfoLevel
	}

	logger.Level = level
	logger.SetReportCaller(true)
	logger.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return fmt.Sprintf("%s()", filepath.Base(f.Function)), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	}

	return logrus.NewEntry(logger).WithField("node", node)
}

// Discard returns an entry that drops everything, for tests and embedded use.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}
