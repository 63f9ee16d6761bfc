// Package log sets up the logrus loggers shared by the whole process.
// Everything is logged to stderr; stdout belongs to the command output.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the timestamp layout of both log formats.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Loggers lists the loggers Configure is usually applied to.
var Loggers = []*logrus.Logger{logrus.StandardLogger()}

func init() {
	// Configuration is loaded late, anything logged before that must not
	// end up on stdout either.
	for _, l := range Loggers {
		l.SetOutput(os.Stderr)
	}
}

// Configure applies format and level to loggers. An empty format leaves
// the formatters alone and a level logrus does not know means info.
func Configure(loggers []*logrus.Logger, format, level string) error {
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		l.SetLevel(logrusLevel)
		if formatter != nil {
			l.Formatter = formatter
		}
	}

	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "":
		return nil, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: TimestampFormat}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: TimestampFormat}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// Default returns an entry of the standard logger tagged with the pid.
func Default() *logrus.Entry {
	return logrus.StandardLogger().WithField("pid", os.Getpid())
}
