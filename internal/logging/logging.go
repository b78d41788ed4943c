// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies format ("text" or "json") and level to the standard logger.
// Unknown levels fall back to info.
func Setup(level, format string) {
	switch strings.ToLower(format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	logrus.WithField("level", lvl.String()).Debug("logging configured")
}

// Component returns an entry tagged with the component name
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
