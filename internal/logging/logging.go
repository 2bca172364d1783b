// Package logging configures the process-wide logrus logger. Binaries call
// Setup once in main; packages then log through entries carrying a
// component prefix field.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Setup applies the standard text format and the requested level to the
// global logger. An unparseable level falls back to info with a warning.
func Setup(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
