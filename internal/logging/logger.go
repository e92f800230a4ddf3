package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("SATPOS_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Per-component loggers. Each subsystem logs through its own entry so lines
// stay greppable by component.
var (
	Rates    = root.WithField("component", "rates")
	LNURL    = root.WithField("component", "lnurl")
	Payments = root.WithField("component", "payments")
	Store    = root.WithField("component", "store")
	HTTP     = root.WithField("component", "http")
	Internal = root.WithField("component", "internal")
)

// SetLevel adjusts verbosity for all component loggers at once.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}
