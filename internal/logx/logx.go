// Package logx provides the single shared structured logger used across the
// agent and the self-upgrader. Every component logs through the entry
// returned by Logger rather than the standard library's log package.
package logx

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu    sync.Mutex
	entry *logrus.Entry
)

func init() {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
	entry = logrus.NewEntry(base)
}

// Logger returns the shared log entry. Safe for concurrent use.
func Logger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return entry
}

// SetLevel adjusts the shared logger's verbosity, typically from config.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	entry.Logger.SetLevel(lvl)
	return nil
}

// SetJSON switches the shared logger to JSON output, used by deployments
// that ship logs to a collector instead of a terminal.
func SetJSON(json bool) {
	mu.Lock()
	defer mu.Unlock()
	if json {
		entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		entry.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// With returns a derived entry carrying the given component field, the
// convention every package in this module uses to tag its log lines.
func With(component string) *logrus.Entry {
	return Logger().WithField("component", component)
}
