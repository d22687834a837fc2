// Package logger provides named loggers that share a single output handler.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/log"
)

var handler log.Handler

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
	SetLevel(log.INFO)
}

// SetHandler changes the global logging handler.
func SetHandler(h log.Handler) {
	handler = h
	handler.SetFormatter(logFormatter{})
}

// SetLevel sets the logging level on the global handler.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

// ParseLevel converts a level name like "debug" or "error" to a log.Level.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return log.DEBUG, nil
	case "info":
		return log.INFO, nil
	case "notice":
		return log.NOTICE, nil
	case "warning":
		return log.WARNING, nil
	case "error":
		return log.ERROR, nil
	}
	return log.INFO, fmt.Errorf("unknown log level: %q", s)
}

var (
	mComponents sync.RWMutex
	components  = make(map[string]log.Level)
)

// SetLevels parses a level list like "info,rpc server=warning,routing table=error".
// The first item without a name is the level of the handler. Named items set the level of
// loggers whose name starts with that prefix, so noisy components can be made quieter than
// the rest. Named levels apply to loggers created after the call.
func SetLevels(s string) error {
	global := log.INFO
	named := make(map[string]log.Level)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		l, err := ParseLevel(strings.TrimSpace(value))
		if !ok {
			l, err = ParseLevel(name)
		}
		if err != nil {
			return err
		}
		if !ok {
			global = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("missing component name in %q", item)
		}
		named[name] = l
	}
	SetLevel(global)
	mComponents.Lock()
	components = named
	mComponents.Unlock()
	return nil
}

// componentLevel returns the level set for the longest matching prefix of name.
func componentLevel(name string) log.Level {
	mComponents.RLock()
	defer mComponents.RUnlock()
	level, longest := log.DEBUG, -1
	for prefix, l := range components {
		if len(prefix) > longest && strings.HasPrefix(name, prefix) {
			level, longest = l, len(prefix)
		}
	}
	return level
}

// Logger is for logging messages from inside of the program in various logging levels.
type Logger log.Logger

// New returns a new Logger with a name like "dht ipv4" or "rpc server 0.0.0.0:49001".
// Log messages are prefixed with this name by the default Handler.
func New(name string) Logger {
	logger := log.NewLogger(name)
	logger.SetLevel(componentLevel(name))
	logger.SetHandler(handler)
	return logger
}

type logFormatter struct{}

// Format outputs a message like "2014-02-28 18:15:57 INFO     [dht ipv4] bootstrap.go:42 bootstrapping"
func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %-8s %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
