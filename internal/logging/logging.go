// Package logging wires the engine's LogLevel concept to logrus, the way
// the rest of the retrieval pack threads a structured logger through its
// probe/reconcile/apply paths rather than calling fmt directly.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level mirrors the external LogLevel enum.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Setup configures the package-global logrus logger from a Level string,
// returning an error for an unrecognized level rather than silently
// defaulting, since a typo'd --log-level should fail fast.
func Setup(level string) error {
	lvl, err := parse(Level(level))
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)
	return nil
}

func parse(l Level) (logrus.Level, error) {
	switch Level(strings.ToUpper(string(l))) {
	case LevelTrace:
		return logrus.TraceLevel, nil
	case LevelDebug:
		return logrus.DebugLevel, nil
	case LevelInfo, "":
		return logrus.InfoLevel, nil
	case LevelWarn:
		return logrus.WarnLevel, nil
	case LevelError:
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unrecognized log level %q", l)
	}
}
