package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal logs into the pterm logger so
// transport diagnostics share one output with the agent. Trace and Debug
// lines only show up after EnableDebug.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) prefix(msg string) string { return "[pion/" + l.scope + "] " + msg }

func (l pionLogger) Trace(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// pion reports routine ICE churn at Info; keep it out of the default view.
func (l pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
