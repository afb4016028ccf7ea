package media

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// loggerFactory sends pion's internal logging to the shared pterm logger,
// tagged with the pion subsystem that produced it.
type loggerFactory struct {
	log *pterm.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log, scope: scope}
}

type leveledLogger struct {
	log   *pterm.Logger
	scope string
}

func (l *leveledLogger) args() []pterm.LoggerArgument {
	return l.log.Args("pion", l.scope)
}

func (l *leveledLogger) Trace(msg string) { l.log.Trace(msg, l.args()) }
func (l *leveledLogger) Debug(msg string) { l.log.Debug(msg, l.args()) }
func (l *leveledLogger) Info(msg string)  { l.log.Info(msg, l.args()) }
func (l *leveledLogger) Warn(msg string)  { l.log.Warn(msg, l.args()) }
func (l *leveledLogger) Error(msg string) { l.log.Error(msg, l.args()) }

func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
