package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// LogAdapter bridges the Temporal SDK's keyval logger onto zerolog.
type LogAdapter struct {
	logger zerolog.Logger
}

func NewLogAdapter(logger zerolog.Logger) log.Logger {
	return &LogAdapter{
		logger: logger.With().Str("component", "temporal-sdk").Logger(),
	}
}

func (a *LogAdapter) event(event *zerolog.Event, msg string, keyvals ...interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "arg"
		}
		event = event.Interface(key, keyvals[i+1])
	}
	event.Msg(msg)
}

func (a *LogAdapter) Debug(msg string, keyvals ...interface{}) {
	a.event(a.logger.Debug(), msg, keyvals...)
}

func (a *LogAdapter) Info(msg string, keyvals ...interface{}) {
	a.event(a.logger.Info(), msg, keyvals...)
}

func (a *LogAdapter) Warn(msg string, keyvals ...interface{}) {
	a.event(a.logger.Warn(), msg, keyvals...)
}

func (a *LogAdapter) Error(msg string, keyvals ...interface{}) {
	a.event(a.logger.Error(), msg, keyvals...)
}
