package turnevents

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type zerologAdapter struct {
	logger zerolog.Logger
	fields watermill.LogFields
}

// NewLogger routes watermill's logging into zerolog.
func NewLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{logger: l}
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.write(a.logger.Error().Err(err), fields, msg)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.write(a.logger.Info(), fields, msg)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.write(a.logger.Debug(), fields, msg)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.write(a.logger.Trace(), fields, msg)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zerologAdapter{logger: a.logger, fields: a.fields.Add(fields)}
}

func (a *zerologAdapter) write(ev *zerolog.Event, fields watermill.LogFields, msg string) {
	for k, v := range a.fields.Add(fields) {
		ev = ev.Interface(k, v)
	}
	ev.Str("component", "watermill").Msg(msg)
}
