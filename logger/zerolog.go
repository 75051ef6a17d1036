// Package logger contains implementations of [fortlib.Logger].
package logger

import (
	"fmt"
	"strings"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/rs/zerolog"
)

type zeroLogContext struct {
	log   zerolog.Logger
	names []string
}

func (z zeroLogContext) Named(name string) fortlib.Logger {
	names := make([]string, 0, len(z.names)+1)
	names = append(names, z.names...)
	names = append(names, name)

	return zeroLogContext{
		log:   z.log,
		names: names,
	}
}

func (z zeroLogContext) BindInt(name string, value int) fortlib.Logger {
	return zeroLogContext{
		log:   z.log.With().Int(name, value).Logger(),
		names: z.names,
	}
}

func (z zeroLogContext) BindStr(name, value string) fortlib.Logger {
	return zeroLogContext{
		log:   z.log.With().Str(name, value).Logger(),
		names: z.names,
	}
}

func (z zeroLogContext) BindJSON(name, value string) fortlib.Logger {
	return zeroLogContext{
		log:   z.log.With().RawJSON(name, []byte(value)).Logger(),
		names: z.names,
	}
}

func (z zeroLogContext) Printf(format string, args ...any) {
	z.Debug(fmt.Sprintf(format, args...))
}

func (z zeroLogContext) Info(msg string) {
	z.emit(z.log.Info(), msg, nil)
}

func (z zeroLogContext) Warning(msg string) {
	z.emit(z.log.Warn(), msg, nil)
}

func (z zeroLogContext) Debug(msg string) {
	z.emit(z.log.Debug(), msg, nil)
}

func (z zeroLogContext) InfoError(msg string, err error) {
	z.emit(z.log.Info(), msg, err)
}

func (z zeroLogContext) WarningError(msg string, err error) {
	z.emit(z.log.Warn(), msg, err)
}

func (z zeroLogContext) DebugError(msg string, err error) {
	z.emit(z.log.Debug(), msg, err)
}

func (z zeroLogContext) emit(evt *zerolog.Event, msg string, err error) {
	if len(z.names) > 0 {
		evt = evt.Str("logger", strings.Join(z.names, "."))
	}

	if err != nil {
		evt = evt.Err(err)
	}

	evt.Msg(msg)
}

// NewZeroLogger returns a logger which uses zerolog as a backend.
func NewZeroLogger(log zerolog.Logger) fortlib.Logger {
	return zeroLogContext{
		log: log,
	}
}
