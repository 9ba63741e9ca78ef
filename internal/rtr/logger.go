package rtr

import "github.com/rs/zerolog"

// logAdapter adapts the RTR client's logger to rtrlib.Logger, exactly
// mirroring stages/rpki/logger.go.
type logAdapter struct {
	zerolog.Logger
}

func (l *logAdapter) Printf(format string, args ...any) {
	l.Debug().Msgf(format, args...)
}

func (l *logAdapter) Debugf(format string, args ...any) {
	l.Debug().Msgf(format, args...)
}

func (l *logAdapter) Infof(format string, args ...any) {
	l.Info().Msgf(format, args...)
}

func (l *logAdapter) Warnf(format string, args ...any) {
	l.Warn().Msgf(format, args...)
}

func (l *logAdapter) Errorf(format string, args ...any) {
	l.Error().Msgf(format, args...)
}
