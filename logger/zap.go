package logger

import (
	"go.uber.org/zap"

	"emberdb"
)

// Zap wraps a zap.Logger to implement emberdb.Logger. The sugared logger
// is built once at construction rather than on every call, since Sugar()
// wraps the base logger in a new struct each time it's called.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates an emberdb.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) emberdb.Logger {
	return &Zap{sugar: logger.Sugar()}
}

// Error logs an error message with key-value pairs.
func (z *Zap) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, args...)
}

// Warn logs a warning message with key-value pairs.
func (z *Zap) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, args...)
}

// Info logs an info message with key-value pairs.
func (z *Zap) Info(msg string, args ...any) {
	z.sugar.Infow(msg, args...)
}
