// Package notify delivers user-facing notifications. Delivery is fire-and-forget:
// a sink failure never affects the sync outcome.
package notify

import (
	"go.uber.org/zap"
)

// Sink shows a message to the user.
type Sink interface {
	Notify(message string, fields map[string]any)
}

// Func adapts a plain function to Sink.
type Func func(message string, fields map[string]any)

func (f Func) Notify(message string, fields map[string]any) { f(message, fields) }

// ZapSink writes notifications to the log.
type ZapSink struct{ Log *zap.Logger }

func (s ZapSink) Notify(message string, fields map[string]any) {
	if s.Log == nil {
		return
	}
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	s.Log.Info(message, zf...)
}

// Multi forwards to every sink in order.
type Multi []Sink

func (m Multi) Notify(message string, fields map[string]any) {
	for _, s := range m {
		s.Notify(message, fields)
	}
}

// Safe wraps s so that a panicking sink is logged and swallowed.
func Safe(s Sink, log *zap.Logger) Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return safeSink{inner: s, log: log}
}

type safeSink struct {
	inner Sink
	log   *zap.Logger
}

func (s safeSink) Notify(message string, fields map[string]any) {
	if s.inner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("notification sink panic", zap.String("message", message), zap.Any("panic", r))
		}
	}()
	s.inner.Notify(message, fields)
}
