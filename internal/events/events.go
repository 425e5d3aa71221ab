package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pipeline event names emitted toward the observability sink.
const (
	EventJobClaimed    = "job_claimed"
	EventJobReclaimed  = "job_reclaimed"
	EventPushAttempted = "push_attempted"
	EventPushOutcome   = "push_outcome"
	EventBreakerOpened = "breaker_opened"
	EventBreakerClosed = "breaker_closed"
	EventCycleSkipped  = "cycle_skipped"
)

// Event is a structured key-value record describing one pipeline
// occurrence. The format is deliberately flat; sinks decide how to index it.
type Event struct {
	Name   string            `json:"name"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Emitter delivers events to an external sink. Emission is best effort and
// never blocks the pipeline on sink failure.
type Emitter interface {
	Emit(ctx context.Context, event Event)
	Close() error
}

var _ Emitter = (*ZapEmitter)(nil)

// ZapEmitter writes events to the structured log.
type ZapEmitter struct {
	logger *zap.Logger
}

func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

func (e *ZapEmitter) Emit(_ context.Context, event Event) {
	fields := make([]zap.Field, 0, len(event.Fields)+1)
	fields = append(fields, zap.Time("eventAt", event.At))
	for key, value := range event.Fields {
		fields = append(fields, zap.String(key, value))
	}
	e.logger.Info(event.Name, fields...)
}

func (e *ZapEmitter) Close() error { return nil }

var _ Emitter = (MultiEmitter)(nil)

// MultiEmitter fans one event out to several sinks.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, emitter := range m {
		emitter.Emit(ctx, event)
	}
}

func (m MultiEmitter) Close() error {
	var firstErr error
	for _, emitter := range m {
		if err := emitter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
