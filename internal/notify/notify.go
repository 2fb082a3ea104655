// Package notify fans committed ledger events out to logs and message brokers.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/metrics"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// Sink is one destination for ledger events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev model.Event) error
}

// Multi publishes every event to all of its sinks. A failing sink does not stop
// delivery to the rest; the failures are joined into the returned error.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range m.sinks {
		labels := map[string]string{"sink": s.Name(), "status": "ok"}
		if err := s.Publish(ctx, ev); err != nil {
			labels["status"] = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		metrics.Default().Inc("quorum_events_published_total", labels)
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Log writes each event as a structured log entry.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, ev model.Event) error {
	fields := logrus.Fields{
		"event_id": ev.ID,
		"event":    ev.Type,
	}
	if ev.SessionID != 0 {
		fields["session_id"] = ev.SessionID
	}
	if ev.InstanceID != 0 {
		fields["instance_id"] = ev.InstanceID
	}
	if ev.Account != "" {
		fields["account"] = ev.Account
	}
	if ev.Amount != 0 {
		fields["amount"] = ev.Amount
	}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	l.log.WithFields(fields).Info("ledger event")
	return nil
}
