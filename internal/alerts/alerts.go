// Package alerts fans operational alerts out to configured sinks and onto
// the alerts bus subject, where the meta-decision agent counts critical
// events as a system-stress input.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/types"
)

// Alerter is one alert sink.
type Alerter interface {
	Send(ctx context.Context, alert types.AlertEvent) error
}

// Manager fans alerts out to every configured sink.
type Manager struct {
	alerters []Alerter
}

// NewManager creates an alert manager.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert to all sinks, returning the last error.
func (m *Manager) Send(ctx context.Context, alert types.AlertEvent) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// Critical sends a critical-severity alert.
func (m *Manager) Critical(ctx context.Context, source, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, types.AlertEvent{
		Severity: types.AlertCritical,
		Title:    title,
		Message:  message,
		Source:   source,
		Metadata: metadata,
	})
}

// Warning sends a warning-severity alert.
func (m *Manager) Warning(ctx context.Context, source, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, types.AlertEvent{
		Severity: types.AlertWarning,
		Title:    title,
		Message:  message,
		Source:   source,
		Metadata: metadata,
	})
}

// Info sends an info-severity alert.
func (m *Manager) Info(ctx context.Context, source, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, types.AlertEvent{
		Severity: types.AlertInfo,
		Title:    title,
		Message:  message,
		Source:   source,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog.
type LogAlerter struct{}

// NewLogAlerter creates a log-based alerter.
func NewLogAlerter() *LogAlerter { return &LogAlerter{} }

// Send logs the alert at a level matching its severity.
func (l *LogAlerter) Send(ctx context.Context, alert types.AlertEvent) error {
	event := log.Info()
	switch alert.Severity {
	case types.AlertCritical:
		event = log.Error()
	case types.AlertWarning:
		event = log.Warn()
	}
	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("source", alert.Source).
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title).
		Msg(alert.Message)
	return nil
}

// BusAlerter publishes alerts on the alerts subject.
type BusAlerter struct {
	bus bus.Bus
}

// NewBusAlerter creates a bus-backed alerter.
func NewBusAlerter(b bus.Bus) *BusAlerter { return &BusAlerter{bus: b} }

// Send publishes the alert event.
func (b *BusAlerter) Send(ctx context.Context, alert types.AlertEvent) error {
	msg, err := bus.New(alert.Source, bus.SubjectAlerts, alert)
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, msg)
}
