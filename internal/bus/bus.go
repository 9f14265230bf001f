// Package bus provides the broadcast transport that connects all agents.
//
// Two implementations share one contract: an in-process broker with bounded
// per-subscriber buffers (the default for single-process deployments) and a
// NATS-backed transport for multi-process deployments. Delivery is
// at-least-once with per-subject FIFO to each subscriber; handlers must be
// idempotent on message ID.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subject identifies a broadcast channel on the bus.
type Subject string

const (
	SubjectMarketData   Subject = "market_data"
	SubjectSignals      Subject = "signals"
	SubjectRiskCheck    Subject = "risk_check"
	SubjectRiskApproved Subject = "risk_approved"
	SubjectRiskRejected Subject = "risk_rejected"
	SubjectExecution    Subject = "execution"
	SubjectFills        Subject = "fills"
	SubjectHeartbeat    Subject = "heartbeat"
	SubjectControl      Subject = "control"
	SubjectAlerts       Subject = "alerts"
)

// AllSubjects lists every subject the bus carries.
var AllSubjects = []Subject{
	SubjectMarketData,
	SubjectSignals,
	SubjectRiskCheck,
	SubjectRiskApproved,
	SubjectRiskRejected,
	SubjectExecution,
	SubjectFills,
	SubjectHeartbeat,
	SubjectControl,
	SubjectAlerts,
}

// Critical reports whether messages on the subject may never be dropped.
// A full subscriber buffer blocks the publisher for critical subjects;
// non-critical subjects evict the oldest message instead.
func Critical(s Subject) bool {
	switch s {
	case SubjectControl, SubjectRiskCheck, SubjectRiskApproved, SubjectRiskRejected, SubjectFills:
		return true
	}
	return false
}

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus: closed")

// Message is the envelope every bus payload travels in. Messages are
// immutable once published; each subscriber receives an independent copy
// of the pointer and must not mutate it.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source_agent"`
	Target        string          `json:"target_agent,omitempty"`
	Subject       Subject         `json:"channel"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
}

// New creates a message with a fresh ID and correlation ID.
func New(source string, subject Subject, payload interface{}) (*Message, error) {
	return NewCorrelated(source, subject, payload, uuid.New())
}

// NewCorrelated creates a message threaded onto an existing correlation.
// The intent -> approval -> fill lineage shares one correlation ID.
func NewCorrelated(source string, subject Subject, payload interface{}, correlationID uuid.UUID) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Message{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Subject:       subject,
		Payload:       data,
		CorrelationID: correlationID,
	}, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Subject, err)
	}
	return nil
}

// Bus is the broadcast transport contract shared by all implementations.
type Bus interface {
	// Publish delivers the message to every current subscriber of its
	// subject. For critical subjects a full subscriber buffer blocks
	// until space frees or ctx is cancelled.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a new subscriber for the subject. Each
	// subscriber receives its own copy of every message published after
	// the subscription is created, in publish order.
	Subscribe(subject Subject) (*Subscription, error)

	// Close shuts the bus down. Idempotent.
	Close() error
}

// Subscription is one subscriber's view of a subject.
type Subscription struct {
	subject Subject
	ch      chan *Message
	cancel  func()
	dropped func() uint64
}

// C returns the delivery channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) C() <-chan *Message { return s.ch }

// Subject returns the subject this subscription listens on.
func (s *Subscription) Subject() Subject { return s.subject }

// Unsubscribe cancels the subscription. Idempotent; after return no
// further messages are delivered.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Dropped returns the number of non-critical messages evicted from this
// subscriber's buffer because it was full.
func (s *Subscription) Dropped() uint64 {
	if s.dropped == nil {
		return 0
	}
	return s.dropped()
}
