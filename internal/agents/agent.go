// Package agents provides the shared runtime every agent runs on: bus
// subscriptions, the drain/cycle loop, heartbeats, control-command
// interception, and error accounting.
package agents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/controlplane/internal/bus"
)

// Agent is the contract a concrete agent implements. The runtime drives
// the loop; the agent supplies domain behaviour through these hooks.
type Agent interface {
	// Name is the unique agent ID on the bus.
	Name() string
	// Type is the agent class (meta, risk, execution, ...).
	Type() string
	// Subjects lists the subjects to subscribe beyond the always-on
	// control and heartbeat subscriptions.
	Subjects() []bus.Subject
	// CycleInterval is the periodic tick spacing, 100ms to 5s.
	CycleInterval() time.Duration

	// OnStart runs after subscriptions are established. The publisher
	// remains valid until OnStop returns.
	OnStart(ctx context.Context, pub Publisher) error
	// OnStop runs as the main loop exits.
	OnStop(ctx context.Context) error
	// OnPause and OnResume bracket the paused state.
	OnPause()
	OnResume()

	// HandleMessage processes one drained message. Control commands the
	// runtime owns (pause/resume/shutdown) are intercepted before this
	// is called.
	HandleMessage(ctx context.Context, msg *bus.Message) error
	// Cycle is the periodic tick.
	Cycle(ctx context.Context) error
}

// Publisher is the surface agents publish through. It enforces the pause
// contract: a paused agent cannot emit on output subjects.
type Publisher interface {
	// Publish sends a payload on the subject with a fresh correlation.
	Publish(ctx context.Context, subject bus.Subject, payload interface{}) error
	// PublishCorrelated threads the payload onto an existing lineage.
	PublishCorrelated(ctx context.Context, subject bus.Subject, payload interface{}, correlationID uuid.UUID) error
	// Paused reports whether the agent is currently paused.
	Paused() bool
}
