package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/lifecycle"
	"github.com/quantfabric/controlplane/internal/types"
)

// BridgeID is the bridge agent's bus identity.
const BridgeID = "signal-bridge"

// Bridge forwards externally produced intents from the signals subject
// onto the risk queue, validating the schema and the strategy's right to
// trade on the way through. Strategy plug-ins that cannot host their own
// agent publish through it.
type Bridge struct {
	lifecycle *lifecycle.Manager
	paper     bool
	log       zerolog.Logger
	pub       agents.Publisher

	forwarded map[string]bool
}

// NewBridge creates the bridge agent. lm may be nil.
func NewBridge(lm *lifecycle.Manager, paperMode bool, log zerolog.Logger) *Bridge {
	return &Bridge{
		lifecycle: lm,
		paper:     paperMode,
		log:       log.With().Str("agent_id", BridgeID).Logger(),
		forwarded: make(map[string]bool),
	}
}

func (b *Bridge) Name() string { return BridgeID }
func (b *Bridge) Type() string { return "signal_bridge" }

func (b *Bridge) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectSignals}
}

func (b *Bridge) CycleInterval() time.Duration { return 5 * time.Second }

func (b *Bridge) OnStart(ctx context.Context, pub agents.Publisher) error {
	b.pub = pub
	return nil
}

func (b *Bridge) OnStop(ctx context.Context) error { return nil }
func (b *Bridge) OnPause()                         {}
func (b *Bridge) OnResume()                        {}

func (b *Bridge) HandleMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Subject != bus.SubjectSignals {
		return nil
	}
	// The built-in agents publish to both subjects themselves; only
	// forward what has not already reached the risk queue.
	if msg.Source == StrategyID || b.forwarded[msg.ID.String()] {
		return nil
	}

	var intent types.TradeIntent
	if err := msg.Decode(&intent); err != nil {
		return err
	}
	if err := intent.Validate(); err != nil {
		b.log.Debug().Err(err).Str("source", msg.Source).Msg("Dropping invalid intent")
		return nil
	}
	if b.lifecycle != nil {
		b.lifecycle.Register(intent.StrategyID)
		if !b.lifecycle.CanTrade(intent.StrategyID, b.paper) {
			b.log.Debug().
				Str("strategy", intent.StrategyID).
				Msg("Dropping intent from strategy not cleared to trade")
			return nil
		}
	}

	b.forwarded[msg.ID.String()] = true
	return b.pub.PublishCorrelated(ctx, bus.SubjectRiskCheck, &intent, msg.CorrelationID)
}

func (b *Bridge) Cycle(ctx context.Context) error { return nil }
