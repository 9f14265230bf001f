package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/types"
)

// ErrPaused is returned by Publish when a paused agent attempts to emit
// on an output subject.
var ErrPaused = errors.New("agent paused")

// ErrStopped is returned by Run when the runtime was stopped via Stop,
// as opposed to a shutdown command or context cancellation. The
// supervisor uses Stop to force a restart.
var ErrStopped = errors.New("runtime stopped")

// outputSubjects are the subjects a paused agent may not publish on.
var outputSubjects = map[bus.Subject]bool{
	bus.SubjectSignals:      true,
	bus.SubjectRiskCheck:    true,
	bus.SubjectRiskApproved: true,
	bus.SubjectExecution:    true,
	bus.SubjectFills:        true,
}

// RuntimeConfig tunes the shared agent runtime.
type RuntimeConfig struct {
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	ErrorThreshold    int
	ErrorWindow       time.Duration
}

// DefaultRuntimeConfig returns the default runtime tuning.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		HeartbeatInterval: 5 * time.Second,
		DrainTimeout:      100 * time.Millisecond,
		ErrorThreshold:    5,
		ErrorWindow:       time.Minute,
	}
}

// reconnector is implemented by bus transports that can lose and regain
// their connection (the NATS transport).
type reconnector interface {
	ReconnectC() <-chan struct{}
}

// Runtime drives one agent: it owns the subscriptions, the drain/cycle
// loop, the heartbeat task, and the error accounting the supervisor
// restarts on.
type Runtime struct {
	agent  Agent
	bus    bus.Bus
	cfg    RuntimeConfig
	log    zerolog.Logger
	alerts *alerts.Manager

	subs  []*bus.Subscription
	inbox chan *bus.Message

	paused atomic.Bool
	status atomic.Value // types.AgentStatus

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	errorCount       atomic.Uint64

	errMu      sync.Mutex
	errorTimes []time.Time

	stopOnce sync.Once
	stopC    chan struct{}
	wg       sync.WaitGroup

	metrics *runtimeMetrics
}

// NewRuntime wraps an agent in a runtime.
func NewRuntime(agent Agent, b bus.Bus, cfg RuntimeConfig, am *alerts.Manager, log zerolog.Logger) *Runtime {
	r := &Runtime{
		agent:   agent,
		bus:     b,
		cfg:     cfg,
		log:     log.With().Str("agent_id", agent.Name()).Str("agent_type", agent.Type()).Logger(),
		alerts:  am,
		inbox:   make(chan *bus.Message),
		stopC:   make(chan struct{}),
		metrics: getRuntimeMetrics(),
	}
	r.status.Store(types.StatusStarting)
	return r
}

// Status returns the runtime's current lifecycle status.
func (r *Runtime) Status() types.AgentStatus {
	return r.status.Load().(types.AgentStatus)
}

// Paused reports whether the agent is paused.
func (r *Runtime) Paused() bool { return r.paused.Load() }

// Errors returns the total error count.
func (r *Runtime) Errors() uint64 { return r.errorCount.Load() }

// Unhealthy reports whether the error threshold has been exceeded within
// the error window. The supervisor restarts unhealthy agents.
func (r *Runtime) Unhealthy() bool {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	cutoff := time.Now().Add(-r.cfg.ErrorWindow)
	n := 0
	for _, t := range r.errorTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n > r.cfg.ErrorThreshold
}

// Publish sends a payload on the subject under the agent's identity.
func (r *Runtime) Publish(ctx context.Context, subject bus.Subject, payload interface{}) error {
	return r.PublishCorrelated(ctx, subject, payload, uuid.New())
}

// PublishCorrelated sends a payload threaded onto an existing
// correlation. Paused agents are refused on output subjects.
func (r *Runtime) PublishCorrelated(ctx context.Context, subject bus.Subject, payload interface{}, correlationID uuid.UUID) error {
	if r.paused.Load() && outputSubjects[subject] {
		return ErrPaused
	}
	msg, err := bus.NewCorrelated(r.agent.Name(), subject, payload, correlationID)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		return err
	}
	r.messagesSent.Add(1)
	r.metrics.MessagesSent.WithLabelValues(r.agent.Name()).Inc()
	return nil
}

// Run executes the agent until ctx is cancelled or a shutdown command
// arrives. It returns the error that ended the run, nil on a clean stop.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info().Msg("Starting agent")

	if err := r.subscribe(); err != nil {
		return fmt.Errorf("agent %s: %w", r.agent.Name(), err)
	}
	defer r.unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.agent.OnStart(runCtx, r); err != nil {
		return fmt.Errorf("agent %s on_start: %w", r.agent.Name(), err)
	}

	r.status.Store(types.StatusRunning)
	r.metrics.AgentStatus.WithLabelValues(r.agent.Name()).Set(1)

	r.wg.Add(1)
	go r.heartbeatLoop(runCtx)

	r.wg.Add(1)
	go r.fanIn(runCtx)

	err := r.loop(runCtx)

	cancel()
	r.status.Store(types.StatusStopped)
	r.metrics.AgentStatus.WithLabelValues(r.agent.Name()).Set(0)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if stopErr := r.agent.OnStop(stopCtx); stopErr != nil {
		r.log.Error().Err(stopErr).Msg("Error in on_stop")
	}

	r.wg.Wait()
	r.log.Info().Msg("Agent stopped")
	return err
}

// Stop requests a cooperative stop, as if a shutdown command arrived.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopC) })
}

func (r *Runtime) subscribe() error {
	subjects := append([]bus.Subject{}, r.agent.Subjects()...)
	// Always-on subscriptions.
	subjects = append(subjects, bus.SubjectControl, bus.SubjectHeartbeat)

	seen := make(map[bus.Subject]bool)
	for _, subject := range subjects {
		if seen[subject] {
			continue
		}
		seen[subject] = true
		sub, err := r.bus.Subscribe(subject)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Runtime) unsubscribe() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// fanIn forwards messages from every subscription into the single inbox
// the main loop drains. One forwarder per subscription preserves
// per-subject FIFO; forwarding blocks, so backpressure stays in the
// per-subscriber buffers.
func (r *Runtime) fanIn(ctx context.Context) {
	defer r.wg.Done()
	var forwarders sync.WaitGroup
	for _, sub := range r.subs {
		forwarders.Add(1)
		go func(sub *bus.Subscription) {
			defer forwarders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub.C():
					if !ok {
						return
					}
					select {
					case r.inbox <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	forwarders.Wait()
}

// loop interleaves message draining (bounded by the drain timeout) with
// the agent's periodic cycle.
func (r *Runtime) loop(ctx context.Context) error {
	interval := r.agent.CycleInterval()
	if interval <= 0 {
		interval = time.Second
	}
	cycle := time.NewTicker(interval)
	defer cycle.Stop()

	drain := time.NewTimer(r.cfg.DrainTimeout)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopC:
			return ErrStopped
		case msg := <-r.inbox:
			if shutdown := r.dispatch(ctx, msg); shutdown {
				return nil
			}
		case <-cycle.C:
			r.runCycle(ctx)
		case <-drain.C:
			// Idle tick so a quiet bus never starves the loop.
		}
		if !drain.Stop() {
			select {
			case <-drain.C:
			default:
			}
		}
		drain.Reset(r.cfg.DrainTimeout)
	}
}

// dispatch routes one drained message, intercepting runtime-owned control
// commands. Returns true when the agent must shut down.
func (r *Runtime) dispatch(ctx context.Context, msg *bus.Message) bool {
	r.messagesReceived.Add(1)
	r.metrics.MessagesReceived.WithLabelValues(r.agent.Name()).Inc()

	if msg.Subject == bus.SubjectControl {
		var cmd types.ControlCommand
		if err := msg.Decode(&cmd); err != nil {
			r.recordError(ctx, fmt.Errorf("invalid control message: %w", err))
			return false
		}
		if !cmd.AppliesTo(r.agent.Name()) {
			return false
		}
		switch cmd.Command {
		case types.CommandPause:
			if !r.paused.Swap(true) {
				r.status.Store(types.StatusPaused)
				r.agent.OnPause()
				r.log.Info().Str("reason", cmd.Reason).Msg("Agent paused")
			}
			return false
		case types.CommandResume:
			if r.paused.Swap(false) {
				r.status.Store(types.StatusRunning)
				r.agent.OnResume()
				r.log.Info().Msg("Agent resumed")
			}
			return false
		case types.CommandShutdown:
			r.log.Info().Msg("Shutdown command received")
			return true
		}
		// Remaining commands (meta_decision, capital_allocation,
		// kill_switch, cancel...) are domain traffic.
	}

	// While paused, control and heartbeat stay drained; everything else
	// is still delivered so agents keep their state warm, but output
	// publishes are refused by PublishCorrelated.
	r.handle(ctx, msg)
	return false
}

// handle invokes the agent handler with panic containment.
func (r *Runtime) handle(ctx context.Context, msg *bus.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.recordError(ctx, fmt.Errorf("panic in handle_message: %v", rec))
		}
	}()
	if err := r.agent.HandleMessage(ctx, msg); err != nil && !errors.Is(err, ErrPaused) {
		r.recordError(ctx, err)
	}
}

// runCycle invokes the periodic tick with panic containment. Paused
// agents skip the tick entirely.
func (r *Runtime) runCycle(ctx context.Context) {
	if r.paused.Load() {
		return
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.recordError(ctx, fmt.Errorf("panic in cycle: %v", rec))
		}
		r.metrics.CycleDuration.WithLabelValues(r.agent.Name()).Observe(time.Since(start).Seconds())
		r.metrics.CyclesTotal.WithLabelValues(r.agent.Name()).Inc()
	}()
	if err := r.agent.Cycle(ctx); err != nil && !errors.Is(err, ErrPaused) {
		r.recordError(ctx, err)
	}
}

// recordError counts an error, keeps the sliding window the supervisor
// inspects, and raises a critical alert. The loop keeps running.
func (r *Runtime) recordError(ctx context.Context, err error) {
	r.errorCount.Add(1)
	r.metrics.Errors.WithLabelValues(r.agent.Name()).Inc()

	now := time.Now()
	r.errMu.Lock()
	cutoff := now.Add(-r.cfg.ErrorWindow)
	kept := r.errorTimes[:0]
	for _, t := range r.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.errorTimes = append(kept, now)
	r.errMu.Unlock()

	r.log.Error().Err(err).Msg("Agent handler error")
	if r.alerts != nil {
		_ = r.alerts.Critical(ctx, r.agent.Name(), "agent_error", err.Error(), nil)
	}
}

// heartbeatLoop publishes liveness every heartbeat interval and a resync
// heartbeat after a bus reconnect.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var reconnects <-chan struct{}
	if rc, ok := r.bus.(reconnector); ok {
		reconnects = rc.ReconnectC()
	}

	r.publishHeartbeat(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishHeartbeat(ctx, false)
		case <-reconnects:
			r.status.CompareAndSwap(types.StatusDisconnected, types.StatusRunning)
			r.publishHeartbeat(ctx, true)
		}
	}
}

func (r *Runtime) publishHeartbeat(ctx context.Context, resync bool) {
	hb := types.Heartbeat{
		AgentID:   r.agent.Name(),
		AgentType: r.agent.Type(),
		Status:    r.Status(),
		Timestamp: time.Now().UTC(),
		Resync:    resync,
		Metrics: map[string]float64{
			"messages_received": float64(r.messagesReceived.Load()),
			"messages_sent":     float64(r.messagesSent.Load()),
			"errors":            float64(r.errorCount.Load()),
		},
	}
	msg, err := bus.New(r.agent.Name(), bus.SubjectHeartbeat, hb)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal heartbeat")
		return
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Warn().Err(err).Msg("Failed to publish heartbeat")
		}
		return
	}
	r.messagesSent.Add(1)
}
