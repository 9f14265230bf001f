// Package orchestrator owns agent registration, supervised startup, and
// graceful shutdown of the control plane. Each registered agent runs
// inside an agents.Runtime; the orchestrator restarts runtimes that exit
// or report unhealthy, with bounded exponential backoff, and suspends
// agents that restart-loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

// Source is the orchestrator's identity on the bus.
const Source = "orchestrator"

// supervised tracks one agent's supervision state.
type supervised struct {
	agent agents.Agent

	mu        sync.Mutex
	runtime   *agents.Runtime
	restarts  []time.Time
	total     uint64
	suspended bool
}

// currentRuntime returns the runtime instance presently running the
// agent. Nil before the first start.
func (s *supervised) currentRuntime() *agents.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// Orchestrator supervises the registered agents over a shared bus.
type Orchestrator struct {
	bus    bus.Bus
	cfg    config.OrchestratorConfig
	rtCfg  agents.RuntimeConfig
	alerts *alerts.Manager
	log    zerolog.Logger

	mu      sync.Mutex
	entries []*supervised
	byName  map[string]*supervised
	started bool

	cancel  context.CancelFunc
	group   *errgroup.Group
	agentWg sync.WaitGroup
}

// New creates an orchestrator. Agents are registered afterwards, in the
// order they should start.
func New(b bus.Bus, cfg config.OrchestratorConfig, rtCfg agents.RuntimeConfig, am *alerts.Manager, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:    b,
		cfg:    cfg,
		rtCfg:  rtCfg,
		alerts: am,
		log:    log.With().Str("component", Source).Logger(),
		byName: make(map[string]*supervised),
	}
}

// Register adds an agent to the supervision set. Registration order is
// start order; gatekeepers (meta, allocation, risk) register before the
// agents that depend on them. Duplicate names are rejected.
func (o *Orchestrator) Register(agent agents.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("cannot register %s: orchestrator already started", agent.Name())
	}
	if _, dup := o.byName[agent.Name()]; dup {
		return fmt.Errorf("duplicate agent name %s", agent.Name())
	}
	s := &supervised{agent: agent}
	o.entries = append(o.entries, s)
	o.byName[agent.Name()] = s
	return nil
}

// Start launches every registered agent under supervision and the
// supervisor tick. It returns once all agents are launched; Wait blocks
// on them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	if len(o.entries) == 0 {
		return fmt.Errorf("no agents registered")
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	o.group = group

	for _, s := range o.entries {
		s := s
		o.agentWg.Add(1)
		group.Go(func() error {
			defer o.agentWg.Done()
			return o.supervise(groupCtx, s)
		})
	}
	group.Go(func() error {
		o.supervisorLoop(groupCtx)
		return nil
	})

	o.log.Info().Int("agents", len(o.entries)).Msg("Orchestrator started")
	return nil
}

// Wait blocks until every supervised task has returned.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	group := o.group
	o.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// supervise runs one agent, restarting it when its runtime exits for any
// reason other than orchestrator shutdown. Backoff doubles per attempt
// within [RestartBackoffMin, RestartBackoffMax] and resets after a
// healthy run.
func (o *Orchestrator) supervise(ctx context.Context, s *supervised) error {
	backoff := o.cfg.RestartBackoffMin
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	log := o.log.With().Str("agent_id", s.agent.Name()).Logger()

	for {
		rt := agents.NewRuntime(s.agent, o.bus, o.rtCfg, o.alerts, o.log)
		s.mu.Lock()
		s.runtime = rt
		s.mu.Unlock()

		started := time.Now()
		err := rt.Run(ctx)

		if ctx.Err() != nil || err == nil {
			// Orchestrator shutdown or a clean stop (shutdown command).
			return nil
		}

		log.Error().Err(err).Msg("Agent exited, scheduling restart")
		if o.recordRestart(ctx, s) {
			return nil
		}

		// A run that survived past the backoff ceiling was healthy;
		// start the next escalation from the floor.
		if time.Since(started) > o.cfg.RestartBackoffMax {
			backoff = o.cfg.RestartBackoffMin
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > o.cfg.RestartBackoffMax {
			backoff = o.cfg.RestartBackoffMax
		}
	}
}

// recordRestart counts a restart and reports whether the agent has
// tripped the restart-loop limit. Tripped agents stay down until an
// operator intervenes; a crashing risk gate restarted forever would
// flap the whole pipeline.
func (o *Orchestrator) recordRestart(ctx context.Context, s *supervised) (suspend bool) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	s.mu.Lock()
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)
	s.total++
	recent := len(s.restarts)
	if recent > o.cfg.MaxRestartsPerMinute {
		s.suspended = true
		suspend = true
	}
	s.mu.Unlock()

	if suspend {
		o.log.Error().
			Str("agent_id", s.agent.Name()).
			Int("restarts_last_minute", recent).
			Msg("Agent restart loop, suspending")
		if o.alerts != nil {
			_ = o.alerts.Critical(ctx, Source, "agent_restart_loop",
				fmt.Sprintf("agent %s restarted %d times in the last minute, suspended", s.agent.Name(), recent),
				map[string]interface{}{"agent_id": s.agent.Name()})
		}
	}
	return suspend
}

// supervisorLoop periodically stops unhealthy runtimes so their
// supervise loop restarts them.
func (o *Orchestrator) supervisorLoop(ctx context.Context) {
	interval := o.cfg.SupervisorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range o.entries {
				rt := s.currentRuntime()
				if rt == nil {
					continue
				}
				if rt.Status() == types.StatusRunning && rt.Unhealthy() {
					o.log.Warn().
						Str("agent_id", s.agent.Name()).
						Uint64("errors", rt.Errors()).
						Msg("Agent unhealthy, forcing restart")
					rt.Stop()
				}
			}
		}
	}
}

// SendCommand publishes a control command under the orchestrator's
// identity. Target is carried inside the command.
func (o *Orchestrator) SendCommand(ctx context.Context, cmd types.ControlCommand) error {
	if cmd.Source == "" {
		cmd.Source = Source
	}
	msg, err := bus.New(Source, bus.SubjectControl, cmd)
	if err != nil {
		return err
	}
	if cmd.Target != "" {
		msg.Target = cmd.Target
	}
	return o.bus.Publish(ctx, msg)
}

// Stop broadcasts a shutdown command, waits up to the shutdown timeout
// for agents to drain, and then cancels whatever is left.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	group := o.group
	o.mu.Unlock()
	if group == nil {
		return nil
	}

	o.log.Info().Msg("Stopping orchestrator")
	if err := o.SendCommand(ctx, types.ControlCommand{
		Command: types.CommandShutdown,
		Reason:  "orchestrator stop",
	}); err != nil {
		o.log.Warn().Err(err).Msg("Failed to broadcast shutdown, cancelling directly")
	}

	// Wait for the supervise loops; the supervisor tick only exits on
	// cancellation, so it is not part of the drain.
	drained := make(chan struct{})
	go func() { o.agentWg.Wait(); close(drained) }()

	timeout := o.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-drained:
	case <-time.After(timeout):
		o.log.Warn().Msg("Shutdown timeout, cancelling remaining agents")
	}
	cancel()
	return group.Wait()
}

// Status returns the named agent's runtime status, or StatusStopped for
// unknown or not-yet-started agents.
func (o *Orchestrator) Status(name string) types.AgentStatus {
	o.mu.Lock()
	s, ok := o.byName[name]
	o.mu.Unlock()
	if !ok {
		return types.StatusStopped
	}
	rt := s.currentRuntime()
	if rt == nil {
		return types.StatusStarting
	}
	return rt.Status()
}

// Restarts returns how many times the named agent has been restarted.
func (o *Orchestrator) Restarts(name string) uint64 {
	o.mu.Lock()
	s, ok := o.byName[name]
	o.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Suspended reports whether the named agent tripped the restart-loop
// limit and is no longer being restarted.
func (o *Orchestrator) Suspended(name string) bool {
	o.mu.Lock()
	s, ok := o.byName[name]
	o.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// AgentNames returns the registered agent names in start order.
func (o *Orchestrator) AgentNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, len(o.entries))
	for i, s := range o.entries {
		names[i] = s.agent.Name()
	}
	return names
}
