package types

import "time"

// CommandName tags a control message so handler dispatch is exhaustive.
type CommandName string

const (
	CommandPause             CommandName = "pause"
	CommandResume            CommandName = "resume"
	CommandShutdown          CommandName = "shutdown"
	CommandMetaDecision      CommandName = "meta_decision"
	CommandCapitalAllocation CommandName = "capital_allocation"
	CommandKillSwitch        CommandName = "kill_switch"
	CommandCancel            CommandName = "cancel"
	CommandCancelAll         CommandName = "cancel_all"
	CommandPromoteStrategy   CommandName = "promote_strategy"
	CommandDisableStrategy   CommandName = "disable_strategy"
)

// KillSwitchAction is the administrative kill-switch verb.
type KillSwitchAction string

const (
	KillSwitchTrigger KillSwitchAction = "trigger"
	KillSwitchReset   KillSwitchAction = "reset"
)

// ControlCommand is the tagged union carried on the control subject. The
// Command field selects which optional payload is populated.
type ControlCommand struct {
	Command CommandName `json:"command"`
	// Target narrows the command to one agent; empty means all.
	Target string `json:"target,omitempty"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`

	Decision   *MetaDecision        `json:"decision,omitempty"`
	Allocation *PortfolioAllocation `json:"allocation,omitempty"`
	KillSwitch KillSwitchAction     `json:"action,omitempty"`
	OrderID    string               `json:"order_id,omitempty"`
	StrategyID string               `json:"strategy_id,omitempty"`
}

// AppliesTo reports whether a command addressed with Target should be
// handled by the named agent.
func (c *ControlCommand) AppliesTo(agentID string) bool {
	return c.Target == "" || c.Target == agentID
}

// AgentStatus is the agent state carried inside heartbeats.
type AgentStatus string

const (
	StatusStarting     AgentStatus = "starting"
	StatusRunning      AgentStatus = "running"
	StatusPaused       AgentStatus = "paused"
	StatusDisconnected AgentStatus = "disconnected"
	StatusStopped      AgentStatus = "stopped"
)

// Heartbeat is the liveness payload every agent publishes on the
// heartbeat subject.
type Heartbeat struct {
	AgentID   string             `json:"agent_id"`
	AgentType string             `json:"agent_type"`
	Status    AgentStatus        `json:"status"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	// Resync marks the heartbeat issued immediately after a bus
	// reconnect.
	Resync bool `json:"resync,omitempty"`
}

// AlertSeverity grades alert messages on the alerts subject.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertEvent is the payload published on the alerts subject.
type AlertEvent struct {
	Severity  AlertSeverity          `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
