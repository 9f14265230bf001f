package agents

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// runtimeMetrics holds the Prometheus metrics shared by all agent
// runtimes, labelled by agent ID.
type runtimeMetrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	AgentStatus      *prometheus.GaugeVec
}

// Singleton to avoid duplicate Prometheus registration when multiple
// runtimes are created in one process.
var (
	metricsInstance *runtimeMetrics
	metricsOnce     sync.Once
)

func getRuntimeMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &runtimeMetrics{
			MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_messages_received_total",
				Help: "Total messages drained from the bus per agent",
			}, []string{"agent"}),
			MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_messages_sent_total",
				Help: "Total messages published to the bus per agent",
			}, []string{"agent"}),
			Errors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total handler and cycle errors per agent",
			}, []string{"agent"}),
			CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_cycles_total",
				Help: "Total periodic cycles per agent",
			}, []string{"agent"}),
			CycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agent_cycle_duration_seconds",
				Help:    "Duration of periodic cycles per agent",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent"}),
			AgentStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "agent_status",
				Help: "Agent status (1=running, 0=stopped)",
			}, []string{"agent"}),
		}
	})
	return metricsInstance
}
