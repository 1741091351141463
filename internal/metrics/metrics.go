package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all signoff metrics
const namespace = "signoff"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Approval workflow metrics
var (
	// ApprovalDecisionsTotal counts recorded approver decisions
	ApprovalDecisionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total number of approver decisions recorded",
		},
		[]string{"decision"}, // APPROVED, REJECTED
	)

	// StatusTransitionsTotal counts committed event status transitions
	StatusTransitionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_status_transitions_total",
			Help:      "Total number of event status transitions",
		},
		[]string{"from", "to"},
	)

	// FanoutFailuresTotal counts failed secondary writes by kind
	FanoutFailuresTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failures_total",
			Help:      "Total number of failed fan-out targets (summary writes, notifications, lifecycle publishes)",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts approval notifications by outcome
	NotificationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of approval notifications by result",
		},
		[]string{"result"}, // sent, duplicate, failed, skipped
	)

	// LifecycleMessagesTotal counts status change messages published to the stream
	LifecycleMessagesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_messages_total",
			Help:      "Total number of lifecycle stream messages by result",
		},
		[]string{"result"}, // published, failed
	)
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
