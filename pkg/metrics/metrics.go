// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveRelays tracks the number of live sessions in the registry.
	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrelay_active_relays",
		Help: "Number of live session relays in this process",
	})

	// ConnectedBrowsers tracks subscribed browser sockets across sessions.
	ConnectedBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrelay_connected_browsers",
		Help: "Number of subscribed browser sockets",
	})

	// ContainerMessages counts inbound container NDJSON messages by type.
	ContainerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_container_messages_total",
		Help: "Inbound container messages by type",
	}, []string{"type"})

	// BrowserRequests counts inbound browser requests by type.
	BrowserRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_browser_requests_total",
		Help: "Inbound browser requests by type",
	}, []string{"type"})

	// PermissionDecisions counts resolved tool-permission prompts.
	PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrelay_permission_decisions_total",
		Help: "Resolved tool permission prompts by behavior",
	}, []string{"behavior"})

	// OwnershipRejections counts browser requests dropped by the ownership
	// check.
	OwnershipRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrelay_ownership_rejections_total",
		Help: "Browser requests rejected by the session ownership check",
	})

	// WriteQueueOverflows counts sockets dropped because their outbound
	// queue filled up.
	WriteQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrelay_write_queue_overflows_total",
		Help: "Sockets closed because the peer could not keep up",
	})

	// PersistenceFailures counts store writes that failed. The relay never
	// surfaces these; the counter is the only place they show up besides
	// the log.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrelay_persistence_failures_total",
		Help: "Fire-and-forget store writes that returned an error",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
