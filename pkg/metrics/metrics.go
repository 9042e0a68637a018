// Package metrics holds the agent's Prometheus instrumentation: one set
// of counters/gauges per subsystem, registered against the default
// registry the way the rest of this family of node agents does it, and
// served over /metrics by promhttp.Handler in cmd/agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "akri_agent"

var (
	// DiscoveredDevices is the size of the deduplicated device set a
	// Discovery Request is currently publishing, per Configuration.
	DiscoveredDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "discovered_devices",
		Help:      "Number of devices currently published by a Configuration's discovery request.",
	}, []string{"configuration"})

	// LiveEndpoints is the number of discovery endpoints currently
	// registered under a handler name.
	LiveEndpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_discovery_endpoints",
		Help:      "Number of discovery endpoints currently registered, by handler name.",
	}, []string{"handler"})

	// DevicePlugins is the number of kubelet Device Plugins this agent
	// currently has served and registered, by kind.
	DevicePlugins = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_plugins",
		Help:      "Number of Device Plugins currently served, by kind (instance or configuration).",
	}, []string{"kind"})

	// SlotClaims counts ClaimSlot attempts by outcome.
	SlotClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slot_claims_total",
		Help:      "Slot claim attempts, by instance and result.",
	}, []string{"instance", "result"})

	// SlotFrees counts slots released back to Unused.
	SlotFrees = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slot_frees_total",
		Help:      "Slots freed, by instance.",
	}, []string{"instance"})

	// ReconcilerDrift counts the slot reconciler's corrective writes, by
	// whether it adopted a runtime-owned slot or freed an orphaned one.
	ReconcilerDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_drift_total",
		Help:      "Slot drift corrections applied by the slot reconciler, by action.",
	}, []string{"action"})

	// ReconcilerTickErrors counts reconciler ticks that aborted early.
	ReconcilerTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_tick_errors_total",
		Help:      "Slot reconciler ticks that aborted due to a runtime query or pod-list failure.",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
