// Package monitoring holds the Prometheus instrumentation shared by the
// Cerberus services. Each service registers the full set against its own
// registry and exposes it on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the services emit. Construct once per
// process with NewMetrics; tests pass a fresh registry.
type Metrics struct {
	// Inspection engine
	InspectionsTotal   *prometheus.CounterVec
	InspectionDuration prometheus.Histogram
	ActiveRules        prometheus.Gauge
	POIEventsTotal     prometheus.Counter

	// Session router
	RoutedTotal    *prometheus.CounterVec
	ActivePins     prometheus.Gauge
	PinOpsTotal    *prometheus.CounterVec
	ProxyErrorsTot prometheus.Counter

	// Decoy / evidence
	CapturedRequests  prometheus.Counter
	PayloadsExtracted prometheus.Counter
	PackagesBuilt     prometheus.Counter
	PackageBuildFails prometheus.Counter
	UploadedBytes     prometheus.Counter

	// Analysis pipeline
	PointersConsumed  prometheus.Counter
	SimulationsTotal  *prometheus.CounterVec
	SimulationSeconds prometheus.Histogram
	RulesSynthesized  prometheus.Counter
	PolicyDecisions   *prometheus.CounterVec
	RulePushFailures  prometheus.Counter

	// Bus
	BusPublished *prometheus.CounterVec
	BusConsumed  *prometheus.CounterVec

	// Enforcer
	PacketsDropped prometheus.Counter
	BlockedSources prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InspectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_inspections_total",
			Help: "Inspection decisions by action",
		}, []string{"action"}),
		InspectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cerberus_inspection_duration_seconds",
			Help:    "Wall time of a single inspection",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ActiveRules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cerberus_active_rules",
			Help: "Enabled rules in the inspection engine",
		}),
		POIEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_poi_events_total",
			Help: "Sessions tagged as persons of interest",
		}),

		RoutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_routed_total",
			Help: "Routing decisions by target",
		}, []string{"target"}),
		ActivePins: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cerberus_active_pins",
			Help: "Live session pins",
		}),
		PinOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_pin_ops_total",
			Help: "Pin store operations by kind",
		}, []string{"op"}),
		ProxyErrorsTot: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_proxy_errors_total",
			Help: "Upstream proxy failures in the router",
		}),

		CapturedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_captured_requests_total",
			Help: "Requests recorded by the decoy capture agent",
		}),
		PayloadsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_payloads_extracted_total",
			Help: "Suspicious payloads extracted from captured traffic",
		}),
		PackagesBuilt: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_evidence_packages_total",
			Help: "Evidence packages uploaded",
		}),
		PackageBuildFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_evidence_package_failures_total",
			Help: "Evidence package builds aborted by upload errors",
		}),
		UploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_evidence_uploaded_bytes_total",
			Help: "Bytes uploaded to the evidence store",
		}),

		PointersConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_pointers_consumed_total",
			Help: "Evidence pointers consumed by the analysis pipeline",
		}),
		SimulationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_simulations_total",
			Help: "Payload detonations by verdict",
		}, []string{"verdict"}),
		SimulationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cerberus_simulation_duration_seconds",
			Help:    "Wall time of one sandbox detonation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RulesSynthesized: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_rules_synthesized_total",
			Help: "Rules produced by the rule generator",
		}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_policy_decisions_total",
			Help: "Policy orchestrator outcomes by status",
		}, []string{"status"}),
		RulePushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_rule_push_failures_total",
			Help: "Failed rule pushes to the inspection engine",
		}),

		BusPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_bus_published_total",
			Help: "Events published by topic",
		}, []string{"topic"}),
		BusConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cerberus_bus_consumed_total",
			Help: "Events consumed by topic",
		}, []string{"topic"}),

		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cerberus_packets_dropped_total",
			Help: "Packets dropped by the XDP blocklist",
		}),
		BlockedSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cerberus_blocked_sources",
			Help: "IPv4 sources currently blocked at the XDP layer",
		}),
	}
}
