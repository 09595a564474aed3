// Package metrics implements Prometheus metrics of an analysis run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the metrics of one run. Every run gets its own registry,
// so concurrent runs in one process do not mix counters.
type Registry struct {
	reg *prometheus.Registry

	// FramesTotal counts frames read from the trace
	FramesTotal prometheus.Counter

	// FramesFiltered counts frames rejected by the frame filter
	FramesFiltered prometheus.Counter

	// PacketsTotal counts decoded packets by network and transport kind
	PacketsTotal *prometheus.CounterVec

	// BytesTotal counts wire bytes by device direction
	BytesTotal *prometheus.CounterVec

	// AnomaliesTotal counts anomalies by kind
	AnomaliesTotal *prometheus.CounterVec

	// Sessions tracks TCP sessions by final state
	Sessions *prometheus.GaugeVec

	// HTTPMessagesTotal counts reconstructed HTTP messages
	HTTPMessagesTotal *prometheus.CounterVec

	// TLSSessions tracks TLS sessions by state
	TLSSessions *prometheus.GaugeVec

	// EnergyJoules is the simulated radio energy per profile and state
	EnergyJoules *prometheus.GaugeVec

	// Bursts counts bursts per profile and category
	Bursts *prometheus.GaugeVec

	// StageSeconds measures the wall time of each stage
	StageSeconds *prometheus.GaugeVec
}

// NewRegistry creates the metrics of a run labelled with runID.
func NewRegistry(runID string) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"run": runID}

	return &Registry{
		reg: reg,
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "tracelens_frames_total",
			Help:        "Total number of frames read from the trace",
			ConstLabels: labels,
		}),
		FramesFiltered: f.NewCounter(prometheus.CounterOpts{
			Name:        "tracelens_frames_filtered_total",
			Help:        "Total number of frames rejected by the frame filter",
			ConstLabels: labels,
		}),
		PacketsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tracelens_packets_total",
			Help:        "Total number of decoded packets",
			ConstLabels: labels,
		}, []string{"network", "transport"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tracelens_bytes_total",
			Help:        "Total wire bytes by device direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tracelens_anomalies_total",
			Help:        "Total number of anomalies",
			ConstLabels: labels,
		}, []string{"kind"}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tracelens_tcp_sessions",
			Help:        "Number of TCP sessions by final state",
			ConstLabels: labels,
		}, []string{"state"}),
		HTTPMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tracelens_http_messages_total",
			Help:        "Total number of reconstructed HTTP messages",
			ConstLabels: labels,
		}, []string{"kind", "protected"}),
		TLSSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tracelens_tls_sessions",
			Help:        "Number of TLS sessions by state",
			ConstLabels: labels,
		}, []string{"state"}),
		EnergyJoules: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tracelens_energy_joules",
			Help:        "Simulated radio energy by profile and state",
			ConstLabels: labels,
		}, []string{"profile", "state"}),
		Bursts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tracelens_bursts",
			Help:        "Number of bursts by profile and category",
			ConstLabels: labels,
		}, []string{"profile", "category"}),
		StageSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tracelens_stage_seconds",
			Help:        "Wall time spent in each analysis stage",
			ConstLabels: labels,
		}, []string{"stage"}),
	}
}

// Gatherer exposes the registry for collection.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// WriteToTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector.
func (r *Registry) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
