package telemetry

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every rewind metric. It is separate from the default
// registry so embedding applications decide whether to expose it.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// AppendsTotal counts append attempts by result: ok, conflict, invalid, error.
	AppendsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_store_appends_total",
		Help: "Event append attempts by result",
	}, []string{"result"})

	// AppendDuration observes append transaction latency.
	AppendDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_store_append_duration_seconds",
		Help:    "Duration of append transactions",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// ReadDuration observes read query latency by kind.
	ReadDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewind_store_read_duration_seconds",
		Help:    "Duration of event reads",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"kind"})

	// SnapshotsWritten counts persisted snapshots.
	SnapshotsWritten = factory.NewCounter(prometheus.CounterOpts{
		Name: "rewind_snapshots_written_total",
		Help: "Snapshots persisted by the snapshot manager",
	})

	// ReplaySessionsActive tracks sessions that have not been disposed.
	ReplaySessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rewind_replay_sessions_active",
		Help: "Replay sessions currently held by the engine",
	})

	// ReplayEventsTotal counts events processed by replay mode and outcome
	// (applied, silent or skipped).
	ReplayEventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_replay_events_total",
		Help: "Events processed during replay",
	}, []string{"mode", "outcome"})

	// ReplaySessionsFinished counts sessions by terminal status.
	ReplaySessionsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_replay_sessions_finished_total",
		Help: "Replay sessions reaching a terminal status",
	}, []string{"status"})

	// SandboxEffectsTotal counts side effects seen by sandboxes, by kind and
	// whether they were performed.
	SandboxEffectsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_sandbox_effects_total",
		Help: "Side effects attempted inside sandboxes",
	}, []string{"kind", "performed"})

	// SandboxLimitExceeded counts sandbox terminations by limit.
	SandboxLimitExceeded = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_sandbox_limit_exceeded_total",
		Help: "Sandboxes terminated for exceeding a resource limit",
	}, []string{"limit"})
)

// WriteText writes all metrics in the Prometheus text exposition format.
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
