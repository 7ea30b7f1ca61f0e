package drm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kmsatomic"

// Metrics exports commit engine counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commits          *prometheus.CounterVec
	failures         *prometheus.CounterVec
	framesStaged     *prometheus.CounterVec
	framesPresented  *prometheus.CounterVec
	fenceWaitDegrade *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	pipelineState    *prometheus.GaugeVec
	fenceWait        *prometheus.HistogramVec
}

// NewMetrics creates the engine collectors and registers them on reg.
// Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Atomic commits accepted by the kernel, by commit mode.",
		}, []string{"pipeline", "mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commit_failures_total",
			Help:      "Commits that failed, by reason.",
		}, []string{"pipeline", "reason"}),
		framesStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_staged_total",
			Help:      "Non-blocking frames handed to the completion tracker.",
		}, []string{"pipeline"}),
		framesPresented: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_presented_total",
			Help:      "Staged frames promoted to active.",
		}, []string{"pipeline"}),
		fenceWaitDegrade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fence_wait_degraded_total",
			Help:      "Fence waits that timed out or errored, by call site.",
		}, []string{"pipeline", "site"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_commits_total",
			Help:      "Disable-all recovery commits, by result.",
		}, []string{"pipeline", "result"}),
		pipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_state",
			Help:      "Engine state: 0 inactive, 1 active only, 2 staged pending.",
		}, []string{"pipeline"}),
		fenceWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fence_wait_seconds",
			Help:      "Time spent waiting on present fences.",
			Buckets:   []float64{.001, .004, .008, .016, .033, .066, .1, .25, .5, 1},
		}, []string{"pipeline"}),
	}

	var err error
	if m.commits, err = register(reg, m.commits); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.framesStaged, err = register(reg, m.framesStaged); err != nil {
		return nil, err
	}
	if m.framesPresented, err = register(reg, m.framesPresented); err != nil {
		return nil, err
	}
	if m.fenceWaitDegrade, err = register(reg, m.fenceWaitDegrade); err != nil {
		return nil, err
	}
	if m.recoveries, err = register(reg, m.recoveries); err != nil {
		return nil, err
	}
	if m.pipelineState, err = register(reg, m.pipelineState); err != nil {
		return nil, err
	}
	if m.fenceWait, err = register(reg, m.fenceWait); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) commitAccepted(pipeline, mode string) {
	if m != nil {
		m.commits.WithLabelValues(pipeline, mode).Inc()
	}
}

func (m *Metrics) commitFailed(pipeline string, err error) {
	if m != nil {
		m.failures.WithLabelValues(pipeline, failureReason(err)).Inc()
	}
}

func (m *Metrics) frameStaged(pipeline string) {
	if m != nil {
		m.framesStaged.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) framePresented(pipeline string) {
	if m != nil {
		m.framesPresented.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) fenceWaitDegraded(pipeline, site string) {
	if m != nil {
		m.fenceWaitDegrade.WithLabelValues(pipeline, site).Inc()
	}
}

func (m *Metrics) recovery(pipeline string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.recoveries.WithLabelValues(pipeline, result).Inc()
}

func (m *Metrics) setState(pipeline string, s PipelineState) {
	if m != nil {
		m.pipelineState.WithLabelValues(pipeline).Set(float64(s))
	}
}

func (m *Metrics) observeFenceWait(pipeline string, d time.Duration) {
	if m != nil {
		m.fenceWait.WithLabelValues(pipeline).Observe(d.Seconds())
	}
}
