// Package metrics exports server lifecycle and publish activity to
// Prometheus. Metrics is a server.Listener; register it on every server that
// should be observed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"servctl/internal/server"
	"servctl/internal/status"
)

// Label names.
const (
	LabelServer = "server"
	LabelState  = "state"
	LabelResult = "result"
	LabelModule = "module"
)

// Kinds is the set of events Metrics needs.
const Kinds = server.EventServerStateChange |
	server.EventRestartStateChange |
	server.EventPublishFinished |
	server.EventModulePublishFinished

// Metrics holds the collectors.
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	serverState      *prometheus.GaugeVec
	restartPending   *prometheus.GaugeVec
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	moduleFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them with registry. A nil
// registry leaves them unregistered.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "servctl",
				Subsystem: "server",
				Name:      "state_transitions_total",
				Help:      "Run state changes by target state",
			},
			[]string{LabelServer, LabelState},
		),
		serverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servctl",
				Subsystem: "server",
				Name:      "state",
				Help:      "1 for the current run state of a server, 0 for the others",
			},
			[]string{LabelServer, LabelState},
		),
		restartPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servctl",
				Subsystem: "server",
				Name:      "restart_pending",
				Help:      "1 when a server must be restarted to pick up published changes",
			},
			[]string{LabelServer},
		),
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "servctl",
				Subsystem: "publish",
				Name:      "total",
				Help:      "Finished publish operations by overall result",
			},
			[]string{LabelServer, LabelResult},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "servctl",
				Subsystem: "publish",
				Name:      "duration_seconds",
				Help:      "Duration of publish operations",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{LabelServer},
		),
		moduleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "servctl",
				Subsystem: "publish",
				Name:      "module_failures_total",
				Help:      "Module publishes that ended with an error",
			},
			[]string{LabelServer, LabelModule},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.stateTransitions,
			m.serverState,
			m.restartPending,
			m.publishTotal,
			m.publishDuration,
			m.moduleFailures,
		)
	}
	return m
}

// Watch registers m on s and seeds the state gauge.
func (m *Metrics) Watch(s *server.Server) *server.Registration {
	m.setState(s.ID(), s.ServerState())
	return s.AddListener(Kinds, m)
}

func (m *Metrics) HandleEvent(ev server.Event) {
	if ev.Server == nil {
		return
	}
	id := ev.Server.ID()

	switch ev.Kind {
	case server.EventServerStateChange:
		m.stateTransitions.WithLabelValues(id, ev.State.String()).Inc()
		m.setState(id, ev.State)
	case server.EventRestartStateChange:
		if ev.Module != nil {
			return
		}
		v := 0.0
		if ev.Restart {
			v = 1
		}
		m.restartPending.WithLabelValues(id).Set(v)
	case server.EventPublishFinished:
		if ev.Status == nil {
			return
		}
		m.publishTotal.WithLabelValues(id, ev.Status.Severity().String()).Inc()
		m.publishDuration.WithLabelValues(id).Observe(ev.Status.Elapsed().Seconds())
	case server.EventModulePublishFinished:
		if ev.Module == nil || ev.Status == nil {
			return
		}
		if ev.Status.Severity() >= status.SeverityError && !ev.Status.IsCancelled() {
			m.moduleFailures.WithLabelValues(id, ev.Module.ID).Inc()
		}
	}
}

var allStates = []server.State{
	server.StateUnknown,
	server.StateStarting,
	server.StateStarted,
	server.StateStopping,
	server.StateStopped,
}

func (m *Metrics) setState(id string, state server.State) {
	for _, st := range allStates {
		v := 0.0
		if st == state {
			v = 1
		}
		m.serverState.WithLabelValues(id, st.String()).Set(v)
	}
}

// Forget drops the series of a removed server.
func (m *Metrics) Forget(id string) {
	labels := prometheus.Labels{LabelServer: id}
	m.stateTransitions.DeletePartialMatch(labels)
	m.serverState.DeletePartialMatch(labels)
	m.restartPending.DeletePartialMatch(labels)
	m.publishTotal.DeletePartialMatch(labels)
	m.publishDuration.DeletePartialMatch(labels)
	m.moduleFailures.DeletePartialMatch(labels)
}
