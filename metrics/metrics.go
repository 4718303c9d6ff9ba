package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is what the dispatch engine reports.
type Metrics interface {
	ObserveDecision(mode, verdict, reason string)
	IncRx(bus uint8, recognized bool)
	IncFault(mode, cause string)
	SetPhase(mode, phase string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveDecision(string, string, string) {}
func (Noop) IncRx(uint8, bool)                      {}
func (Noop) IncFault(string, string)                {}
func (Noop) SetPhase(string, string)                {}

var phases = []string{"uninitialized", "running", "faulted"}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	decisions *prometheus.CounterVec
	rxFrames  *prometheus.CounterVec
	faults    *prometheus.CounterVec
	phase     *prometheus.GaugeVec
}

// NewProm registers the gate's collectors with reg.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	f := promauto.With(reg)
	return &Prom{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_decisions_total",
			Help:      "Transmit decisions by mode, verdict and deny reason",
		}, []string{"mode", "verdict", "reason"}),
		rxFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_frames_total",
			Help:      "Received frames by bus and whether the active mode recognized them",
		}, []string{"bus", "recognized"}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Transitions into the faulted phase by cause",
		}, []string{"mode", "cause"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "1 for the engine's current phase, 0 otherwise",
		}, []string{"mode", "phase"}),
	}
}

func (p *Prom) ObserveDecision(mode, verdict, reason string) {
	p.decisions.WithLabelValues(mode, verdict, reason).Inc()
}

func (p *Prom) IncRx(bus uint8, recognized bool) {
	p.rxFrames.WithLabelValues(strconv.Itoa(int(bus)), strconv.FormatBool(recognized)).Inc()
}

func (p *Prom) IncFault(mode, cause string) {
	p.faults.WithLabelValues(mode, cause).Inc()
}

func (p *Prom) SetPhase(mode, phase string) {
	p.phase.Reset()
	for _, ph := range phases {
		v := 0.0
		if ph == phase {
			v = 1
		}
		p.phase.WithLabelValues(mode, ph).Set(v)
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
