// Package telemetry records leak-check outcomes.
//
// Components depend on the Recorder interface and default to Noop. The
// Prometheus implementation registers its collectors on a caller-provided
// registerer and reuses compatible collectors that are already registered.
package telemetry

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder is safe for concurrent use.
type Recorder interface {
	// ProbeOutcome is called once per settled probe.
	ProbeOutcome(outcome string)
	// ProviderAttempt is called once per geolocation provider request.
	ProviderAttempt(provider, result string)
	// RPCAttempt is called once per remote call attempt, retries included.
	RPCAttempt(op, result string)
	// VisitSettled is called once per published orchestration outcome.
	VisitSettled(outcome string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ProbeOutcome(string)            {}
func (Noop) ProviderAttempt(string, string) {}
func (Noop) RPCAttempt(string, string)      {}
func (Noop) VisitSettled(string)            {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Prometheus is a Recorder backed by Prometheus counters.
type Prometheus struct {
	probeOutcomes    *prom.CounterVec
	providerAttempts *prom.CounterVec
	rpcAttempts      *prom.CounterVec
	visitsSettled    *prom.CounterVec
}

// NewPrometheus registers the leakwatch collectors on registerer. A nil
// registerer means prom.DefaultRegisterer.
func NewPrometheus(registerer prom.Registerer) (*Prometheus, error) {
	if registerer == nil {
		registerer = prom.DefaultRegisterer
	}

	specs := []struct {
		name   string
		help   string
		labels []string
	}{
		{"leakwatch_probe_outcomes_total", "Settled NAT probes by outcome.", []string{"outcome"}},
		{"leakwatch_geo_provider_attempts_total", "Geolocation provider requests by provider and result.", []string{"provider", "result"}},
		{"leakwatch_rpc_attempts_total", "Remote call attempts by operation and result.", []string{"op", "result"}},
		{"leakwatch_visits_settled_total", "Published orchestration outcomes.", []string{"outcome"}},
	}
	vecs := make([]*prom.CounterVec, len(specs))
	for i, s := range specs {
		vec, err := registerCounterVec(registerer, prom.NewCounterVec(prom.CounterOpts{Name: s.name, Help: s.help}, s.labels), s.name)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}

	return &Prometheus{
		probeOutcomes:    vecs[0],
		providerAttempts: vecs[1],
		rpcAttempts:      vecs[2],
		visitsSettled:    vecs[3],
	}, nil
}

func registerCounterVec(registerer prom.Registerer, collector *prom.CounterVec, name string) (*prom.CounterVec, error) {
	if err := registerer.Register(collector); err != nil {
		var already prom.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prom.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metric %q already registered with incompatible collector type %T", name, already.ExistingCollector)
		}
		return nil, fmt.Errorf("register metric %q: %w", name, err)
	}
	return collector, nil
}

func (p *Prometheus) ProbeOutcome(outcome string) {
	p.probeOutcomes.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) ProviderAttempt(provider, result string) {
	p.providerAttempts.WithLabelValues(provider, result).Inc()
}

func (p *Prometheus) RPCAttempt(op, result string) {
	p.rpcAttempts.WithLabelValues(op, result).Inc()
}

func (p *Prometheus) VisitSettled(outcome string) {
	p.visitsSettled.WithLabelValues(outcome).Inc()
}
