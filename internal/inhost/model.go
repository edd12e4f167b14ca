// Package inhost holds the numeric within-host disease model. The engine only
// depends on the Model interface; Phenomenological is a small default used by
// the driver and tests.
package inhost

import (
	"math"
	"math/rand/v2"
)

// Model is the per-agent in-host state. Advance is a pure function of the
// receiver plus the two scalar doses; it never mutates the receiver.
type Model interface {
	Advance(rng *rand.Rand, exposure, immunisation float64) Model
	// ViralLoad is normalised to [0, 1].
	ViralLoad() float64
	// Immunity is normalised to [0, 1].
	Immunity() float64
	// Infectiousness is the per-contact infectious output in [0, 1].
	Infectiousness() float64
	Infectious() bool
	Symptomatic() bool
}

// Params configures the Phenomenological model.
type Params struct {
	Growth              float64 // per-day multiplicative growth of an established load
	Clearance           float64 // fraction of load cleared per unit immunity per day
	ImmuneGain          float64 // immunity gained per unit load per day
	ImmuneWaning        float64 // fraction of immunity lost per day
	Infectivity         float64 // load gained per unit exposure dose
	InfectiousThreshold float64
	SymptomThreshold    float64
	Noise               float64 // multiplicative log-normal noise sd on growth
}

// DefaultParams gives roughly a week-long infectious period.
func DefaultParams() Params {
	return Params{
		Growth:              2.2,
		Clearance:           3.0,
		ImmuneGain:          0.9,
		ImmuneWaning:        0.005,
		Infectivity:         0.05,
		InfectiousThreshold: 0.1,
		SymptomThreshold:    0.2,
		Noise:               0.1,
	}
}

// Phenomenological is a two-compartment load/immunity model.
type Phenomenological struct {
	Params   Params
	Load     float64
	Immune   float64
	Infected bool // true once any load has established
}

// NewPhenomenological returns an uninfected, non-immune state.
func NewPhenomenological(p Params) Phenomenological {
	return Phenomenological{Params: p}
}

// Seeded returns an already-infected state with the given starting load.
func Seeded(p Params, load float64) Phenomenological {
	return Phenomenological{Params: p, Load: clamp01(load), Infected: load > 0}
}

// Advance implements Model.
func (m Phenomenological) Advance(rng *rand.Rand, exposure, immunisation float64) Model {
	p := m.Params
	load := m.Load
	susceptibility := 1 - m.Immune
	load += p.Infectivity * exposure * susceptibility

	growth := p.Growth
	if p.Noise > 0 && rng != nil {
		growth *= math.Exp(rng.NormFloat64() * p.Noise)
	}
	load = load*growth*(1-load) - p.Clearance*m.Immune*load
	load = clamp01(load)
	if load < 1e-6 {
		load = 0
	}

	immune := m.Immune + p.ImmuneGain*m.Load*(1-m.Immune) + immunisation*(1-m.Immune) - p.ImmuneWaning*m.Immune

	return Phenomenological{
		Params:   p,
		Load:     load,
		Immune:   clamp01(immune),
		Infected: m.Infected || load > 0,
	}
}

// ViralLoad implements Model.
func (m Phenomenological) ViralLoad() float64 { return m.Load }

// Immunity implements Model.
func (m Phenomenological) Immunity() float64 { return m.Immune }

// Infectiousness implements Model.
func (m Phenomenological) Infectiousness() float64 {
	if m.Load < m.Params.InfectiousThreshold {
		return 0
	}
	return m.Load
}

// Infectious implements Model.
func (m Phenomenological) Infectious() bool { return m.Load >= m.Params.InfectiousThreshold }

// Symptomatic implements Model.
func (m Phenomenological) Symptomatic() bool { return m.Load >= m.Params.SymptomThreshold }

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
