// Package config holds the setup, execution and driver configuration. Values
// are plain structs; Ready guards are checked by the entity lifecycle before
// any baselining or initialisation.
package config

import (
	"errors"
	"fmt"

	"github.com/ai4ci/jpansim2-sub000/internal/inhost"
)

// ErrNotReady marks a configuration that is incomplete or inconsistent.
var ErrNotReady = errors.New("configuration not ready")

// Policy names accepted by Execution.Policy.
const (
	PolicyNoControl        = "no_control"
	PolicyReactiveLockdown = "reactive_lockdown"
)

// Setup describes the tick-invariant world: population size and topology.
type Setup struct {
	Name           string
	Seed           int64
	PopulationSize int
	NetworkDegree  int     // neighbours per agent in the ring lattice, even
	NetworkRewire  float64 // small-world rewiring probability
	NoiseScale     float64 // spatial frequency of the sociability field
	Sociability    float64 // amplitude of per-agent mobility heterogeneity
}

// DefaultSetup is a small community suitable for quick runs.
func DefaultSetup() Setup {
	return Setup{
		Name:           "default",
		Seed:           42,
		PopulationSize: 1000,
		NetworkDegree:  10,
		NetworkRewire:  0.1,
		NoiseScale:     3.0,
		Sociability:    0.3,
	}
}

// Ready reports whether the setup can build a population.
func (s Setup) Ready() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: setup has no name", ErrNotReady)
	case s.PopulationSize < 2:
		return fmt.Errorf("%w: setup %q population size %d", ErrNotReady, s.Name, s.PopulationSize)
	case s.NetworkDegree < 1 || s.NetworkDegree >= s.PopulationSize:
		return fmt.Errorf("%w: setup %q network degree %d", ErrNotReady, s.Name, s.NetworkDegree)
	case s.NetworkRewire < 0 || s.NetworkRewire > 1:
		return fmt.Errorf("%w: setup %q rewire probability %v", ErrNotReady, s.Name, s.NetworkRewire)
	case s.Sociability < 0 || s.Sociability > 1:
		return fmt.Errorf("%w: setup %q sociability %v", ErrNotReady, s.Name, s.Sociability)
	}
	return nil
}

// Execution holds the stochastic parameters of one simulation variant.
type Execution struct {
	Name       string
	Seed       int64
	Replicates int
	Duration   int // ticks (days)

	InitialInfections int
	InitialLoad       float64

	MobilityBaseline      float64
	Transmissibility      float64
	ContactDetection      float64
	ComplianceProbability float64

	SymptomTestProbability float64
	TestSensitivity        float64
	TestSpecificity        float64
	TestDelay              int

	IsolationMobility float64
	IsolationDays     int

	Policy           string
	LockdownTrigger  float64 // recent positives per capita that start a lockdown
	LockdownRelease  float64 // recent positives per capita below which it ends
	LockdownMobility float64
	LockdownMinDays  int
	PositivityWindow int

	VaccinationDay      int // zero disables
	VaccinationCoverage float64
	VaccinationDose     float64

	InfectionLookback int
	TrackInfections   bool

	InHost inhost.Params
}

// DefaultExecution returns an uncontrolled epidemic.
func DefaultExecution() Execution {
	return Execution{
		Name:                   "no-control",
		Seed:                   1,
		Replicates:             1,
		Duration:               100,
		InitialInfections:      5,
		InitialLoad:            0.05,
		MobilityBaseline:       0.7,
		Transmissibility:       0.6,
		ContactDetection:       0.5,
		ComplianceProbability:  0.8,
		SymptomTestProbability: 0.6,
		TestSensitivity:        0.85,
		TestSpecificity:        0.995,
		TestDelay:              2,
		IsolationMobility:      0.1,
		IsolationDays:          10,
		Policy:                 PolicyNoControl,
		LockdownTrigger:        0.01,
		LockdownRelease:        0.002,
		LockdownMobility:       0.3,
		LockdownMinDays:        14,
		PositivityWindow:       7,
		InfectionLookback:      5,
		TrackInfections:        true,
		InHost:                 inhost.DefaultParams(),
	}
}

// Ready reports whether the execution can baseline a population.
func (e Execution) Ready() error {
	prob := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: execution %q %s %v outside [0,1]", ErrNotReady, e.Name, name, v)
		}
		return nil
	}
	switch {
	case e.Name == "":
		return fmt.Errorf("%w: execution has no name", ErrNotReady)
	case e.Replicates < 1:
		return fmt.Errorf("%w: execution %q replicates %d", ErrNotReady, e.Name, e.Replicates)
	case e.Duration < 1:
		return fmt.Errorf("%w: execution %q duration %d", ErrNotReady, e.Name, e.Duration)
	case e.InitialInfections < 0:
		return fmt.Errorf("%w: execution %q initial infections %d", ErrNotReady, e.Name, e.InitialInfections)
	case e.TestDelay < 0 || e.IsolationDays < 0 || e.LockdownMinDays < 0:
		return fmt.Errorf("%w: execution %q negative delay", ErrNotReady, e.Name)
	case e.PositivityWindow < 1:
		return fmt.Errorf("%w: execution %q positivity window %d", ErrNotReady, e.Name, e.PositivityWindow)
	case e.Policy != PolicyNoControl && e.Policy != PolicyReactiveLockdown:
		return fmt.Errorf("%w: execution %q unknown policy %q", ErrNotReady, e.Name, e.Policy)
	}
	for name, v := range map[string]float64{
		"initial load":         e.InitialLoad,
		"mobility":             e.MobilityBaseline,
		"transmissibility":     e.Transmissibility,
		"contact detection":    e.ContactDetection,
		"compliance":           e.ComplianceProbability,
		"symptom testing":      e.SymptomTestProbability,
		"sensitivity":          e.TestSensitivity,
		"specificity":          e.TestSpecificity,
		"isolation mobility":   e.IsolationMobility,
		"lockdown mobility":    e.LockdownMobility,
		"vaccination coverage": e.VaccinationCoverage,
		"vaccination dose":     e.VaccinationDose,
	} {
		if err := prob(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Batch is the cross-product of setups and executions to run.
type Batch struct {
	Setups     []Setup
	Executions []Execution
}

// Combination is one simulation to build.
type Combination struct {
	Setup      Setup
	SetupIndex int
	Execution  Execution
	Replicate  int
	// Variants is how many combinations share this setup; more than one means
	// the setup stage must be cloned rather than consumed.
	Variants int
}

// Combinations enumerates setup x execution x replicate in setup-major order.
func (b Batch) Combinations() ([]Combination, error) {
	if len(b.Setups) == 0 || len(b.Executions) == 0 {
		return nil, fmt.Errorf("%w: batch needs at least one setup and one execution", ErrNotReady)
	}
	perSetup := 0
	for _, e := range b.Executions {
		if err := e.Ready(); err != nil {
			return nil, err
		}
		perSetup += e.Replicates
	}
	var out []Combination
	for si, s := range b.Setups {
		if err := s.Ready(); err != nil {
			return nil, err
		}
		for _, e := range b.Executions {
			for r := 0; r < e.Replicates; r++ {
				out = append(out, Combination{
					Setup:      s,
					SetupIndex: si,
					Execution:  e,
					Replicate:  r,
					Variants:   perSetup,
				})
			}
		}
	}
	return out, nil
}
