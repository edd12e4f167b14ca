// Population generation: agents placed on a ring, a smooth simplex-noise
// sociability field over their positions and a small-world relationship
// graph between them.
package world

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
)

// Generate builds a setup-stage population: agents with positions and
// sociability, plus a Watts-Strogatz relationship graph. No execution
// parameters are involved.
func Generate(setup config.Setup) (*agents.Population, error) {
	pop, err := agents.NewPopulation(setup)
	if err != nil {
		return nil, err
	}
	seed := setup.Seed
	if seed == 0 {
		seed = entropy.CryptoSeed()
	}
	noise := opensimplex.NewNormalized(seed)
	rng := entropy.New(seed, entropy.SaltSetup)

	n := setup.PopulationSize
	radius := float64(n) / (2 * math.Pi)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		x, y := radius*math.Cos(theta), radius*math.Sin(theta)
		// Sample the field in radius-independent units so NoiseScale means
		// "bumps around the ring".
		f := octaveNoise(noise, x/radius*setup.NoiseScale, y/radius*setup.NoiseScale, 3, 1, 0.5)
		pop.AddAgent(x, y, math.Max(0, 1+setup.Sociability*(2*f-1)))
	}

	if err := smallWorld(pop, rng, n, setup.NetworkDegree, setup.NetworkRewire); err != nil {
		return nil, fmt.Errorf("setup %q: %w", setup.Name, err)
	}
	slog.Debug("population generated", "setup", setup.Name, "agents", n, "edges", len(pop.Edges()))
	return pop, nil
}

// smallWorld links each agent to its degree/2 clockwise ring neighbours and
// rewires each link's far end with probability rewire. Closeness is drawn
// uniformly per link.
func smallWorld(pop *agents.Population, rng *rand.Rand, n, degree int, rewire float64) error {
	half := max(1, degree/2)
	linked := make(map[[2]int]bool, n*half)
	key := func(i, j int) [2]int {
		if i > j {
			i, j = j, i
		}
		return [2]int{i, j}
	}
	for i := 0; i < n; i++ {
		for k := 1; k <= half; k++ {
			j := (i + k) % n
			if entropy.Bernoulli(rng, rewire) {
				// A few tries is enough; a dense graph keeps the lattice link.
				for try := 0; try < 8; try++ {
					c := rng.IntN(n)
					if c != i && !linked[key(i, c)] {
						j = c
						break
					}
				}
			}
			if j == i || linked[key(i, j)] {
				continue
			}
			linked[key(i, j)] = true
			if err := pop.AddEdge(i, j, rng.Float64()); err != nil {
				return err
			}
		}
	}
	return nil
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
