// Package entropy derives reproducible random sources for the simulation.
// Every stochastic call site receives an explicit *rand.Rand; nothing reads a
// shared or goroutine-local generator.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

// Phase salts keep the random streams of different tick phases independent
// for the same entity and time.
const (
	SaltContacts uint64 = 0x636f6e74
	SaltHistory  uint64 = 0x68697374
	SaltState    uint64 = 0x73746174
	SaltSetup    uint64 = 0x73657475
	SaltBaseline uint64 = 0x62617365
	SaltInit     uint64 = 0x696e6974
)

// Seed mixes a run seed with any number of identifying parts (entity id,
// time index, phase salt, worker) into a new 64-bit seed. It is a pure
// function: the same inputs always give the same output.
func Seed(base int64, parts ...uint64) uint64 {
	h := mix(uint64(base) ^ 0x9e3779b97f4a7c15)
	for _, p := range parts {
		h = mix(h ^ p)
	}
	return h
}

// New returns a generator seeded from Seed(base, parts...).
func New(base int64, parts ...uint64) *mrand.Rand {
	s := Seed(base, parts...)
	return mrand.New(mrand.NewPCG(s, mix(s+0x2545f4914f6cdd1d)))
}

// Float draws a uniform float in [0, 1) straight from a PCG source, for hot
// loops where allocating a *rand.Rand per draw site is wasteful.
func Float(src *mrand.PCG) float64 {
	return float64(src.Uint64()>>11) / float64(1<<53)
}

// Bernoulli reports whether a draw from rng falls below p.
func Bernoulli(rng *mrand.Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rng.Float64() < p
}

// CryptoSeed returns a non-deterministic seed from crypto/rand. Used when a
// configuration asks for seed 0 (meaning "pick one").
func CryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return 0x5eed
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}

// mix is the splitmix64 finaliser.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
