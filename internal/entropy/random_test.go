package entropy

import (
	mrand "math/rand/v2"
	"testing"
)

func TestSeedIsPure(t *testing.T) {
	a := Seed(42, 7, 3, SaltState)
	b := Seed(42, 7, 3, SaltState)
	if a != b {
		t.Fatalf("seed not reproducible: %d != %d", a, b)
	}
	if Seed(42, 7, 3, SaltHistory) == a {
		t.Fatalf("phase salt did not change the seed")
	}
	if Seed(43, 7, 3, SaltState) == a {
		t.Fatalf("run seed did not change the seed")
	}
}

func TestNewStreamsReproducible(t *testing.T) {
	r1 := New(99, 1, 2)
	r2 := New(99, 1, 2)
	for i := 0; i < 100; i++ {
		if r1.Uint64() != r2.Uint64() {
			t.Fatalf("streams diverged at draw %d", i)
		}
	}
}

func TestFloatRange(t *testing.T) {
	src := mrand.NewPCG(1, 2)
	for i := 0; i < 1000; i++ {
		f := Float(src)
		if f < 0 || f >= 1 {
			t.Fatalf("float out of range: %v", f)
		}
	}
}

func TestBernoulliEdges(t *testing.T) {
	rng := New(1)
	for i := 0; i < 100; i++ {
		if Bernoulli(rng, 0) {
			t.Fatalf("p=0 returned true")
		}
		if !Bernoulli(rng, 1) {
			t.Fatalf("p=1 returned false")
		}
	}
}
