package idgen

import (
	"math/rand"
	"time"

	"github.com/adammck/dicer/pkg/api"
)

// maxStep is the exclusive upper bound of the random distance between two
// consecutive probes.
const maxStep = 100

// Randomized mints IDs at random-ish positions in its range. Rather than
// always taking the lowest free ID, it hops forwards from the lowest free ID
// by a random distance, which makes collisions with IDs created out-of-band
// (by someone editing the same range by hand) less likely.
type Randomized struct {
	bounds

	// Set once lo has been moved up to the lowest free ID.
	loFound bool

	rand *rand.Rand

	// IDs which this generator has already returned. The checker can't be
	// relied upon to know about them, since they may not have been written
	// anywhere yet.
	emitted map[string]struct{}
}

// Option configures a Randomized generator.
type Option func(*Randomized)

// WithRand sets the source of randomness. Mostly useful for tests.
func WithRand(r *rand.Rand) Option {
	return func(g *Randomized) {
		g.rand = r
	}
}

// WithSeed seeds a new source of randomness, so that runs are repeatable.
func WithSeed(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

// NewRandomized returns a generator for IDs in [min, max), rendered by format.
func NewRandomized(format string, min, max int, checker ExistenceChecker, opts ...Option) (*Randomized, error) {
	b, err := newBounds(format, min, max, checker)
	if err != nil {
		return nil, err
	}

	g := &Randomized{
		bounds:  b,
		emitted: map[string]struct{}{},
	}

	for _, o := range opts {
		o(g)
	}

	if g.rand == nil {
		g.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return g, nil
}

// RandomizedForRange returns a generator for IDs in the given range.
func RandomizedForRange(r api.Range, format string, checker ExistenceChecker, opts ...Option) (*Randomized, error) {
	return NewRandomized(format, r.Start, r.End, checker, opts...)
}

func (g *Randomized) Next() (string, error) {

	// Skip past the used IDs at the bottom of the range, so we don't waste
	// probes in a part of the range which is already full.
	for !g.loFound && g.lo < g.hi {
		if !g.checker.Exists(g.id(g.lo)) {
			g.loFound = true
		} else {
			g.lo += 1
		}
	}

	n := g.lo
	for {
		n += g.rand.Intn(maxStep)
		if n >= g.hi {
			return "", errExhausted()
		}

		id := g.id(n)
		if g.checker.Exists(id) {
			continue
		}

		if _, ok := g.emitted[id]; ok {
			continue
		}

		g.emitted[id] = struct{}{}
		return id, nil
	}
}
