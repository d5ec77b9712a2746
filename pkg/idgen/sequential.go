package idgen

import (
	"github.com/adammck/dicer/pkg/api"
)

// Sequential mints IDs in increasing order, starting at the bottom of its
// range and skipping any which already exist.
type Sequential struct {
	bounds

	// The next number to try. Never goes backwards.
	cursor int
}

// NewSequential returns a generator for IDs in [min, max), rendered by
// format, which must contain a single integer verb (e.g. "FOO_%07d").
func NewSequential(format string, min, max int, checker ExistenceChecker) (*Sequential, error) {
	b, err := newBounds(format, min, max, checker)
	if err != nil {
		return nil, err
	}

	return &Sequential{
		bounds: b,
		cursor: b.lo,
	}, nil
}

// SequentialForRange returns a generator for IDs in the given range.
func SequentialForRange(r api.Range, format string, checker ExistenceChecker) (*Sequential, error) {
	return NewSequential(format, r.Start, r.End, checker)
}

func (g *Sequential) Next() (string, error) {
	for g.cursor < g.hi {
		id := g.id(g.cursor)
		g.cursor += 1

		if !g.checker.Exists(id) {
			return id, nil
		}
	}

	return "", errExhausted()
}
