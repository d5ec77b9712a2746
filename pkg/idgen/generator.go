package idgen

import (
	"fmt"
	"strings"

	"github.com/adammck/dicer/pkg/api"
)

// Generator mints new IDs. Implementations are stateful, and must not be
// called concurrently.
type Generator interface {

	// Next returns a new ID, or an error wrapping api.ErrIDSpaceExhausted if
	// no more IDs are available.
	Next() (string, error)
}

// errExhausted is returned once a generator runs off the end of its range.
func errExhausted() error {
	return api.Errorf(api.ErrIDSpaceExhausted, "no available ID in range")
}

// bounds holds what every generator needs to know about its slice of the
// namespace. Hi is exclusive.
type bounds struct {
	format  string
	lo      int
	hi      int
	checker ExistenceChecker
}

func newBounds(format string, min, max int, checker ExistenceChecker) (bounds, error) {
	if min < 0 || max <= min {
		return bounds{}, api.Errorf(api.ErrInvalidArgument, "invalid range: [%d..%d)", min, max)
	}

	if checker == nil {
		return bounds{}, api.Errorf(api.ErrInvalidArgument, "no existence checker")
	}

	err := checkFormat(format)
	if err != nil {
		return bounds{}, err
	}

	return bounds{
		format:  format,
		lo:      min,
		hi:      max,
		checker: checker,
	}, nil
}

func (b bounds) id(n int) string {
	return fmt.Sprintf(b.format, n)
}

// checkFormat verifies that format has exactly one verb, and that it renders
// an integer. Literal percent signs ("%%") are fine.
func checkFormat(format string) error {
	verbs := strings.Count(format, "%") - 2*strings.Count(format, "%%")
	if verbs != 1 {
		return api.Errorf(api.ErrInvalidArgument, "format must contain exactly one verb: %q", format)
	}

	s := fmt.Sprintf(format, 0)
	if strings.Contains(s, "%!") {
		return api.Errorf(api.ErrInvalidArgument, "format can't render an integer: %q", format)
	}

	return nil
}
