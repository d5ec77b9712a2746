package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers should match these with errors.Is, since the errors
// actually returned carry a more specific message.
var (
	ErrInvalidRange     = errors.New("invalid range")
	ErrDuplicateRangeID = errors.New("duplicate range ID")
	ErrOverlappingRange = errors.New("overlapping range")
	ErrRangeNotFound    = errors.New("range not found")
	ErrIDSpaceExhausted = errors.New("ID space exhausted")
	ErrInvalidArgument  = errors.New("invalid argument")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string {
	return e.msg
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// Errorf returns an error with the given message, which matches kind via
// errors.Is. The message is used as-is; the kind is not prepended.
func Errorf(kind error, format string, a ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// RangeNotFoundError is returned by lookups which found no range for any of
// the requested owners.
type RangeNotFoundError struct {
	Owners []string
}

func (e *RangeNotFoundError) Error() string {
	if len(e.Owners) == 1 {
		return fmt.Sprintf("no range '%s' found in ID policy", e.Owners[0])
	}

	if len(e.Owners) == 0 {
		return "no suitable range found in ID policy"
	}

	return fmt.Sprintf("no suitable range found in ID policy (tried: %s)", strings.Join(e.Owners, ", "))
}

func (e *RangeNotFoundError) Is(target error) bool {
	return target == ErrRangeNotFound
}
