package persister

import (
	"errors"

	"github.com/adammck/dicer/pkg/registry"
)

// ErrConflict is returned by Store when the stored policy was changed by
// someone else since it was loaded.
var ErrConflict = errors.New("policy changed since it was loaded")

type Persister interface {

	// Load returns the latest snapshot of the policy.
	Load() (*registry.Registry, error)

	// Store writes every range in the given policy. Implementations must be
	// transactional, so either they all succeed or none do.
	Store(*registry.Registry) error
}
