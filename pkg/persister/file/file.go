package file

import (
	"github.com/adammck/dicer/pkg/policyfile"
	"github.com/adammck/dicer/pkg/registry"
)

// Persister keeps a policy in a single OWL file on disk.
type Persister struct {
	path string
}

func New(path string) *Persister {
	return &Persister{path: path}
}

func (fp *Persister) Path() string {
	return fp.path
}

func (fp *Persister) Load() (*registry.Registry, error) {
	return policyfile.ReadFile(fp.path)
}

func (fp *Persister) Store(reg *registry.Registry) error {
	return policyfile.WriteFile(fp.path, reg)
}
