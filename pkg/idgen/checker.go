package idgen

// ExistenceChecker reports whether an ID is already in use. Generators call
// it for every candidate, and never cache the answer.
type ExistenceChecker interface {
	Exists(id string) bool
}

// CheckerFunc adapts a plain function to an ExistenceChecker.
type CheckerFunc func(id string) bool

func (f CheckerFunc) Exists(id string) bool {
	return f(id)
}

// NeverExists is an ExistenceChecker which considers every ID to be free.
var NeverExists ExistenceChecker = CheckerFunc(func(string) bool { return false })

// Set is an in-memory ExistenceChecker. The zero value is not usable; make
// one with NewSet.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}

	return s
}

func (s Set) Add(id string) {
	s[id] = struct{}{}
}

func (s Set) Exists(id string) bool {
	_, ok := s[id]
	return ok
}
