package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adammck/dicer/pkg/api"
)

// OBOPrefix is the IRI prefix shared by all OBO Foundry ontologies.
const OBOPrefix = "http://purl.obolibrary.org/obo/"

// DefaultWidth is the number of digits in a typical OBO identifier.
const DefaultWidth = 7

// NotFound is returned by FindOpenRange when there is no gap large enough.
const NotFound = -1

// Registry is a set of non-overlapping ranges within the namespace [0, 10^width),
// plus the metadata which describes how IDs in that namespace are rendered.
// This is what OBO Foundry calls an "ID policy".
//
// The zero value is not usable; construct one with New, NewWithWidth, or
// NewPolicy. Reads may happen concurrently, but mutations must not overlap
// with anything else.
type Registry struct {
	name       string
	prefix     string
	prefixName string
	width      int
	maxBound   int

	mu      sync.RWMutex
	byID    map[api.RangeID]api.Range
	byOwner map[string]api.Range

	// The highest range ID seen so far, whether assigned by Allocate or
	// given explicitly to Add.
	maxIdent api.RangeID
}

// New returns an empty registry for a typical OBO ontology with the given
// project ID (e.g. "uberon"), with seven-digit IDs.
func New(projectID string) *Registry {
	r, err := NewWithWidth(projectID, DefaultWidth)
	if err != nil {
		// Not possible; DefaultWidth is in bounds.
		panic(err)
	}

	return r
}

// NewWithWidth is like New, but with a custom number of digits.
func NewWithWidth(projectID string, width int) (*Registry, error) {
	upper := strings.ToUpper(projectID)
	return NewPolicy(OBOPrefix+projectID, OBOPrefix+upper+"_", upper, width)
}

// NewPolicy returns an empty registry with the given metadata. Name is the
// base IRI of the policy, prefix is the IRI prefix of the IDs, and prefixName
// is the short prefix (e.g. "UBERON").
func NewPolicy(name, prefix, prefixName string, width int) (*Registry, error) {
	if width < 1 || width > 9 {
		return nil, api.Errorf(api.ErrInvalidArgument, "width value out of bounds: %d", width)
	}

	maxBound := 1
	for i := 0; i < width; i++ {
		maxBound *= 10
	}

	return &Registry{
		name:       name,
		prefix:     prefix,
		prefixName: prefixName,
		width:      width,
		maxBound:   maxBound,
		byID:       map[api.RangeID]api.Range{},
		byOwner:    map[string]api.Range{},
	}, nil
}

func (reg *Registry) Name() string {
	return reg.name
}

func (reg *Registry) Prefix() string {
	return reg.prefix
}

func (reg *Registry) PrefixName() string {
	return reg.prefixName
}

func (reg *Registry) Width() int {
	return reg.width
}

// MaxBound returns the exclusive upper bound of the whole namespace.
func (reg *Registry) MaxBound() int {
	return reg.maxBound
}

// Format returns a fmt template which renders an integer as a full ID, e.g.
// "http://purl.obolibrary.org/obo/UBERON_%07d".
func (reg *Registry) Format() string {
	return fmt.Sprintf("%s%%0%dd", reg.prefix, reg.width)
}

// Len returns the number of allocated ranges.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byID)
}

// LastID returns the highest range ID seen so far. The next range created by
// Allocate will have the ID after this one.
func (reg *Registry) LastID() api.RangeID {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.maxIdent
}

// String returns the allocated ranges, ordered by start, on one line.
func (reg *Registry) String() string {
	rs := reg.RangesByStart()
	s := make([]string, len(rs))

	for i, r := range rs {
		s[i] = r.String()
	}

	return fmt.Sprintf("{%s}", strings.Join(s, ", "))
}

// Add inserts a range with an explicit ID. This is used when loading ranges
// from somewhere which has already assigned IDs, so the range is validated
// against the bounds of the namespace and against every existing range.
func (reg *Registry) Add(id api.RangeID, owner, comment string, start, end int) (api.Range, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if owner == "" {
		return api.Range{}, api.Errorf(api.ErrInvalidArgument, "range %d has no owner", id)
	}

	if start < 0 || start >= end || end > reg.maxBound {
		return api.Range{}, api.Errorf(api.ErrInvalidRange, "invalid ID range [%d..%d) for \"%s\"", start, end, owner)
	}

	if _, ok := reg.byID[id]; ok {
		return api.Range{}, api.Errorf(api.ErrDuplicateRangeID, "range ID %d already in use", id)
	}

	rng := api.Range{
		ID:      id,
		Owner:   owner,
		Comment: comment,
		Start:   start,
		End:     end,
	}

	for _, other := range reg.sorted(byStart) {
		if rng.Overlaps(other) {
			return api.Range{}, api.Errorf(api.ErrOverlappingRange,
				"range %s for \"%s\" overlaps with range %s for \"%s\"",
				rng.Bounds(), rng.Owner, other.Bounds(), other.Owner)
		}
	}

	reg.insert(rng)

	if id > reg.maxIdent {
		reg.maxIdent = id
	}

	return rng, nil
}

// FindOpenRange returns the lowest start of a gap which can hold size IDs, or
// NotFound if there is no such gap. This is a plain first-fit search over the
// ranges ordered by start.
func (reg *Registry) FindOpenRange(size int) (int, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.findOpenRange(size)
}

// findOpenRange is FindOpenRange without the lock.
func (reg *Registry) findOpenRange(size int) (int, error) {
	if size < 0 {
		return NotFound, api.Errorf(api.ErrInvalidArgument, "invalid negative range size: %d", size)
	}

	if size > reg.maxBound {
		return NotFound, nil
	}

	// Compared as differences, since start+size may not fit in an int.
	start := 0
	for _, r := range reg.sorted(byStart) {
		if size <= r.Start-start {
			return start, nil
		}

		start = r.End
	}

	if size <= reg.maxBound-start {
		return start, nil
	}

	return NotFound, nil
}

// Allocate creates a new range of the given size for owner, in the lowest gap
// which can hold it, and returns it. The new range gets the next ID. The
// registry is not modified if an error is returned.
func (reg *Registry) Allocate(owner, comment string, size int) (api.Range, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if owner == "" {
		return api.Range{}, api.Errorf(api.ErrInvalidArgument, "can't allocate a range with no owner")
	}

	// A zero-width range would be invalid, even though there's always room.
	if size == 0 {
		return api.Range{}, api.Errorf(api.ErrInvalidArgument, "can't allocate an empty range")
	}

	start, err := reg.findOpenRange(size)
	if err != nil {
		return api.Range{}, err
	}

	if start == NotFound {
		return api.Range{}, api.Errorf(api.ErrRangeNotFound, "not enough space for a %d-wide range", size)
	}

	reg.maxIdent += 1

	rng := api.Range{
		ID:      reg.maxIdent,
		Owner:   owner,
		Comment: comment,
		Start:   start,
		End:     start + size,
	}

	reg.insert(rng)

	return rng, nil
}

// insert adds the range to both indexes. Last write wins in byOwner; the
// earlier range for the same owner is still reachable via byID.
// This should only be called while mu is held.
func (reg *Registry) insert(rng api.Range) {
	reg.byID[rng.ID] = rng
	reg.byOwner[rng.Owner] = rng
}

// RangesByStart returns all of the allocated ranges, ordered by start.
func (reg *Registry) RangesByStart() []api.Range {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.sorted(byStart)
}

// RangesByID returns all of the allocated ranges, ordered by ID.
func (reg *Registry) RangesByID() []api.Range {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.sorted(byID)
}

// Unallocated returns synthetic ranges which cover every part of the
// namespace not covered by an allocated range, ordered by start. Together
// with RangesByStart, these tile the whole namespace.
func (reg *Registry) Unallocated() []api.Range {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := []api.Range{}
	start := 0

	for _, r := range reg.sorted(byStart) {
		if r.Start > start {
			out = append(out, gap(start, r.Start))
		}
		start = r.End
	}

	if start < reg.maxBound {
		out = append(out, gap(start, reg.maxBound))
	}

	return out
}

func gap(start, end int) api.Range {
	return api.Range{
		Owner: api.UnallocatedOwner,
		Start: start,
		End:   end,
	}
}

// Find returns the range most recently added for the given owner.
func (reg *Registry) Find(owner string) (api.Range, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.byOwner[owner]
	return r, ok
}

// FindAny returns the range of the first of the given owners which has one.
func (reg *Registry) FindAny(owners []string) (api.Range, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, owner := range owners {
		if r, ok := reg.byOwner[owner]; ok {
			return r, true
		}
	}

	return api.Range{}, false
}

// Get is like Find, but returns an error if the owner has no range.
func (reg *Registry) Get(owner string) (api.Range, error) {
	r, ok := reg.Find(owner)
	if !ok {
		return api.Range{}, &api.RangeNotFoundError{Owners: []string{owner}}
	}

	return r, nil
}

// GetAny is like FindAny, but returns an error if none of the owners has a
// range.
func (reg *Registry) GetAny(owners []string) (api.Range, error) {
	r, ok := reg.FindAny(owners)
	if !ok {
		return api.Range{}, &api.RangeNotFoundError{Owners: owners}
	}

	return r, nil
}

type order int

const (
	byStart order = iota
	byID
)

// sorted returns a copy of all ranges in the given order.
// This should only be called while mu is held (for reading, at least).
func (reg *Registry) sorted(o order) []api.Range {
	out := make([]api.Range, 0, len(reg.byID))
	for _, r := range reg.byID {
		out = append(out, r)
	}

	switch o {
	case byStart:
		sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	case byID:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	return out
}
