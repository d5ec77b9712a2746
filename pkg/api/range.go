package api

import (
	"fmt"
)

// UnallocatedOwner is the owner name given to synthetic ranges which cover
// the space between allocated ranges.
const UnallocatedOwner = "Unallocated"

// Range is a contiguous block of IDs allocated to a single owner. Should be
// immutable after construction; the registry hands out copies.
type Range struct {
	ID      RangeID
	Owner   string
	Comment string // optional
	Start   int    // inclusive
	End     int    // exclusive
}

// Size returns the number of IDs in the range.
func (r Range) Size() int {
	return r.End - r.Start
}

// Contains returns true if the given ID is within the range.
func (r Range) Contains(n int) bool {
	// Note that the range end is exclusive!
	return n >= r.Start && n < r.End
}

// Overlaps returns true if any ID is covered by both ranges.
func (r Range) Overlaps(o Range) bool {
	return !(r.End <= o.Start || o.End <= r.Start)
}

// Allocated returns false for the synthetic ranges which describe gaps.
func (r Range) Allocated() bool {
	return r.Owner != UnallocatedOwner
}

// Bounds returns a string like: [1000..2000)
func (r Range) Bounds() string {
	return fmt.Sprintf("[%d..%d)", r.Start, r.End)
}

// String returns a string like: R3 user1 [1000..2000)
func (r Range) String() string {
	return fmt.Sprintf("R%d %s %s", r.ID, r.Owner, r.Bounds())
}
