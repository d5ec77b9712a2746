package api

import "strconv"

// RangeID is the unique identity of a range within a registry. IDs are
// assigned in increasing order, and are never reused.
type RangeID uint64

// ZeroRange is the lowest RangeID. Policies may use it, so it doesn't mean
// "no range".
const ZeroRange RangeID = 0

func (id RangeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
