// Package version implements the engine's (segment, record) mutation
// version, the total order that every peer's automaton, changelog and
// commit pipeline advance through together.
package version

import "fmt"

// Version identifies a single mutation's position in the cell's history:
// which changelog segment it belongs to and which record within that
// segment it is. Versions are totally ordered lexicographically on
// (Segment, Record).
type Version struct {
	Segment int64
	Record  int64
}

// Zero is the version of the very first mutation a fresh cell ever applies.
var Zero = Version{Segment: 0, Record: 0}

// Advance returns the version of the next mutation within the same segment.
func (v Version) Advance() Version {
	return Version{Segment: v.Segment, Record: v.Record + 1}
}

// Rotate returns the version of the first record of the next segment, i.e.
// the version produced by a changelog rotation.
func (v Version) Rotate() Version {
	return Version{Segment: v.Segment + 1, Record: 0}
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than
// other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Segment != other.Segment:
		if v.Segment < other.Segment {
			return -1
		}
		return 1
	case v.Record != other.Record:
		if v.Record < other.Record {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// IsRotationOf reports whether v is the first record of the segment
// immediately following prev's segment, i.e. v == prev.Rotate().
func (v Version) IsRotationOf(prev Version) bool {
	return v == prev.Rotate()
}

// IsAdvanceOf reports whether v is the next record within prev's segment,
// i.e. v == prev.Advance().
func (v Version) IsAdvanceOf(prev Version) bool {
	return v == prev.Advance()
}

// Revision encodes the version as a single 64-bit number for the wire:
// segment*2^32 + record. Both fields must fit in 32 bits.
func (v Version) Revision() uint64 {
	return uint64(uint32(v.Segment))<<32 | uint64(uint32(v.Record))
}

// FromRevision decodes a 64-bit wire revision back into a Version.
func FromRevision(rev uint64) Version {
	return Version{
		Segment: int64(int32(rev >> 32)),
		Record:  int64(int32(rev & 0xffffffff)),
	}
}

// String renders the version as "segment.record" for logs.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Segment, v.Record)
}
