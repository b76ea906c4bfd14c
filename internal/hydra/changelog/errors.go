package changelog

import "github.com/pkg/errors"

// ErrSegmentExists is returned by create when a segment file already exists
// at the target path.
var ErrSegmentExists = errors.New("changelog: segment already exists")

// ErrSegmentNotFound is returned when a segment with the requested id
// cannot be located in the store.
var ErrSegmentNotFound = errors.New("changelog: segment not found")

// ErrBadRecordSize is returned on read when a record's data_size is not
// positive (spec §8 boundary behavior: "A record written with data_size = 0
// is rejected on read").
var ErrBadRecordSize = errors.New("changelog: record has non-positive data size")

// ErrChecksumMismatch is returned when a record's payload fails its stored
// checksum.
var ErrChecksumMismatch = errors.New("changelog: record checksum mismatch")

// ErrUUIDMismatch is returned when a v5 record's changelog uuid does not
// match the file header's uuid.
var ErrUUIDMismatch = errors.New("changelog: record uuid does not match segment")

// ErrOutOfOrderRecordID is returned when record ids are not strictly
// increasing while scanning a segment.
var ErrOutOfOrderRecordID = errors.New("changelog: record ids are not strictly increasing")

// ErrBrokenChangelog is returned when a non-tail record fails verification;
// per spec §4.1 this is fatal and must not be silently repaired.
var ErrBrokenChangelog = errors.New("changelog: broken changelog, non-tail record failed verification")

// ErrReadOnly is returned by Append when the segment or store has been
// marked read-only (e.g. it is a past, sealed segment).
var ErrReadOnly = errors.New("changelog: segment is read-only")

var errShortHeader = errors.New("changelog: header shorter than expected")
