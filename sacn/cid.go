package sacn

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// CID is the 16-byte Component Identifier that uniquely names a source
// across restarts. It is generated once per sending process.
type CID [16]byte

// NewCID returns a freshly generated CID backed by a random (v4) UUID.
func NewCID() CID {
	var c CID
	id := uuid.New()
	copy(c[:], id[:])
	return c
}

// Less implements the lexicographic tiebreak used by the merge algorithm:
// the byte-wise smaller CID wins ties.
func (c CID) Less(other CID) bool {
	return bytes.Compare(c[:], other[:]) < 0
}

func (c CID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the CID has never been assigned.
func (c CID) IsZero() bool {
	return c == CID{}
}

// cidAndUniverse identifies the shared, reference-counted sequence counter
// for a (CID, universe) pair (spec.md §3 "Ownership").
type cidAndUniverse struct {
	cid      CID
	universe uint16
}
