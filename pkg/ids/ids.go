// Package ids defines identifiers in the overlay's 160-bit space.
package ids

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

const Len = sha1.Size

// ID names a node or an account in the overlay identifier space.
type ID [Len]byte

var Empty ID

// FromName derives a node ID from a human node name (e.g. SELF_ID).
func FromName(name string) ID {
	return ID(sha1.Sum([]byte(name)))
}

// AccountRoot is the identifier whose replica set holds the balance of the
// account owned by id.
func AccountRoot(id ID) ID {
	return ID(sha1.Sum(id[:]))
}

func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse id %q: %w", s, err)
	}
	if len(b) != Len {
		return id, fmt.Errorf("parse id %q: got %d bytes, want %d", s, len(b), Len)
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short is the first 8 hex digits, for logs.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

func (id ID) IsEmpty() bool { return id == Empty }

func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
