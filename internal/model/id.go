package model

import (
	"math/rand/v2"
	"strconv"
)

// IDLength is the fixed width of an execution identifier.
const IDLength = 9

// idSpace is the number of distinct identifiers (10^IDLength).
const idSpace = 1_000_000_000

// NewID generates a new execution identifier: a zero-padded 9-digit decimal
// string. The space is small enough that collisions are possible; callers
// must verify uniqueness at insert and retry on a duplicate.
func NewID() string {
	n := rand.Uint64N(idSpace)
	s := strconv.FormatUint(n, 10)
	for len(s) < IDLength {
		s = "0" + s
	}
	return s
}

// ValidID reports whether s is a syntactically valid execution identifier.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
