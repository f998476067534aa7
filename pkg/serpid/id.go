// Package serpid defines the SERP endpoint identifier and the helpers used
// to allocate one randomly from the live registry.
package serpid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// ID is a SERP endpoint identifier. 0 is reserved for the hub itself;
// valid client identifiers occupy 1..=Max.
type ID uint16

// Hub is the reserved identifier of the hub itself. It is never assigned
// to a connecting client.
const Hub ID = 0

// Max is the upper bound (inclusive) of the client identifier space.
// The range is kept to four decimal digits for human-readable display.
const Max ID = 9999

// DefaultAllocRetries is the number of random draws attempted before an
// accept is abandoned because the ID space looks exhausted or unlucky.
const DefaultAllocRetries = 10

// Valid reports whether id falls in the assignable client range 1..=Max.
func (id ID) Valid() bool {
	return id >= 1 && id <= Max
}

// String renders the ID in decimal, matching the wire-level "human readable"
// requirement for /serpID and error bodies.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint16(id))
}

// random draws a single candidate uniformly from 1..=Max.
func random() (ID, error) {
	// Draws at or above limit are discarded so that n % Max is unbiased.
	const limit = (1 << 16) / uint32(Max) * uint32(Max)
	var buf [2]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		n := uint32(binary.BigEndian.Uint16(buf[:]))
		if n < limit {
			return ID(1 + n%uint32(Max)), nil
		}
	}
}

// Allocate draws random candidate IDs until one for which taken returns
// false is found, or retries attempts are exhausted. taken is called with
// the registry lock semantics left entirely to the caller — Allocate does
// not itself lock anything.
func Allocate(retries int, taken func(ID) bool) (ID, bool) {
	if retries <= 0 {
		retries = DefaultAllocRetries
	}
	for i := 0; i < retries; i++ {
		candidate, err := random()
		if err != nil {
			continue
		}
		if !taken(candidate) {
			return candidate, true
		}
	}
	return 0, false
}
