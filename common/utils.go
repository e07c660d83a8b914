package common

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Assert checks a condition and panics if it is false.
//
// WHY USE THIS INSTEAD OF RETURNING ERROR?
// In idiomatic Go, you are encouraged to return error values for conditions that might reasonably happen
// (e.g., "file not found" or "network timeout"). However, complex system engineering often relies on invariants:
//
//	truths about the system state that must always be valid. Assertions are useful for the following cases:
//	1. Fail Fast: if an internal invariant is broken (e.g., a pin count goes negative), continuing is dangerous.
//	2. Documentation: an Assert tells other developers "I guarantee this condition is true here."
//	3. Debugging: the panic provides a stack trace immediately pointing to the logic error.
//
// WHEN TO USE:
// - Checking for "impossible" conditions (e.g., switch default cases that shouldn't be reached).
// - Verifying internal data structure integrity (e.g., a directory page's bucket count).
//
// WHEN NOT TO USE:
// - Validating user input (return an error instead).
// - Handling I/O failures like "disk full" (return an error instead).
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Hash32 computes the low 32 bits of the MurmurHash3 x64 128-bit hash of key.
// This is the hash function used by the extendible hash index to map keys to
// directory slots.
func Hash32(key []byte) uint32 {
	h1, _ := murmur3.Sum128(key)
	return uint32(h1)
}
