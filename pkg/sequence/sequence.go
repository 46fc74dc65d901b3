// Package sequence generates the tokens used as log keys and high-water marks.
//
// A token is a fixed-width string of decimal digits. Next increments the last
// digit and carries left, so the width never changes and byte-wise comparison
// of two tokens of the same width matches the order in which they were made.
package sequence

import (
	"strconv"
	"strings"

	"replsync/pkg/types"
)

// Width is the number of digits of tokens produced by Zero.
const Width = 20

// Zero returns the smallest token.
func Zero() types.Sequence {
	return types.Sequence(strings.Repeat("0", Width))
}

// Next returns the successor of s with the same width.
// It panics if s is not a valid token or has no successor of the same width.
func Next(s types.Sequence) types.Sequence {
	if !Valid(s) {
		panic("sequence: invalid token " + string(s))
	}

	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return types.Sequence(b)
		}
		b[i] = '0'
	}

	panic("sequence: token space exhausted at width " + strconv.Itoa(len(s)))
}

// Valid reports whether s is a non-empty string of decimal digits.
func Valid(s types.Sequence) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Compare orders two tokens.
func Compare(a, b types.Sequence) int {
	return strings.Compare(string(a), string(b))
}

// Max returns the larger token.
func Max(a, b types.Sequence) types.Sequence {
	if a > b {
		return a
	}
	return b
}
