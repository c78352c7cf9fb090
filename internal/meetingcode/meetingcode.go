// Package meetingcode generates short, shareable meeting identifiers.
package meetingcode

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	Length = 6
	chars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// New generates a random meeting code
func New() string {
	code := make([]byte, Length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			panic("meetingcode: crypto/rand failed: " + err.Error())
		}
		code[i] = chars[n.Int64()]
	}
	return string(code)
}

// Normalize trims whitespace and upper-cases a user-typed code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsCode reports whether s has the shape of a generated code. Meetings may
// still be joined by arbitrary non-empty identifiers.
func IsCode(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(chars, rune(s[i])) {
			return false
		}
	}
	return true
}
