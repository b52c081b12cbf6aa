// Package id generates the opaque identifiers stored as 16-byte blobs.
//
// Identifiers are random UUIDs. The text form is lowercase unpadded base32
// so IDs stay URL- and filename-safe without escaping.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Size is the byte length of a binary identifier.
const Size = 16

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator produces one opaque 16-byte identifier per call.
//
// Callers that need reproducible identifiers (fixtures, replayable data
// rewrites) inject their own Generator; production code uses Random.
type Generator func() ([]byte, error)

// Random returns a freshly generated random identifier.
func Random() ([]byte, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate identifier: %w", err)
	}
	return value[:], nil
}

// Encode renders a binary identifier as lowercase unpadded base32.
func Encode(raw []byte) string {
	return strings.ToLower(encoding.EncodeToString(raw))
}
