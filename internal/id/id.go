// Package id provides opaque identifiers for users, product users and sessions.
package id

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"unicode"
)

type invalidLengthError int

func (e invalidLengthError) Error() string {
	return fmt.Sprintf("invalid length %d", int(e))
}

// ErrInvalidFormat is returned when the textual form of an ID is invalid.
var ErrInvalidFormat = errors.New("invalid id format")

// Size is divisible by 5, so we can use base32 encoding without padding.
const Size = 10

const encodedSize = Size * 8 / 5

// using crocford encoding https://www.crockford.com/base32.html
var encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ")

// crocfordMap is a mapping function for the crocford encoding with special cases.
var crocfordMap = func(r rune) rune {
	switch r {
	case '-', '_': // skip
		return -1
	case '0', 'o', 'O':
		return '0'
	case '1', 'l', 'L', 'i', 'I':
		return '1'
	default:
		return unicode.ToUpper(r)
	}
}

// ID is an opaque random identifier. The zero ID is invalid and
// stands for "no user" or "no session".
type ID [Size]byte

// New creates a new random ID.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// Parse parses an ID from its textual form. Empty text is the zero ID.
func Parse(text string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(text))
	return id, err
}

// MustParse is like Parse but panics on error.
func MustParse(text string) ID {
	id, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return id
}

// IsValid reports whether the ID is not zero.
func (id ID) IsValid() bool {
	return id != ID{}
}

// String returns the ID as "XXXXXXXX-XXXXXXXX", or an empty string for the zero ID.
func (id ID) String() string {
	text, _ := id.MarshalText()
	return string(text)
}

func (id ID) MarshalText() ([]byte, error) {
	if !id.IsValid() {
		return []byte{}, nil
	}

	encoded := make([]byte, encodedSize)
	encoding.Encode(encoded, id[:])

	half := encodedSize / 2
	res := make([]byte, encodedSize+1)
	copy(res[:half], encoded[:half])
	res[half] = '-'
	copy(res[half+1:], encoded[half:])

	return res, nil
}

func (id *ID) UnmarshalText(text []byte) error {
	switch len(text) {
	case 0:
		*id = ID{}
		return nil
	case encodedSize: // xxxxxxxxxxxxxxxx
	case encodedSize + 1: // xxxxxxxx-xxxxxxxx
		if text[encodedSize/2] != '-' {
			return ErrInvalidFormat
		}
	default:
		return invalidLengthError(len(text))
	}

	text = bytes.Map(crocfordMap, text)
	if len(text) != encodedSize {
		return ErrInvalidFormat
	}

	decoded := make([]byte, Size)
	n, err := encoding.Decode(decoded, text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	return id.UnmarshalBinary(decoded[:n])
}

func (id ID) MarshalBinary() ([]byte, error) {
	if !id.IsValid() {
		return nil, nil
	}
	return id[:], nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return invalidLengthError(len(data))
	}

	copy(id[:], data)
	return nil
}
