package eventid

import (
	"encoding/hex"
	"fmt"
)

// T is the SHA256 hash in hexadecimal of the canonical form of an event.
type T string

func (ei T) String() string { return string(ei) }

// Bytes decodes the id, returning nil if it is not valid hex.
func (ei T) Bytes() (b []byte) {
	var err error
	if b, err = hex.DecodeString(string(ei)); err != nil {
		return nil
	}
	return
}

// New inspects a string and ensures it is a valid, 64 character long
// lower case hexadecimal string, returns the string coerced to the type.
func New(s string) (ei T, err error) {
	ei = T(s)
	if err = ei.Validate(); err != nil {
		ei = ""
	}
	return
}

// Validate checks the T string is lower case hex and 64 characters long.
func (ei T) Validate() (err error) {
	if len(ei) != 64 {
		return fmt.Errorf("event ID invalid length: got %d expect 64", len(ei))
	}
	if !IsLowerHex(string(ei)) {
		return fmt.Errorf("event ID is not lower case hex: %s", string(ei))
	}
	return
}

// IsLowerHex reports whether s consists only of 0-9a-f.
func IsLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
