// Package keys generates and converts secp256k1 keys in the hex form events
// carry.
package keys

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lukechampine.com/frand"
)

// GeneratePrivateKey returns a random secret key as 64 hex characters.
func GeneratePrivateKey() string {
	for {
		b := frand.Bytes(32)
		var s btcec.ModNScalar
		// reject zero and values at or above the group order
		if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
			continue
		}
		return hex.EncodeToString(b)
	}
}

// SecretKey decodes a hex secret key.
func SecretKey(sk string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(sk)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// GetPublicKey derives the x-only public key hex from a hex secret key.
func GetPublicKey(sk string) (string, error) {
	priv, err := SecretKey(sk)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// IsValid32ByteHex is true for 64 lower case hex characters.
func IsValid32ByteHex(pk string) bool {
	if len(pk) != 64 {
		return false
	}
	for i := 0; i < len(pk); i++ {
		c := pk[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
