// Package cryptobox implements the public-key authenticated encryption used
// for partner messages.
//
// Messages are sealed with NaCl crypto_box (X25519, XSalsa20-Poly1305) through
// golang.org/x/crypto/nacl/box. An envelope is the 24-byte nonce followed by
// the sealed box, carried as standard base64 text on the wire.
//
// Example:
//
//	alice, _ := cryptobox.GenerateKeyPair()
//	bob, _ := cryptobox.GenerateKeyPair()
//	env, _ := cryptobox.EncryptString("hello", bob.PublicKeyString(), &alice.Private)
//	text, _ := cryptobox.DecryptString(env, alice.PublicKeyString(), &bob.Private)
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pliu/tandem/internal/apperr"
	"golang.org/x/crypto/nacl/box"
)

const KeySize = 32

// KeyPair is a crypto_box key pair. The private half never leaves the client
// that generated it.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

var keyEncoding = base64.StdEncoding.Strict()

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *publicKey, Private: *privateKey}, nil
}

// PublicKeyString is the base64 form registered with the key store.
func (k *KeyPair) PublicKeyString() string {
	return EncodeKey(&k.Public)
}

// Wipe zeroes the private key.
func (k *KeyPair) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

func EncodeKey(key *[KeySize]byte) string {
	return keyEncoding.EncodeToString(key[:])
}

// ParseKey decodes a base64 public key and checks its length.
func ParseKey(s string) (*[KeySize]byte, error) {
	raw, err := keyEncoding.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		return nil, apperr.InvalidArg("public key must be base64 of 32 bytes")
	}
	var key [KeySize]byte
	copy(key[:], raw)
	if isZeroKey(key) {
		return nil, apperr.InvalidArg("public key must not be all zeros")
	}
	return &key, nil
}

func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
