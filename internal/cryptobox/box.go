package cryptobox

import (
	"crypto/rand"
	"io"

	"github.com/pliu/tandem/internal/apperr"
	"golang.org/x/crypto/nacl/box"
)

const (
	NonceSize = 24

	// MaxMessageSize bounds a single plaintext.
	MaxMessageSize = 64 * 1024
)

// ErrDecryption is the only error Open returns. Callers cannot tell a bad tag
// from a truncated envelope or a wrong key.
var ErrDecryption = apperr.New(apperr.CodeDecryptionFailed, "message could not be decrypted")

// Seal encrypts plaintext for recipientPub using senderPriv and returns
// nonce || box. Every call draws a fresh random nonce.
func Seal(plaintext []byte, recipientPub, senderPriv *[KeySize]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, apperr.InvalidArg("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, apperr.InvalidArg("message too large")
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+box.Overhead)
	copy(out, nonce[:])
	return box.Seal(out, plaintext, &nonce, recipientPub, senderPriv), nil
}

// Open authenticates and decrypts an envelope produced by Seal. Plaintext is
// returned only after the Poly1305 tag has been verified.
func Open(envelope []byte, senderPub, recipientPriv *[KeySize]byte) ([]byte, error) {
	if len(envelope) < NonceSize+box.Overhead {
		return nil, ErrDecryption
	}
	var nonce [NonceSize]byte
	copy(nonce[:], envelope[:NonceSize])

	plaintext, ok := box.Open(nil, envelope[NonceSize:], &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptString seals a UTF-8 message for the base64 recipient key and
// returns the base64 envelope.
func EncryptString(plaintext, recipientPub string, senderPriv *[KeySize]byte) (string, error) {
	pub, err := ParseKey(recipientPub)
	if err != nil {
		return "", err
	}
	env, err := Seal([]byte(plaintext), pub, senderPriv)
	if err != nil {
		return "", err
	}
	return keyEncoding.EncodeToString(env), nil
}

// DecryptString is the inverse of EncryptString. Every failure, including a
// malformed sender key or envelope encoding, is ErrDecryption.
func DecryptString(envelope, senderPub string, recipientPriv *[KeySize]byte) (string, error) {
	pub, err := ParseKey(senderPub)
	if err != nil {
		return "", ErrDecryption
	}
	raw, err := keyEncoding.DecodeString(envelope)
	if err != nil {
		return "", ErrDecryption
	}
	plaintext, err := Open(raw, pub, recipientPriv)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// CheckEnvelope reports whether s could be an envelope: strict base64 of at
// least a nonce and a tag, within the size limit. It cannot tell whether the
// envelope decrypts.
func CheckEnvelope(s string) error {
	maxLen := keyEncoding.EncodedLen(NonceSize + box.Overhead + MaxMessageSize)
	if len(s) > maxLen {
		return apperr.InvalidArg("encryptedContent too large")
	}
	raw, err := keyEncoding.DecodeString(s)
	if err != nil || len(raw) < NonceSize+box.Overhead+1 {
		return apperr.InvalidArg("encryptedContent is not a valid envelope")
	}
	return nil
}
