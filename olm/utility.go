package olm

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// VerifySignature checks a base64 Ed25519 signature made by the base64 key over message.
func VerifySignature(key string, message []byte, signature string) error {
	k, err := decode(key)
	if err != nil {
		return err
	}
	sig, err := decode(signature)
	if err != nil {
		return err
	}
	if len(k) != ed25519.PublicKeySize || !ed25519.Verify(k, message, sig) {
		return ErrBadSignature
	}
	return nil
}

// SHA256 returns the base64 encoded SHA-256 hash of input.
func SHA256(input []byte) string {
	sum := sha256.Sum256(input)
	return encode(sum[:])
}
