package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func DH(pub, priv []byte) []byte {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return key[:]
}

// Encrypts with a fixed nonce. The key must never be used for more than one message.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal encrypts msg under a long-lived key with a random 24 byte nonce, which is prepended.
func Seal(key, msg, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(msg)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func Open(key, enc, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrShortCiphertext
	}
	return cipher.Open(nil, enc[:chacha20poly1305.NonceSizeX], enc[chacha20poly1305.NonceSizeX:], ad)
}

// Derive expands secret into n bytes with HKDF-SHA256.
func Derive(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: error deriving %s: %w", info, err)
	}
	return out, nil
}
