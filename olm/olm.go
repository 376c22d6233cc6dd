// Package olm implements the primitive ratchets used by the e2ee client: a device Account with
// identity and fallback keys, pairwise Sessions bootstrapped from a triple Diffie-Hellman
// handshake and driven by a double ratchet, and Megolm-style group sessions. Every object
// can be pickled into an encrypted, base64 encoded string.
package olm

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/crypto"
)

// Wire identifiers of the two encryption algorithms.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Message types of pairwise ciphertexts.
const (
	MessageTypePreKey  = 0
	MessageTypeMessage = 1
)

var (
	ErrBadMessageFormat    = errors.New("olm: BAD_MESSAGE_FORMAT")
	ErrBadMessageKeyID     = errors.New("olm: BAD_MESSAGE_KEY_ID")
	ErrBadMessageMAC       = errors.New("olm: BAD_MESSAGE_MAC")
	ErrBadSignature        = errors.New("olm: BAD_SIGNATURE")
	ErrBadSessionKey       = errors.New("olm: BAD_SESSION_KEY")
	ErrUnknownMessageIndex = errors.New("olm: UNKNOWN_MESSAGE_INDEX")
	ErrInvalidBase64       = errors.New("olm: INVALID_BASE64")
	ErrBadPickle           = errors.New("olm: BAD_ACCOUNT_KEY")
)

var encoding = base64.RawStdEncoding

func encode(b []byte) string {
	return encoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

func decodeKey(s string) ([32]byte, error) {
	var k [32]byte
	b, err := decode(s)
	if err != nil {
		return k, err
	}
	if len(b) != 32 {
		return k, fmt.Errorf("%w: key has length %d", ErrInvalidBase64, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func pickleKey(key []byte) ([]byte, error) {
	return crypto.Derive(key, nil, "OLM_PICKLE", 32)
}

func pickle(key []byte, v interface{}) (string, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("olm: error encoding pickle: %w", err)
	}
	k, err := pickleKey(key)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(k, data, nil)
	if err != nil {
		return "", fmt.Errorf("olm: error sealing pickle: %w", err)
	}
	return encode(sealed), nil
}

func unpickle(key []byte, pickled string, v interface{}) error {
	sealed, err := decode(pickled)
	if err != nil {
		return err
	}
	k, err := pickleKey(key)
	if err != nil {
		return err
	}
	data, err := crypto.Open(k, sealed, nil)
	if err != nil {
		return ErrBadPickle
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("olm: error decoding pickle: %w", err)
	}
	return nil
}
