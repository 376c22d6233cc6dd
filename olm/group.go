package olm

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/crypto"
)

const (
	groupMessageVersion  = 3
	sessionKeyVersion    = 2
	sessionExportVersion = 1
)

type groupMessage struct {
	Version    uint8  `cbor:"1,keyasint"`
	Index      uint32 `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Signature  []byte `cbor:"4,keyasint,omitempty"`
}

func (m *groupMessage) signedBytes() []byte {
	return concatLengthPrefixed([]byte{m.Version}, binary.BigEndian.AppendUint32(nil, m.Index), m.Ciphertext)
}

type sessionKey struct {
	Version    uint8  `cbor:"1,keyasint"`
	Index      uint32 `cbor:"2,keyasint"`
	Ratchet    []byte `cbor:"3,keyasint"`
	SigningKey []byte `cbor:"4,keyasint"`
	Signature  []byte `cbor:"5,keyasint,omitempty"`
}

func (k *sessionKey) signedBytes() []byte {
	return concatLengthPrefixed([]byte{k.Version}, binary.BigEndian.AppendUint32(nil, k.Index), k.Ratchet, k.SigningKey)
}

func concatLengthPrefixed(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}

func messageKey(r *megolmRatchet) ([]byte, error) {
	return crypto.Derive(r.bytes(), nil, "MEGOLM_KEYS", 32)
}

// OutboundGroupSession encrypts messages for a conversation, advancing its ratchet after each one.
type OutboundGroupSession struct {
	Ratchet     *megolmRatchet `cbor:"1,keyasint"`
	SigningSeed []byte         `cbor:"2,keyasint"`
}

func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	data := make([]byte, megolmRatchetSize)
	if _, err := io.ReadFull(crypto_rand.Reader, data); err != nil {
		return nil, fmt.Errorf("olm: error generating group ratchet: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: error generating group signing key: %w", err)
	}
	return &OutboundGroupSession{Ratchet: newMegolmRatchet(data, 0), SigningSeed: signing.Seed()}, nil
}

func UnpickleOutboundGroupSession(key []byte, pickled string) (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{}
	if err := unpickle(key, pickled, s); err != nil {
		return nil, err
	}
	if s.Ratchet == nil || len(s.SigningSeed) != ed25519.SeedSize {
		return nil, ErrBadPickle
	}
	return s, nil
}

func (s *OutboundGroupSession) Pickle(key []byte) (string, error) {
	return pickle(key, s)
}

func (s *OutboundGroupSession) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.SigningSeed)
}

func (s *OutboundGroupSession) signingPub() []byte {
	return s.signingKey().Public().(ed25519.PublicKey)
}

// ID is the base64 public signing key, which every message of the session is signed with.
func (s *OutboundGroupSession) ID() string {
	return encode(s.signingPub())
}

func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.Ratchet.Counter
}

// SessionKey is the signed key material to share with recipients, starting at the current index.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	k := &sessionKey{
		Version:    sessionKeyVersion,
		Index:      s.Ratchet.Counter,
		Ratchet:    s.Ratchet.bytes(),
		SigningKey: s.signingPub(),
	}
	k.Signature = ed25519.Sign(s.signingKey(), k.signedBytes())
	b, err := cbor.Marshal(k)
	if err != nil {
		return "", err
	}
	return encode(b), nil
}

func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	mk, err := messageKey(s.Ratchet)
	if err != nil {
		return "", err
	}
	m := &groupMessage{Version: groupMessageVersion, Index: s.Ratchet.Counter}
	if m.Ciphertext, err = crypto.EncryptWithKey(mk, plaintext, nil); err != nil {
		return "", fmt.Errorf("olm: error encrypting group message: %w", err)
	}
	m.Signature = ed25519.Sign(s.signingKey(), m.signedBytes())
	b, err := cbor.Marshal(m)
	if err != nil {
		return "", err
	}
	s.Ratchet.advance()
	return encode(b), nil
}

// InboundGroupSession decrypts messages of one sender's group session from its first known index on.
type InboundGroupSession struct {
	Initial           *megolmRatchet `cbor:"1,keyasint"`
	Latest            *megolmRatchet `cbor:"2,keyasint"`
	SigningKey        []byte         `cbor:"3,keyasint"`
	SignatureVerified bool           `cbor:"4,keyasint"`
}

func decodeSessionKey(s string) (*sessionKey, error) {
	raw, err := decode(s)
	if err != nil {
		return nil, err
	}
	k := &sessionKey{}
	if err := cbor.Unmarshal(raw, k); err != nil {
		return nil, ErrBadSessionKey
	}
	if len(k.Ratchet) != megolmRatchetSize || len(k.SigningKey) != ed25519.PublicKeySize {
		return nil, ErrBadSessionKey
	}
	return k, nil
}

func newInbound(k *sessionKey, verified bool) *InboundGroupSession {
	r := newMegolmRatchet(k.Ratchet, k.Index)
	return &InboundGroupSession{Initial: r, Latest: r.clone(), SigningKey: k.SigningKey, SignatureVerified: verified}
}

// NewInboundGroupSession creates a session from a signed session key as produced by
// OutboundGroupSession.SessionKey.
func NewInboundGroupSession(key string) (*InboundGroupSession, error) {
	k, err := decodeSessionKey(key)
	if err != nil {
		return nil, err
	}
	if k.Version != sessionKeyVersion {
		return nil, ErrBadSessionKey
	}
	if !ed25519.Verify(k.SigningKey, k.signedBytes(), k.Signature) {
		return nil, ErrBadSignature
	}
	return newInbound(k, true), nil
}

// ImportInboundGroupSession creates a session from the unsigned export format.
func ImportInboundGroupSession(key string) (*InboundGroupSession, error) {
	k, err := decodeSessionKey(key)
	if err != nil {
		return nil, err
	}
	if k.Version != sessionExportVersion {
		return nil, ErrBadSessionKey
	}
	return newInbound(k, false), nil
}

func UnpickleInboundGroupSession(key []byte, pickled string) (*InboundGroupSession, error) {
	s := &InboundGroupSession{}
	if err := unpickle(key, pickled, s); err != nil {
		return nil, err
	}
	if s.Initial == nil || s.Latest == nil || len(s.SigningKey) != ed25519.PublicKeySize {
		return nil, ErrBadPickle
	}
	return s, nil
}

func (s *InboundGroupSession) Pickle(key []byte) (string, error) {
	return pickle(key, s)
}

func (s *InboundGroupSession) ID() string {
	return encode(s.SigningKey)
}

func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.Initial.Counter
}

func (s *InboundGroupSession) IsVerified() bool {
	return s.SignatureVerified
}

func (s *InboundGroupSession) ratchetAt(index uint32) (*megolmRatchet, error) {
	if index < s.Initial.Counter {
		return nil, ErrUnknownMessageIndex
	}
	var r *megolmRatchet
	if index >= s.Latest.Counter {
		r = s.Latest.clone()
	} else {
		r = s.Initial.clone()
	}
	r.advanceTo(index)
	return r, nil
}

// ExportAt returns the unsigned export format of the session starting at index.
func (s *InboundGroupSession) ExportAt(index uint32) (string, error) {
	r, err := s.ratchetAt(index)
	if err != nil {
		return "", err
	}
	b, err := cbor.Marshal(&sessionKey{
		Version:    sessionExportVersion,
		Index:      index,
		Ratchet:    r.bytes(),
		SigningKey: s.SigningKey,
	})
	if err != nil {
		return "", err
	}
	return encode(b), nil
}

// Decrypt returns the plaintext and the ratchet index the message was encrypted at.
func (s *InboundGroupSession) Decrypt(message string) ([]byte, uint32, error) {
	raw, err := decode(message)
	if err != nil {
		return nil, 0, err
	}
	m := &groupMessage{}
	if err := cbor.Unmarshal(raw, m); err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	if m.Version != groupMessageVersion {
		return nil, 0, fmt.Errorf("%w: unknown version %d", ErrBadMessageFormat, m.Version)
	}
	if !ed25519.Verify(s.SigningKey, m.signedBytes(), m.Signature) {
		return nil, 0, ErrBadSignature
	}
	r, err := s.ratchetAt(m.Index)
	if err != nil {
		return nil, 0, err
	}
	mk, err := messageKey(r)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := crypto.DecryptWithKey(mk, m.Ciphertext, nil)
	if err != nil {
		return nil, 0, ErrBadMessageMAC
	}
	if m.Index >= s.Latest.Counter {
		s.Latest = r
	}
	s.SignatureVerified = true
	return plaintext, m.Index, nil
}
