package olm

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

// IdentityKeys are the public halves of an account's long-lived keys, base64 encoded.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

type fallbackKey struct {
	ID        uint32 `cbor:"1,keyasint"`
	Pub       []byte `cbor:"2,keyasint"`
	Priv      []byte `cbor:"3,keyasint"`
	Published bool   `cbor:"4,keyasint"`
}

func (f *fallbackKey) keyID() string {
	return encode(binary.BigEndian.AppendUint32(nil, f.ID))
}

// Account is a device's long-lived identity: a Curve25519 identity key, an Ed25519 signing key
// and up to two fallback keys (the current one and the one it replaced).
type Account struct {
	IdentityPub  []byte       `cbor:"1,keyasint"`
	IdentityPriv []byte       `cbor:"2,keyasint"`
	SigningSeed  []byte       `cbor:"3,keyasint"`
	Fallback     *fallbackKey `cbor:"4,keyasint,omitempty"`
	PrevFallback *fallbackKey `cbor:"5,keyasint,omitempty"`
	NextKeyID    uint32       `cbor:"6,keyasint"`
}

func NewAccount() (*Account, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: error generating identity key: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: error generating signing key: %w", err)
	}
	return &Account{
		IdentityPub:  pub[:],
		IdentityPriv: priv[:],
		SigningSeed:  signing.Seed(),
		NextKeyID:    1,
	}, nil
}

func UnpickleAccount(key []byte, pickled string) (*Account, error) {
	a := &Account{}
	if err := unpickle(key, pickled, a); err != nil {
		return nil, err
	}
	if len(a.IdentityPub) != 32 || len(a.IdentityPriv) != 32 || len(a.SigningSeed) != ed25519.SeedSize {
		return nil, ErrBadPickle
	}
	return a, nil
}

func (a *Account) Pickle(key []byte) (string, error) {
	return pickle(key, a)
}

func (a *Account) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.SigningSeed)
}

func (a *Account) IdentityKeys() IdentityKeys {
	return IdentityKeys{
		Curve25519: encode(a.IdentityPub),
		Ed25519:    encode(a.signingKey().Public().(ed25519.PublicKey)),
	}
}

// Sign returns the base64 encoded Ed25519 signature of message.
func (a *Account) Sign(message []byte) string {
	return encode(ed25519.Sign(a.signingKey(), message))
}

// GenerateFallbackKey replaces the current fallback key, keeping the replaced key around so
// prekey messages already in flight can still be received.
func (a *Account) GenerateFallbackKey() error {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return fmt.Errorf("olm: error generating fallback key: %w", err)
	}
	a.PrevFallback = a.Fallback
	a.Fallback = &fallbackKey{ID: a.NextKeyID, Pub: pub[:], Priv: priv[:]}
	a.NextKeyID++
	return nil
}

func (a *Account) ForgetOldFallbackKey() {
	a.PrevFallback = nil
}

// FallbackKey returns the current fallback key as key id to base64 public key.
func (a *Account) FallbackKey() map[string]string {
	out := map[string]string{}
	if a.Fallback != nil {
		out[a.Fallback.keyID()] = encode(a.Fallback.Pub)
	}
	return out
}

func (a *Account) UnpublishedFallbackKey() map[string]string {
	out := map[string]string{}
	if a.Fallback != nil && !a.Fallback.Published {
		out[a.Fallback.keyID()] = encode(a.Fallback.Pub)
	}
	return out
}

func (a *Account) MarkKeysAsPublished() {
	if a.Fallback != nil {
		a.Fallback.Published = true
	}
}

func (a *Account) findFallback(pub []byte) *fallbackKey {
	for _, f := range []*fallbackKey{a.Fallback, a.PrevFallback} {
		if f != nil && bytes.Equal(f.Pub, pub) {
			return f
		}
	}
	return nil
}

// NewOutboundSession starts a session to a device given its identity key and one of its
// published one-time or fallback keys.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	ib, err := decodeKey(theirIdentityKey)
	if err != nil {
		return nil, err
	}
	ob, err := decodeKey(theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	ePub, ePriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: error generating base key: %w", err)
	}

	secret := concatBytes(
		crypto.DH(ob[:], a.IdentityPriv),
		crypto.DH(ib[:], ePriv[:]),
		crypto.DH(ob[:], ePriv[:]),
	)
	pk := &preKey{IdentityKey: a.IdentityPub, BaseKey: ePub[:], OneTimeKey: ob[:]}
	s, err := newSession(pk, true, theirIdentityKey)
	if err != nil {
		return nil, err
	}
	sk, err := crypto.Derive(secret, nil, "OLM_ROOT", 32)
	if err != nil {
		return nil, err
	}
	if _, err := doubleratchet.NewWithRemoteKey(s.id, sk, ob[:], s.store, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(s.store.keys)); err != nil {
		return nil, fmt.Errorf("olm: error initializing doubleratchet: %w", err)
	}
	if s.store.state == nil {
		return nil, fmt.Errorf("olm: doubleratchet did not save state for %s", s.ID())
	}
	return s, nil
}

// NewInboundSession creates a session from a received prekey message. theirIdentityKey may be
// empty, in which case the sender is not checked.
func (a *Account) NewInboundSession(theirIdentityKey, message string) (*Session, error) {
	pkm, err := decodePreKeyMessage(message)
	if err != nil {
		return nil, err
	}
	if theirIdentityKey != "" {
		ik, err := decode(theirIdentityKey)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(ik, pkm.IdentityKey) {
			return nil, ErrBadMessageKeyID
		}
	}
	fb := a.findFallback(pkm.OneTimeKey)
	if fb == nil {
		return nil, ErrBadMessageKeyID
	}

	secret := concatBytes(
		crypto.DH(pkm.IdentityKey, fb.Priv),
		crypto.DH(pkm.BaseKey, a.IdentityPriv),
		crypto.DH(pkm.BaseKey, fb.Priv),
	)
	pk := &preKey{IdentityKey: pkm.IdentityKey, BaseKey: pkm.BaseKey, OneTimeKey: pkm.OneTimeKey}
	s, err := newSession(pk, false, encode(pkm.IdentityKey))
	if err != nil {
		return nil, err
	}
	sk, err := crypto.Derive(secret, nil, "OLM_ROOT", 32)
	if err != nil {
		return nil, err
	}
	pair := dhPair{}
	copy(pair.privateKey[:], fb.Priv)
	copy(pair.publicKey[:], fb.Pub)
	if _, err := doubleratchet.New(s.id, sk, pair, s.store, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(s.store.keys)); err != nil {
		return nil, fmt.Errorf("olm: error initializing doubleratchet: %w", err)
	}
	if s.store.state == nil {
		return nil, fmt.Errorf("olm: doubleratchet did not save state for %s", s.ID())
	}
	return s, nil
}

func sessionID(pk *preKey) []byte {
	h := sha256.New()
	h.Write(pk.IdentityKey)
	h.Write(pk.BaseKey)
	h.Write(pk.OneTimeKey)
	return h.Sum(nil)
}

func concatBytes(parts ...[]byte) []byte {
	out := []byte{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func decodePreKeyMessage(message string) (*preKeyMessage, error) {
	raw, err := decode(message)
	if err != nil {
		return nil, err
	}
	pkm := &preKeyMessage{}
	if err := cbor.Unmarshal(raw, pkm); err != nil {
		return nil, ErrBadMessageFormat
	}
	if len(pkm.IdentityKey) != 32 || len(pkm.BaseKey) != 32 || len(pkm.OneTimeKey) != 32 {
		return nil, ErrBadMessageFormat
	}
	return pkm, nil
}
