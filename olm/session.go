package olm

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/status-im/doubleratchet"
)

type preKey struct {
	IdentityKey []byte `cbor:"1,keyasint"`
	BaseKey     []byte `cbor:"2,keyasint"`
	OneTimeKey  []byte `cbor:"3,keyasint"`
}

type preKeyMessage struct {
	IdentityKey []byte `cbor:"1,keyasint"`
	BaseKey     []byte `cbor:"2,keyasint"`
	OneTimeKey  []byte `cbor:"3,keyasint"`
	Message     []byte `cbor:"4,keyasint"`
}

type ratchetMessage struct {
	DH         []byte `cbor:"1,keyasint"`
	N          uint32 `cbor:"2,keyasint"`
	PN         uint32 `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// Session is one end of a pairwise ratchet. Until the initiating side has received a reply, its
// messages are prekey messages carrying the keys the other side needs to create the session.
type Session struct {
	id               []byte
	preKey           *preKey
	initiator        bool
	received         bool
	theirIdentityKey string
	store            *ratchetStore
}

type sessionPickle struct {
	ID               []byte        `cbor:"1,keyasint"`
	PreKey           *preKey       `cbor:"2,keyasint"`
	Initiator        bool          `cbor:"3,keyasint"`
	Received         bool          `cbor:"4,keyasint"`
	TheirIdentityKey string        `cbor:"5,keyasint"`
	State            *ratchetState `cbor:"6,keyasint"`
	Skipped          []*skippedKey `cbor:"7,keyasint"`
}

func newSession(pk *preKey, initiator bool, theirIdentityKey string) (*Session, error) {
	id := sessionID(pk)
	return &Session{
		id:               id,
		preKey:           pk,
		initiator:        initiator,
		received:         !initiator,
		theirIdentityKey: theirIdentityKey,
		store:            &ratchetStore{id: id, keys: &skippedKeys{sessionID: id}},
	}, nil
}

func UnpickleSession(key []byte, pickled string) (*Session, error) {
	p := &sessionPickle{}
	if err := unpickle(key, pickled, p); err != nil {
		return nil, err
	}
	if p.PreKey == nil || p.State == nil {
		return nil, ErrBadPickle
	}
	return &Session{
		id:               p.ID,
		preKey:           p.PreKey,
		initiator:        p.Initiator,
		received:         p.Received,
		theirIdentityKey: p.TheirIdentityKey,
		store:            &ratchetStore{id: p.ID, state: p.State, keys: &skippedKeys{sessionID: p.ID, Keys: p.Skipped}},
	}, nil
}

func (s *Session) Pickle(key []byte) (string, error) {
	return pickle(key, &sessionPickle{
		ID:               s.id,
		PreKey:           s.preKey,
		Initiator:        s.initiator,
		Received:         s.received,
		TheirIdentityKey: s.theirIdentityKey,
		State:            s.store.state,
		Skipped:          s.store.keys.Keys,
	})
}

func (s *Session) ID() string {
	return encode(s.id)
}

func (s *Session) HasReceivedMessage() bool {
	return s.received
}

func (s *Session) load() (doubleratchet.Session, error) {
	return doubleratchet.Load(s.id, s.store, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(s.store.keys))
}

// Encrypt returns the message type and the base64 encoded body.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	rs, err := s.load()
	if err != nil {
		return 0, "", fmt.Errorf("olm: error loading ratchet: %w", err)
	}
	m, err := rs.RatchetEncrypt(plaintext, s.id)
	if err != nil {
		return 0, "", fmt.Errorf("olm: error encrypting: %w", err)
	}
	body, err := cbor.Marshal(&ratchetMessage{DH: m.Header.DH, N: m.Header.N, PN: m.Header.PN, Ciphertext: m.Ciphertext})
	if err != nil {
		return 0, "", err
	}
	if s.received {
		return MessageTypeMessage, encode(body), nil
	}
	wrapped, err := cbor.Marshal(&preKeyMessage{
		IdentityKey: s.preKey.IdentityKey,
		BaseKey:     s.preKey.BaseKey,
		OneTimeKey:  s.preKey.OneTimeKey,
		Message:     body,
	})
	if err != nil {
		return 0, "", err
	}
	return MessageTypePreKey, encode(wrapped), nil
}

func (s *Session) Decrypt(messageType int, message string) ([]byte, error) {
	var body []byte
	switch messageType {
	case MessageTypePreKey:
		pkm, err := decodePreKeyMessage(message)
		if err != nil {
			return nil, err
		}
		if !s.matchesPreKey(pkm) {
			return nil, ErrBadMessageKeyID
		}
		body = pkm.Message
	case MessageTypeMessage:
		raw, err := decode(message)
		if err != nil {
			return nil, err
		}
		body = raw
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessageFormat, messageType)
	}

	rm := &ratchetMessage{}
	if err := cbor.Unmarshal(body, rm); err != nil {
		return nil, ErrBadMessageFormat
	}
	rs, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("olm: error loading ratchet: %w", err)
	}
	plaintext, err := rs.RatchetDecrypt(doubleratchet.Message{
		Header:     doubleratchet.MessageHeader{DH: rm.DH, N: rm.N, PN: rm.PN},
		Ciphertext: rm.Ciphertext,
	}, s.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMessageMAC, err)
	}
	s.received = true
	return plaintext, nil
}

func (s *Session) matchesPreKey(pkm *preKeyMessage) bool {
	return bytes.Equal(pkm.IdentityKey, s.preKey.IdentityKey) &&
		bytes.Equal(pkm.BaseKey, s.preKey.BaseKey) &&
		bytes.Equal(pkm.OneTimeKey, s.preKey.OneTimeKey)
}

// MatchesInbound reports whether a prekey message was created for this session.
func (s *Session) MatchesInbound(message string) bool {
	pkm, err := decodePreKeyMessage(message)
	if err != nil {
		return false
	}
	return s.matchesPreKey(pkm)
}

func (s *Session) MatchesInboundFrom(theirIdentityKey, message string) bool {
	return s.theirIdentityKey == theirIdentityKey && s.MatchesInbound(message)
}
