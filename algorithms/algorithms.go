// Package algorithms dispatches encryption and decryption to the pairwise (Olm) and group
// (Megolm) algorithms. A Registry maps algorithm names to implementations; decryptors may also
// implement the optional hook interfaces to take part in key sharing.
package algorithms

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/internal/metrics"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/olmdevice"
)

var (
	ErrUnknownAlgorithm      = errors.New("algorithms: unknown algorithm")
	ErrPlaintextTooLong      = errors.New("algorithms: plaintext too long")
	ErrNoSessions            = errors.New("algorithms: no existing sessions")
	ErrPrekeySessionMismatch = errors.New("algorithms: error decrypting prekey message with existing session")
	ErrBadRoomKey            = errors.New("algorithms: room key is missing fields")
)

const (
	OlmAlgorithm    = olm.AlgorithmOlm
	MegolmAlgorithm = olm.AlgorithmMegolm
)

// To-device message types carried inside Olm payloads.
const (
	ToDeviceRoomKey          = "r.room_key"
	ToDeviceForwardedRoomKey = "r.forwarded_room_key"
	ToDeviceRoomKeyWithheld  = "r.room_key.withheld"
	ToDeviceKeyResponse      = "r.key_response"
)

// Withheld codes and the text shown for each.
const (
	WithheldUnverified   = "r.unverified"
	WithheldBlacklisted  = "r.blacklisted"
	WithheldUnauthorised = "r.unauthorised"
	WithheldNoOlm        = "r.no_olm"
)

var withheldMessages = map[string]string{
	WithheldUnverified:   "The sender has disabled encrypting to unverified devices.",
	WithheldBlacklisted:  "The sender has blocked you.",
	WithheldUnauthorised: "You are not authorised to read the message.",
	WithheldNoOlm:        "Unable to establish a secure channel.",
}

// OlmMessage is one recipient's pairwise ciphertext.
type OlmMessage struct {
	Type int    `cbor:"type"`
	Body string `cbor:"body"`
}

// EncryptedContent is the wire content of an encrypted event. Group messages fill SessionID and
// Ciphertext, pairwise messages fill OlmCiphertext keyed by recipient identity key.
type EncryptedContent struct {
	Algorithm     string                 `cbor:"algorithm"`
	SenderKey     string                 `cbor:"sender_key"`
	SessionID     string                 `cbor:"session_id,omitempty"`
	Ciphertext    string                 `cbor:"ciphertext,omitempty"`
	OlmCiphertext map[string]*OlmMessage `cbor:"olm_ciphertext,omitempty"`
}

// Event is an encrypted event as delivered by the transport.
type Event struct {
	ID             string
	Sender         string
	ConversationID string
	Timestamp      int64
	Content        *EncryptedContent
}

type DecryptionResult struct {
	Content           []byte
	SenderKey         string
	ClaimedEd25519Key string
	ConversationID    string
	Untrusted         bool
}

// Target names who a message is encrypted for. Group encryption uses ConversationID, pairwise
// encryption every device of UserIDs.
type Target struct {
	ConversationID string
	UserIDs        []string
}

type KeyMap struct {
	Ed25519 string `cbor:"ed25519"`
}

// OlmPayload is the plaintext of a pairwise message.
type OlmPayload struct {
	Sender         string `cbor:"sender"`
	SenderDevice   string `cbor:"sender_device"`
	Keys           KeyMap `cbor:"keys"`
	Recipient      string `cbor:"recipient"`
	RecipientKeys  KeyMap `cbor:"recipient_keys"`
	ConversationID string `cbor:"conversation_id,omitempty"`
	Content        []byte `cbor:"content"`
}

// GroupPayload is the plaintext of a group message.
type GroupPayload struct {
	ConversationID string `cbor:"conversation_id"`
	Content        []byte `cbor:"content"`
}

type RoomKey struct {
	Algorithm      string            `cbor:"algorithm"`
	ConversationID string            `cbor:"conversation_id"`
	SenderKey      string            `cbor:"sender_key"`
	SessionID      string            `cbor:"session_id"`
	SessionKey     string            `cbor:"session_key"`
	ChainIndex     uint32            `cbor:"chain_index"`
	ExportFormat   bool              `cbor:"export_format"`
	KeysClaimed    map[string]string `cbor:"sender_claimed_keys,omitempty"`
}

type Withheld struct {
	ConversationID string `cbor:"conversation_id"`
	SenderKey      string `cbor:"sender_key"`
	SessionID      string `cbor:"session_id,omitempty"`
	Code           string `cbor:"code"`
	Reason         string `cbor:"reason"`
}

// ToDeviceMessage is the content of an Olm payload exchanged between devices. Body carries
// message types owned by other packages.
type ToDeviceMessage struct {
	Type     string    `cbor:"type"`
	RoomKey  *RoomKey  `cbor:"room_key,omitempty"`
	Withheld *Withheld `cbor:"withheld,omitempty"`
	Body     []byte    `cbor:"body,omitempty"`
}

type KeyRequest struct {
	ConversationID string
	SenderKey      string
	SessionID      string
}

type Encryptor interface {
	Encrypt(ctx context.Context, target *Target, content []byte) (*EncryptedContent, error)
}

type Decryptor interface {
	Decrypt(ctx context.Context, ev *Event) (*DecryptionResult, error)
}

// RoomKeyHandler is implemented by decryptors that accept group session keys.
type RoomKeyHandler interface {
	OnRoomKeyEvent(ctx context.Context, senderKey string, key *RoomKey) error
	OnRoomKeyWithheldEvent(ctx context.Context, w *Withheld) error
	ImportRoomKey(ctx context.Context, s *olmdevice.ExportedGroupSession, untrusted bool) error
}

type KeyRequestChecker interface {
	HasKeysForKeyRequest(req *KeyRequest) (bool, error)
}

// KeySharer is implemented by decryptors that can send the keys they hold to other devices.
type KeySharer interface {
	ShareKeysWithDevices(ctx context.Context, conversationID string, devicesByUser map[string][]*devicelist.DeviceInfo) error
}

type SenderRetrier interface {
	RetryDecryptionFromSender(ctx context.Context, senderKey string) bool
}

// ToDeviceSender delivers pairwise encrypted content to every device of a user.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, userID string, content *EncryptedContent) error
}

// DecryptionListener observes events decrypted again after a key arrived.
type DecryptionListener func(ev *Event, res *DecryptionResult, err error)

// Params is what the algorithm implementations share.
type Params struct {
	Config   *config.Config
	UserID   string
	DeviceID string
	Device   *olmdevice.Device
	Devices  *devicelist.List
	Sender   ToDeviceSender
	Metrics  *metrics.Metrics
	Listener DecryptionListener
}

type Registry struct {
	encryptors map[string]Encryptor
	decryptors map[string]Decryptor
}

func NewRegistry() *Registry {
	return &Registry{
		encryptors: make(map[string]Encryptor),
		decryptors: make(map[string]Decryptor),
	}
}

// NewDefaultRegistry registers the pairwise and group algorithms.
func NewDefaultRegistry(p *Params) *Registry {
	r := NewRegistry()
	o := NewOlm(p)
	r.Register(OlmAlgorithm, o, o)
	m := NewMegolm(p, o)
	r.Register(MegolmAlgorithm, m, m)
	return r
}

func (r *Registry) Register(algorithm string, e Encryptor, d Decryptor) {
	r.encryptors[algorithm] = e
	r.decryptors[algorithm] = d
}

func (r *Registry) Encryptor(algorithm string) (Encryptor, error) {
	e, ok := r.encryptors[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
	return e, nil
}

func (r *Registry) Decryptor(algorithm string) (Decryptor, error) {
	d, ok := r.decryptors[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
	return d, nil
}
