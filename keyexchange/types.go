// Package keyexchange lets a device that failed to decrypt group messages ask the other members
// of a conversation for the missing session keys, and answers such requests from others.
//
// Requests are posted to the conversation as key solicitations. Members answer over a pairwise
// channel with a key response and announce a fulfillment in the conversation so that other
// members can skip answering the same solicitation.
package keyexchange

import (
	"context"

	"github.com/meow-io/go-e2ee/algorithms"
	"github.com/meow-io/go-e2ee/olmdevice"
)

type Permission string

const PermissionRead Permission = "read"

type ConversationKind int

const (
	KindChannel ConversationKind = iota
	KindDM
	KindGDM
)

func (k ConversationKind) String() string {
	switch k {
	case KindDM:
		return "dm"
	case KindGDM:
		return "gdm"
	default:
		return "channel"
	}
}

// Conversation is what the transport knows about a conversation we follow.
type Conversation struct {
	ID      string
	SpaceID string
	Kind    ConversationKind
}

// KeySolicitation asks the members of a conversation for one group session. KnownSessionIDs
// lists the shared-history sessions the requester already holds.
type KeySolicitation struct {
	OriginHash      string   `cbor:"origin_hash"`
	SessionID       string   `cbor:"session_id"`
	SenderKey       string   `cbor:"sender_key"`
	Algorithm       string   `cbor:"algorithm"`
	KnownSessionIDs []string `cbor:"known_session_ids,omitempty"`
}

// Fulfillment announces which sessions of a solicitation were answered. It never carries keys.
type Fulfillment struct {
	OriginHash string   `cbor:"origin_hash"`
	SessionIDs []string `cbor:"session_ids"`
	Algorithm  string   `cbor:"algorithm"`
}

type ResponseKind int

const (
	ResponseChannelNotFound ResponseKind = iota
	ResponseKeysNotFound
	ResponseKeysFound
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseChannelNotFound:
		return "channel_not_found"
	case ResponseKeysNotFound:
		return "keys_not_found"
	case ResponseKeysFound:
		return "keys_found"
	}
	return "unknown"
}

// KeyResponse travels inside an algorithms.ToDeviceMessage of type algorithms.ToDeviceKeyResponse.
type KeyResponse struct {
	Kind           ResponseKind                      `cbor:"kind"`
	ConversationID string                            `cbor:"conversation_id"`
	Sessions       []*olmdevice.ExportedGroupSession `cbor:"sessions,omitempty"`
}

// KeyRequestRecord is one request we made for a conversation and the responses it got.
type KeyRequestRecord struct {
	Timestamp int64
	Responses []*RecordedResponse
}

type RecordedResponse struct {
	From     string
	Kind     ResponseKind
	Sessions int
}

// Transport is the event layer the extension posts to and reads conversation state from.
type Transport interface {
	algorithms.ToDeviceSender

	// Conversation returns false for conversations we do not follow.
	Conversation(conversationID string) (*Conversation, bool)
	IsMember(conversationID, userID string) bool
	PostKeySolicitation(ctx context.Context, conversationID string, s *KeySolicitation) error
	PostFulfillment(ctx context.Context, conversationID string, f *Fulfillment) error
	// KeySolicitationFulfilled reports whether a fulfillment for the session of the solicitation
	// with originHash was posted to the conversation.
	KeySolicitationFulfilled(conversationID, originHash, sessionID string) bool
}

type Entitlements interface {
	IsEntitled(ctx context.Context, spaceID, conversationID, userID string, p Permission) (bool, error)
}
