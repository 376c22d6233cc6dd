// Package store defines the transactional key store the encryption core persists into and a
// SQLCipher backed implementation of it.
//
// Getters return a nil record and a nil error when nothing is stored under the given key.
package store

// KeyStore runs units of work against persisted key material. fn runs inside a single
// transaction which commits if fn returns nil and rolls back otherwise. Calls never nest.
type KeyStore interface {
	Run(label string, fn func(Txn) error) error
	RunReadOnly(label string, fn func(Txn) error) error
}

type Txn interface {
	Account() (string, error)
	StoreAccount(pickled string) error

	Session(deviceKey, sessionID string) (*Session, error)
	Sessions(deviceKey string) ([]*Session, error)
	AllSessions() ([]*Session, error)
	StoreSession(s *Session) error

	StoreSessionProblem(deviceKey string, p *SessionProblem) error
	SessionProblems(deviceKey string) ([]*SessionProblem, error)
	FilterOutNotifiedErrorDevices(devices []*DeviceRef) ([]*DeviceRef, error)

	InboundGroupSession(senderKey, sessionID string) (*InboundGroupSession, *Withheld, error)
	InboundGroupSessions(conversationID string) ([]*InboundGroupSession, error)
	StoreInboundGroupSession(s *InboundGroupSession) error
	StoreInboundGroupSessionWithheld(w *Withheld) error
	AddSharedHistoryInboundGroupSession(conversationID, senderKey, sessionID string) error
	SharedHistoryInboundGroupSessions(conversationID string) ([]*SessionRef, error)

	OutboundGroupSession(sessionID string) (*OutboundGroupSession, error)
	OutboundGroupSessionForConversation(conversationID string) (*OutboundGroupSession, error)
	StoreOutboundGroupSession(s *OutboundGroupSession) error

	ReplayEntry(senderKey, sessionID string, index uint32) (*ReplayEntry, error)
	StoreReplayEntry(senderKey, sessionID string, index uint32, e *ReplayEntry) error

	DeviceData() ([]byte, error)
	StoreDeviceData(data []byte) error
}

// Session is a pickled pairwise session.
type Session struct {
	DeviceKey             string `db:"device_key"`
	SessionID             string `db:"session_id"`
	Pickle                string `db:"pickle"`
	LastReceivedMessageTs int64  `db:"last_received_message_ts"`
}

type SessionProblem struct {
	Type  string `db:"type"`
	Fixed bool   `db:"fixed"`
	Time  int64  `db:"time"`
}

// DeviceRef names a remote device by owner and identity key.
type DeviceRef struct {
	UserID    string
	DeviceKey string
}

type InboundGroupSession struct {
	SenderKey      string            `db:"sender_key"`
	SessionID      string            `db:"session_id"`
	ConversationID string            `db:"conversation_id"`
	Pickle         string            `db:"pickle"`
	KeysClaimed    map[string]string `db:"-"`
	Untrusted      bool              `db:"untrusted"`
}

// Withheld records why a sender declined to share a group session with us.
type Withheld struct {
	SenderKey      string `db:"sender_key"`
	SessionID      string `db:"session_id"`
	ConversationID string `db:"conversation_id"`
	Code           string `db:"code"`
	Reason         string `db:"reason"`
}

type SessionRef struct {
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
}

type OutboundGroupSession struct {
	SessionID      string `db:"session_id"`
	ConversationID string `db:"conversation_id"`
	Pickle         string `db:"pickle"`
	CreatedAt      int64  `db:"created_at"`
}

// ReplayEntry is the first event seen at a group ratchet index.
type ReplayEntry struct {
	EventID   string `db:"event_id"`
	Timestamp int64  `db:"timestamp"`
}
