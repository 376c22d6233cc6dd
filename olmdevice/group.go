package olmdevice

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

var ErrMismatchedSessionID = errors.New("olmdevice: mismatched group session id")

// WithheldError is returned when a group session is missing and its sender told us why.
type WithheldError struct {
	Code   string
	Reason string
}

func (e *WithheldError) Error() string {
	return fmt.Sprintf("olmdevice: key withheld (%s): %s", e.Code, e.Reason)
}

// ReplayError is returned when two different events decrypt at the same ratchet index.
type ReplayError struct {
	SenderKey     string
	SessionID     string
	Index         uint32
	EventID       string
	Timestamp     int64
	SeenEventID   string
	SeenTimestamp int64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("olmdevice: duplicate message index %d of session %s, possible replay attack: %s", e.Index, e.SessionID, e.EventID)
}

// ConversationMismatchError is returned when a group session is used outside its conversation.
type ConversationMismatchError struct {
	Expected string
	Actual   string
}

func (e *ConversationMismatchError) Error() string {
	return fmt.Sprintf("olmdevice: mismatched conversation for inbound group session (expected %s, was %s)", e.Expected, e.Actual)
}

// InboundExtra carries what we know about where a session key came from.
type InboundExtra struct {
	Untrusted bool
}

type GroupSessionKey struct {
	ChainIndex uint32
	Key        string
}

type InboundGroupSessionKey struct {
	ChainIndex              uint32
	Key                     string
	SenderClaimedEd25519Key string
	SharedHistory           bool
}

type GroupDecryptResult struct {
	Plaintext   []byte
	Index       uint32
	KeysClaimed map[string]string
	SenderKey   string
	Untrusted   bool
}

// ExportedGroupSession is an inbound group session in its shareable export format.
type ExportedGroupSession struct {
	SenderKey         string            `cbor:"sender_key" json:"sender_key"`
	SessionID         string            `cbor:"session_id" json:"session_id"`
	ConversationID    string            `cbor:"conversation_id" json:"conversation_id"`
	SessionKey        string            `cbor:"session_key" json:"session_key"`
	FirstKnownIndex   uint32            `cbor:"first_known_index" json:"first_known_index"`
	SenderClaimedKeys map[string]string `cbor:"sender_claimed_keys" json:"sender_claimed_keys"`
	Untrusted         bool              `cbor:"untrusted,omitempty" json:"untrusted,omitempty"`
}

func (d *Device) loadOutbound(txn store.Txn, sessionID string) (*store.OutboundGroupSession, *olm.OutboundGroupSession, error) {
	rec, err := txn.OutboundGroupSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: outbound group %s", ErrNoSession, sessionID)
	}
	s, err := olm.UnpickleOutboundGroupSession(d.pickleKey, rec.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("olmdevice: error unpickling outbound group session: %w", err)
	}
	return rec, s, nil
}

func (d *Device) saveOutbound(txn store.Txn, rec *store.OutboundGroupSession, s *olm.OutboundGroupSession) error {
	pickled, err := s.Pickle(d.pickleKey)
	if err != nil {
		return err
	}
	rec.Pickle = pickled
	return txn.StoreOutboundGroupSession(rec)
}

// CreateOutboundGroupSession starts a new group session for a conversation. The matching
// inbound session is added for our own key so we can read our own messages.
func (d *Device) CreateOutboundGroupSession(conversationID string) (string, error) {
	s, err := olm.NewOutboundGroupSession()
	if err != nil {
		return "", err
	}
	key, err := s.SessionKey()
	if err != nil {
		return "", err
	}
	err = d.store.Run("create outbound group session", func(txn store.Txn) error {
		rec := &store.OutboundGroupSession{SessionID: s.ID(), ConversationID: conversationID, CreatedAt: d.clock.CurrentTimeMs()}
		if err := d.saveOutbound(txn, rec, s); err != nil {
			return err
		}
		return d.addInboundGroupSession(txn, conversationID, d.DeviceCurve25519Key, s.ID(), key,
			map[string]string{"ed25519": d.DeviceEd25519Key}, false, nil)
	})
	if err != nil {
		return "", fmt.Errorf("olmdevice: error creating outbound group session: %w", err)
	}
	d.log.Debugf("created outbound group session %s for %s", s.ID(), conversationID)
	return s.ID(), nil
}

// OutboundGroupSessionForConversation returns the newest outbound session of a conversation or "".
func (d *Device) OutboundGroupSessionForConversation(conversationID string) (string, error) {
	var id string
	err := d.store.RunReadOnly("outbound group session for conversation", func(txn store.Txn) error {
		rec, err := txn.OutboundGroupSessionForConversation(conversationID)
		if err != nil || rec == nil {
			return err
		}
		id = rec.SessionID
		return nil
	})
	return id, err
}

func (d *Device) GetOutboundGroupSessionKey(sessionID string) (*GroupSessionKey, error) {
	var key *GroupSessionKey
	err := d.store.RunReadOnly("outbound group session key", func(txn store.Txn) error {
		_, s, err := d.loadOutbound(txn, sessionID)
		if err != nil {
			return err
		}
		k, err := s.SessionKey()
		if err != nil {
			return err
		}
		key = &GroupSessionKey{ChainIndex: s.MessageIndex(), Key: k}
		return nil
	})
	return key, err
}

func (d *Device) EncryptGroupMessage(sessionID string, payload []byte) (string, error) {
	var ciphertext string
	err := d.store.Run("encrypt group message", func(txn store.Txn) error {
		rec, s, err := d.loadOutbound(txn, sessionID)
		if err != nil {
			return err
		}
		if ciphertext, err = s.Encrypt(payload); err != nil {
			return err
		}
		return d.saveOutbound(txn, rec, s)
	})
	if err != nil {
		return "", err
	}
	return ciphertext, nil
}

// AddInboundGroupSession stores a received group session key. An existing session for the
// same key is only replaced when that loses neither known history nor trust.
func (d *Device) AddInboundGroupSession(conversationID, senderKey, sessionID, sessionKey string, keysClaimed map[string]string, exportFormat bool, extra *InboundExtra) error {
	return d.store.Run("add inbound group session", func(txn store.Txn) error {
		return d.addInboundGroupSession(txn, conversationID, senderKey, sessionID, sessionKey, keysClaimed, exportFormat, extra)
	})
}

func (d *Device) addInboundGroupSession(txn store.Txn, conversationID, senderKey, sessionID, sessionKey string, keysClaimed map[string]string, exportFormat bool, extra *InboundExtra) error {
	if extra == nil {
		extra = &InboundExtra{}
	}
	existingRec, _, err := txn.InboundGroupSession(senderKey, sessionID)
	if err != nil {
		return err
	}

	var session *olm.InboundGroupSession
	if exportFormat {
		session, err = olm.ImportInboundGroupSession(sessionKey)
	} else {
		session, err = olm.NewInboundGroupSession(sessionKey)
	}
	if err != nil {
		return fmt.Errorf("olmdevice: error reading group session key: %w", err)
	}
	if session.ID() != sessionID {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatchedSessionID, sessionID, session.ID())
	}

	if existingRec != nil {
		d.log.Debugf("update for group session %s|%s", senderKey, sessionID)
		existing, err := olm.UnpickleInboundGroupSession(d.pickleKey, existingRec.Pickle)
		if err != nil {
			return fmt.Errorf("olmdevice: error unpickling inbound group session: %w", err)
		}
		if existing.FirstKnownIndex() <= session.FirstKnownIndex() {
			if !existingRec.Untrusted || extra.Untrusted {
				d.log.Debugf("keeping existing group session %s", sessionID)
				return nil
			}
			if existing.FirstKnownIndex() < session.FirstKnownIndex() {
				// the new session is trusted but starts later, keep ours and upgrade its trust if
				// both ratchets agree where the new one starts
				a, err := existing.ExportAt(session.FirstKnownIndex())
				if err != nil {
					return err
				}
				b, err := session.ExportAt(session.FirstKnownIndex())
				if err != nil {
					return err
				}
				if a == b {
					d.log.Debugf("upgrading trust of group session %s", sessionID)
					existingRec.Untrusted = false
					return txn.StoreInboundGroupSession(existingRec)
				}
				d.log.Warnf("group session %s does not connect to the one we hold, ignoring", sessionID)
				return nil
			}
		}
	}

	d.log.Debugf("storing group session %s|%s with first index %d", senderKey, sessionID, session.FirstKnownIndex())
	pickled, err := session.Pickle(d.pickleKey)
	if err != nil {
		return err
	}
	if err := txn.StoreInboundGroupSession(&store.InboundGroupSession{
		SenderKey:      senderKey,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Pickle:         pickled,
		KeysClaimed:    keysClaimed,
		Untrusted:      extra.Untrusted,
	}); err != nil {
		return err
	}
	if existingRec == nil {
		return txn.AddSharedHistoryInboundGroupSession(conversationID, senderKey, sessionID)
	}
	return nil
}

// AddInboundGroupSessionWithheld records that a sender declined to share a session with us.
func (d *Device) AddInboundGroupSessionWithheld(conversationID, senderKey, sessionID, code, reason string) error {
	return d.store.Run("add withheld group session", func(txn store.Txn) error {
		return txn.StoreInboundGroupSessionWithheld(&store.Withheld{
			SenderKey:      senderKey,
			SessionID:      sessionID,
			ConversationID: conversationID,
			Code:           code,
			Reason:         reason,
		})
	})
}

// DecryptGroupMessage decrypts a group message. It returns nil and no error when the session
// is unknown and nothing was withheld.
func (d *Device) DecryptGroupMessage(conversationID, senderKey, sessionID, body, eventID string, timestamp int64) (*GroupDecryptResult, error) {
	var result *GroupDecryptResult
	err := d.store.Run("decrypt group message", func(txn store.Txn) error {
		rec, withheld, err := txn.InboundGroupSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		if rec == nil {
			if withheld != nil {
				return &WithheldError{Code: withheld.Code, Reason: withheld.Reason}
			}
			return nil
		}
		if rec.ConversationID != conversationID {
			return &ConversationMismatchError{Expected: conversationID, Actual: rec.ConversationID}
		}
		session, err := olm.UnpickleInboundGroupSession(d.pickleKey, rec.Pickle)
		if err != nil {
			return fmt.Errorf("olmdevice: error unpickling inbound group session: %w", err)
		}
		plaintext, index, err := session.Decrypt(body)
		if err != nil {
			if errors.Is(err, olm.ErrUnknownMessageIndex) && withheld != nil {
				return &WithheldError{Code: withheld.Code, Reason: withheld.Reason}
			}
			return err
		}

		if eventID != "" {
			seen, err := txn.ReplayEntry(senderKey, sessionID, index)
			if err != nil {
				return err
			}
			if seen != nil {
				if seen.EventID != eventID || seen.Timestamp != timestamp {
					return &ReplayError{
						SenderKey: senderKey, SessionID: sessionID, Index: index,
						EventID: eventID, Timestamp: timestamp,
						SeenEventID: seen.EventID, SeenTimestamp: seen.Timestamp,
					}
				}
			} else if err := txn.StoreReplayEntry(senderKey, sessionID, index, &store.ReplayEntry{EventID: eventID, Timestamp: timestamp}); err != nil {
				return err
			}
		}

		if rec.Pickle, err = session.Pickle(d.pickleKey); err != nil {
			return err
		}
		if err := txn.StoreInboundGroupSession(rec); err != nil {
			return err
		}
		result = &GroupDecryptResult{
			Plaintext:   plaintext,
			Index:       index,
			KeysClaimed: rec.KeysClaimed,
			SenderKey:   senderKey,
			Untrusted:   rec.Untrusted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasInboundSessionKeys reports whether we hold the session for the conversation.
func (d *Device) HasInboundSessionKeys(conversationID, senderKey, sessionID string) (bool, error) {
	has := false
	err := d.store.RunReadOnly("has inbound session keys", func(txn store.Txn) error {
		rec, _, err := txn.InboundGroupSession(senderKey, sessionID)
		if err != nil || rec == nil {
			return err
		}
		if rec.ConversationID != conversationID {
			d.log.Warnf("requested keys for inbound group session %s|%s, with incorrect conversation id", senderKey, sessionID)
			return nil
		}
		has = true
		return nil
	})
	return has, err
}

// GetInboundGroupSessionKey exports a session at chainIndex, or at its first known index when
// chainIndex is nil. Returns nil when the session is unknown to this conversation.
func (d *Device) GetInboundGroupSessionKey(conversationID, senderKey, sessionID string, chainIndex *uint32) (*InboundGroupSessionKey, error) {
	var key *InboundGroupSessionKey
	err := d.store.RunReadOnly("inbound group session key", func(txn store.Txn) error {
		rec, _, err := txn.InboundGroupSession(senderKey, sessionID)
		if err != nil || rec == nil || rec.ConversationID != conversationID {
			return err
		}
		session, err := olm.UnpickleInboundGroupSession(d.pickleKey, rec.Pickle)
		if err != nil {
			return err
		}
		index := session.FirstKnownIndex()
		if chainIndex != nil {
			index = *chainIndex
		}
		exported, err := session.ExportAt(index)
		if err != nil {
			return err
		}
		shared, err := isSharedHistory(txn, conversationID, senderKey, sessionID)
		if err != nil {
			return err
		}
		key = &InboundGroupSessionKey{
			ChainIndex:              index,
			Key:                     exported,
			SenderClaimedEd25519Key: rec.KeysClaimed["ed25519"],
			SharedHistory:           shared,
		}
		return nil
	})
	return key, err
}

func isSharedHistory(txn store.Txn, conversationID, senderKey, sessionID string) (bool, error) {
	refs, err := txn.SharedHistoryInboundGroupSessions(conversationID)
	if err != nil {
		return false, err
	}
	for _, r := range refs {
		if r.SenderKey == senderKey && r.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (d *Device) exportRecord(rec *store.InboundGroupSession) (*ExportedGroupSession, error) {
	session, err := olm.UnpickleInboundGroupSession(d.pickleKey, rec.Pickle)
	if err != nil {
		return nil, err
	}
	key, err := session.ExportAt(session.FirstKnownIndex())
	if err != nil {
		return nil, err
	}
	return &ExportedGroupSession{
		SenderKey:         rec.SenderKey,
		SessionID:         rec.SessionID,
		ConversationID:    rec.ConversationID,
		SessionKey:        key,
		FirstKnownIndex:   session.FirstKnownIndex(),
		SenderClaimedKeys: rec.KeysClaimed,
		Untrusted:         rec.Untrusted,
	}, nil
}

func (d *Device) ExportInboundGroupSession(senderKey, sessionID string) (*ExportedGroupSession, error) {
	var exported *ExportedGroupSession
	err := d.store.RunReadOnly("export inbound group session", func(txn store.Txn) error {
		rec, _, err := txn.InboundGroupSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: inbound group %s|%s", ErrNoSession, senderKey, sessionID)
		}
		exported, err = d.exportRecord(rec)
		return err
	})
	return exported, err
}

// ExportInboundGroupSessions exports every session of a conversation whose id is in sessionIDs.
func (d *Device) ExportInboundGroupSessions(conversationID string, sessionIDs []string) ([]*ExportedGroupSession, error) {
	wanted := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		wanted[id] = true
	}
	var out []*ExportedGroupSession
	err := d.store.RunReadOnly("export inbound group sessions", func(txn store.Txn) error {
		recs, err := txn.InboundGroupSessions(conversationID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !wanted[rec.SessionID] {
				continue
			}
			e, err := d.exportRecord(rec)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (d *Device) GetSharedHistoryInboundGroupSessions(conversationID string) ([]*store.SessionRef, error) {
	var refs []*store.SessionRef
	err := d.store.RunReadOnly("shared history sessions", func(txn store.Txn) error {
		var err error
		refs, err = txn.SharedHistoryInboundGroupSessions(conversationID)
		return err
	})
	return refs, err
}
