package algorithms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/olmdevice"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Megolm encrypts conversation messages with a group session and decrypts them with the
// inbound sessions we hold. Events that could not be decrypted, or only with untrusted keys,
// are kept and retried when a key for their session arrives.
type Megolm struct {
	log *zap.SugaredLogger
	p   *Params
	olm *Olm

	mu sync.Mutex
	// sender key -> session id -> event id
	pending map[string]map[string]map[string]*Event
}

func NewMegolm(p *Params, o *Olm) *Megolm {
	return &Megolm{
		log:     p.Config.Logger("algorithms"),
		p:       p,
		olm:     o,
		pending: make(map[string]map[string]map[string]*Event),
	}
}

func (m *Megolm) Encrypt(ctx context.Context, t *Target, content []byte) (*EncryptedContent, error) {
	if t.ConversationID == "" {
		return nil, errors.New("algorithms: group encryption needs a conversation")
	}
	payload, err := cbor.Marshal(&GroupPayload{ConversationID: t.ConversationID, Content: content})
	if err != nil {
		return nil, fmt.Errorf("algorithms: error encoding group payload: %w", err)
	}
	if len(payload) > m.p.Config.MaxPlaintextLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPlaintextTooLong, len(payload))
	}

	sessionID, err := m.p.Device.OutboundGroupSessionForConversation(t.ConversationID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		if sessionID, err = m.p.Device.CreateOutboundGroupSession(t.ConversationID); err != nil {
			return nil, err
		}
		m.log.Debugf("started new group session %s for %s", sessionID, t.ConversationID)
	}
	ciphertext, err := m.p.Device.EncryptGroupMessage(sessionID, payload)
	if err != nil {
		return nil, err
	}
	if m.p.Metrics != nil {
		m.p.Metrics.Encrypted.WithLabelValues(MegolmAlgorithm).Inc()
	}
	return &EncryptedContent{
		Algorithm:  MegolmAlgorithm,
		SenderKey:  m.p.Device.DeviceCurve25519Key,
		SessionID:  sessionID,
		Ciphertext: ciphertext,
	}, nil
}

func (m *Megolm) Decrypt(ctx context.Context, ev *Event) (*DecryptionResult, error) {
	c := ev.Content
	if c.SenderKey == "" || c.SessionID == "" || c.Ciphertext == "" {
		return nil, newDecryptionError(CodeMegolmMissingFields, "Missing fields in input", nil, nil)
	}

	// added before decrypting so a key arriving meanwhile schedules a retry. Events stay pending
	// only while a key could still fix them: unknown session, unknown index or withheld.
	m.addPending(ev)

	session := map[string]string{"session": c.SenderKey + "|" + c.SessionID}
	res, err := m.p.Device.DecryptGroupMessage(ev.ConversationID, c.SenderKey, c.SessionID, c.Ciphertext, ev.ID, ev.Timestamp)
	if err != nil {
		var withheld *olmdevice.WithheldError
		var replay *olmdevice.ReplayError
		var mismatch *olmdevice.ConversationMismatchError
		switch {
		case errors.As(err, &withheld):
			msg, ok := withheldMessages[withheld.Code]
			if !ok {
				msg = withheld.Reason
			}
			return nil, newDecryptionError(CodeMegolmKeyWithheld, msg, session, err)
		case errors.As(err, &replay):
			m.removePending(ev)
			return nil, newDecryptionError(CodeMegolmReplayAttack, "Message index already used by another event", session, err)
		case errors.As(err, &mismatch):
			m.removePending(ev)
			return nil, newDecryptionError(CodeMegolmBadRoom, "Session belongs to conversation "+mismatch.Actual, session, err)
		case errors.Is(err, olm.ErrUnknownMessageIndex):
			return nil, newDecryptionError(CodeOlmUnknownMessageIndex, err.Error(), session, err)
		default:
			m.removePending(ev)
			return nil, newDecryptionError(CodeOlmDecryptGroupMessageError, err.Error(), session, err)
		}
	}
	if res == nil {
		return nil, newDecryptionError(CodeMegolmUnknownInboundSession, "The sender's device has not sent us the keys for this message.", session, nil)
	}

	// events decrypted with untrusted keys stay pending until a trusted key turns up
	if !res.Untrusted {
		m.removePending(ev)
	}

	payload := &GroupPayload{}
	if err := cbor.Unmarshal(res.Plaintext, payload); err != nil {
		m.removePending(ev)
		return nil, newDecryptionError(CodeOlmDecryptGroupMessageError, "Bad group payload", session, err)
	}
	if payload.ConversationID != ev.ConversationID {
		m.removePending(ev)
		return nil, newDecryptionError(CodeMegolmBadRoom, "Message intended for conversation "+payload.ConversationID, nil, nil)
	}
	return &DecryptionResult{
		Content:           payload.Content,
		SenderKey:         res.SenderKey,
		ClaimedEd25519Key: res.KeysClaimed["ed25519"],
		ConversationID:    payload.ConversationID,
		Untrusted:         res.Untrusted,
	}, nil
}

func (m *Megolm) addPending(ev *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	senderKey, sessionID := ev.Content.SenderKey, ev.Content.SessionID
	bySession, ok := m.pending[senderKey]
	if !ok {
		bySession = make(map[string]map[string]*Event)
		m.pending[senderKey] = bySession
	}
	events, ok := bySession[sessionID]
	if !ok {
		events = make(map[string]*Event)
		bySession[sessionID] = events
	}
	events[ev.ID] = ev
}

func (m *Megolm) removePending(ev *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	senderKey, sessionID := ev.Content.SenderKey, ev.Content.SessionID
	bySession, ok := m.pending[senderKey]
	if !ok {
		return
	}
	events, ok := bySession[sessionID]
	if !ok {
		return
	}
	delete(events, ev.ID)
	if len(events) == 0 {
		delete(bySession, sessionID)
	}
	if len(bySession) == 0 {
		delete(m.pending, senderKey)
	}
}

func (m *Megolm) pendingEvents(senderKey, sessionID string) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedEvents(m.pending[senderKey][sessionID])
}

func sortedEvents(events map[string]*Event) []*Event {
	ids := maps.Keys(events)
	slices.Sort(ids)
	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, events[id])
	}
	return out
}

// HasPending reports whether events from the session are waiting for a key.
func (m *Megolm) HasPending(senderKey, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[senderKey][sessionID]
	return ok
}

func (m *Megolm) redecrypt(ctx context.Context, ev *Event) {
	res, err := m.Decrypt(ctx, ev)
	if m.p.Listener != nil {
		m.p.Listener(ev, res, err)
	}
}

// retryDecryption decrypts again every pending event of a session and reports whether all of
// them now decrypt with trusted keys.
func (m *Megolm) retryDecryption(ctx context.Context, senderKey, sessionID string) bool {
	events := m.pendingEvents(senderKey, sessionID)
	if len(events) == 0 {
		return true
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	m.log.Debugf("retrying decryption on events %v", ids)
	for _, ev := range events {
		m.redecrypt(ctx, ev)
	}
	return !m.HasPending(senderKey, sessionID)
}

func (m *Megolm) RetryDecryptionFromSender(ctx context.Context, senderKey string) bool {
	m.mu.Lock()
	bySession, ok := m.pending[senderKey]
	delete(m.pending, senderKey)
	m.mu.Unlock()
	if !ok {
		return true
	}
	sessionIDs := maps.Keys(bySession)
	slices.Sort(sessionIDs)
	for _, sessionID := range sessionIDs {
		for _, ev := range sortedEvents(bySession[sessionID]) {
			m.redecrypt(ctx, ev)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok = m.pending[senderKey]
	return !ok
}

func (m *Megolm) addRoomKey(ctx context.Context, conversationID, senderKey, sessionID, sessionKey string, keysClaimed map[string]string, exportFormat, untrusted bool) error {
	err := m.p.Device.AddInboundGroupSession(conversationID, senderKey, sessionID, sessionKey, keysClaimed, exportFormat, &olmdevice.InboundExtra{Untrusted: untrusted})
	if err != nil {
		return err
	}
	if m.retryDecryption(ctx, senderKey, sessionID) {
		m.log.Debugf("decrypted every pending event of %s|%s", senderKey, sessionID)
	}
	return nil
}

// OnRoomKeyEvent adds a group session key received over a pairwise channel from the device
// with identity key forwarder. Keys forwarded on behalf of another device are untrusted.
func (m *Megolm) OnRoomKeyEvent(ctx context.Context, forwarder string, key *RoomKey) error {
	if key.ConversationID == "" || key.SessionID == "" || key.SessionKey == "" || key.SenderKey == "" {
		return ErrBadRoomKey
	}
	return m.addRoomKey(ctx, key.ConversationID, key.SenderKey, key.SessionID, key.SessionKey, key.KeysClaimed, key.ExportFormat, forwarder != key.SenderKey)
}

// OnRoomKeyWithheldEvent records that a sender will not share a session with us and retries the
// affected events so they fail with the reason.
func (m *Megolm) OnRoomKeyWithheldEvent(ctx context.Context, w *Withheld) error {
	if w.Code != WithheldNoOlm {
		if err := m.p.Device.AddInboundGroupSessionWithheld(w.ConversationID, w.SenderKey, w.SessionID, w.Code, w.Reason); err != nil {
			return err
		}
	}
	if w.SessionID != "" {
		m.retryDecryption(ctx, w.SenderKey, w.SessionID)
	} else {
		m.RetryDecryptionFromSender(ctx, w.SenderKey)
	}
	return nil
}

// ImportRoomKey adds an exported session.
func (m *Megolm) ImportRoomKey(ctx context.Context, s *olmdevice.ExportedGroupSession, untrusted bool) error {
	return m.addRoomKey(ctx, s.ConversationID, s.SenderKey, s.SessionID, s.SessionKey, s.SenderClaimedKeys, true, untrusted || s.Untrusted)
}

func (m *Megolm) HasKeysForKeyRequest(req *KeyRequest) (bool, error) {
	return m.p.Device.HasInboundSessionKeys(req.ConversationID, req.SenderKey, req.SessionID)
}

func (m *Megolm) buildKeyForwardingMessage(conversationID, senderKey, sessionID string) (*ToDeviceMessage, error) {
	key, err := m.p.Device.GetInboundGroupSessionKey(conversationID, senderKey, sessionID, nil)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s|%s", olmdevice.ErrNoSession, senderKey, sessionID)
	}
	rk := &RoomKey{
		Algorithm:      MegolmAlgorithm,
		ConversationID: conversationID,
		SenderKey:      senderKey,
		SessionID:      sessionID,
		SessionKey:     key.Key,
		ChainIndex:     key.ChainIndex,
		ExportFormat:   true,
	}
	if key.SenderClaimedEd25519Key != "" {
		rk.KeysClaimed = map[string]string{"ed25519": key.SenderClaimedEd25519Key}
	}
	return &ToDeviceMessage{Type: ToDeviceForwardedRoomKey, RoomKey: rk}, nil
}

// ShareKeysWithDevices sends every shared-history session of a conversation to the devices.
// Devices we cannot establish a pairwise session with are left out.
func (m *Megolm) ShareKeysWithDevices(ctx context.Context, conversationID string, devicesByUser map[string][]*devicelist.DeviceInfo) error {
	if _, err := m.olm.EnsureSessionsForDevices(ctx, devicesByUser); err != nil {
		return err
	}
	refs, err := m.p.Device.GetSharedHistoryInboundGroupSessions(conversationID)
	if err != nil {
		return err
	}
	m.log.Debugf("sharing %d history sessions of %s with %v", len(refs), conversationID, maps.Keys(devicesByUser))

	for _, ref := range refs {
		msg, err := m.buildKeyForwardingMessage(conversationID, ref.SenderKey, ref.SessionID)
		if err != nil {
			return err
		}
		content, err := cbor.Marshal(msg)
		if err != nil {
			return err
		}

		contentMap := make(map[string]*EncryptedContent)
		for _, userID := range sortedUsers(devicesByUser) {
			ec := &EncryptedContent{
				Algorithm:     OlmAlgorithm,
				SenderKey:     m.p.Device.DeviceCurve25519Key,
				OlmCiphertext: make(map[string]*OlmMessage),
			}
			for _, d := range devicesByUser[userID] {
				if d.IdentityKey() == m.p.Device.DeviceCurve25519Key {
					continue
				}
				if err := m.olm.encryptForDevice(ctx, ec.OlmCiphertext, userID, d, "", content); err != nil {
					return err
				}
			}
			if len(ec.OlmCiphertext) == 0 {
				m.log.Debugf("pruned all devices for user %s", userID)
				continue
			}
			contentMap[userID] = ec
		}
		if len(contentMap) == 0 {
			m.log.Debugf("no users left to send to, aborting")
			return nil
		}
		for _, userID := range maps.Keys(contentMap) {
			if err := m.p.Sender.SendToDevice(ctx, userID, contentMap[userID]); err != nil {
				return err
			}
		}
	}
	return nil
}
