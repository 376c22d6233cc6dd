package keyexchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/algorithms"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/olmdevice"
)

// maximum number of sessions in one key response
const sessionsPerResponse = 32

type incomingSolicitation struct {
	conversationID string
	fromUserID     string
	s              *KeySolicitation
}

// randomResponseDelay spreads the answers of conversation members over time. Direct and group
// direct conversations answer at once.
func (e *Extension) randomResponseDelay(kind ConversationKind) time.Duration {
	if kind == KindDM || kind == KindGDM || e.maxResponseDelay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(e.maxResponseDelay)))
}

func (e *Extension) fulfilled(conversationID string, s *KeySolicitation) bool {
	if !e.p.Transport.KeySolicitationFulfilled(conversationID, s.OriginHash, s.SessionID) {
		return false
	}
	e.log.Debugf("key solicitation %s in %s already fulfilled for %s", s.OriginHash, conversationID, s.SessionID)
	e.p.Metrics.FulfillmentsObserved.Inc()
	return true
}

func (e *Extension) processKeySolicitation(ctx context.Context, in *incomingSolicitation) error {
	conversationID, from, s := in.conversationID, in.fromUserID, in.s
	if e.fulfilled(conversationID, s) {
		return nil
	}
	if s.SenderKey == "" {
		e.log.Warnf("key solicitation from %s has no sender key", from)
		return nil
	}
	e.log.Debugf("received key solicitation from %s for %s in %s", from, s.SessionID, conversationID)

	conv, known := e.p.Transport.Conversation(conversationID)
	if known {
		if !e.p.Transport.IsMember(conversationID, from) {
			e.log.Infof("%s is not a member of %s and asked for keys", from, conversationID)
			return nil
		}
		entitled, err := e.p.Entitlements.IsEntitled(ctx, conv.SpaceID, conversationID, from, PermissionRead)
		if err != nil {
			return fmt.Errorf("keyexchange: error checking entitlement of %s: %w", from, err)
		}
		if !entitled {
			e.log.Warnf("key solicitation from unentitled user %s in %s", from, conversationID)
			return nil
		}
	}

	if _, err := e.p.Devices.DownloadKeys(ctx, []string{from}, false); err != nil {
		return fmt.Errorf("keyexchange: error downloading keys of %s: %w", from, err)
	}
	device := e.p.Devices.DeviceByIdentityKey(algorithms.OlmAlgorithm, s.SenderKey)
	if device == nil {
		e.log.Warnf("key solicitation from %s for unknown device %s", from, s.SenderKey)
		return nil
	}
	if owner, _ := e.p.Devices.UserByIdentityKey(algorithms.OlmAlgorithm, s.SenderKey); owner != from {
		e.log.Warnf("key solicitation from %s names a device of %s", from, owner)
		return nil
	}
	target := map[string][]*devicelist.DeviceInfo{from: {device}}

	if !known {
		return e.respond(ctx, from, target, &KeyResponse{Kind: ResponseChannelNotFound, ConversationID: conversationID})
	}

	wait := e.responseDelay(conv.Kind)
	if wait <= 0 {
		return e.answer(ctx, conversationID, from, s, target)
	}
	// the wait runs beside the queue so later solicitations are not held behind it
	e.log.Debugf("waiting %s before answering %s", wait, s.OriginHash)
	e.responders.Add(1)
	go func() {
		defer e.responders.Done()
		select {
		case <-ctx.Done():
			e.log.Debugf("stopped before answering %s", s.OriginHash)
			return
		case <-time.After(wait):
		}
		// another member may have answered while we waited
		if e.fulfilled(conversationID, s) {
			return
		}
		if err := e.answer(ctx, conversationID, from, s, target); err != nil {
			e.log.Errorf("error answering key solicitation %s from %s: %s", s.OriginHash, from, err)
		}
	}()
	return nil
}

// answer sends the requested and shared-history sessions to the requesting device and posts a
// fulfillment for them.
func (e *Extension) answer(ctx context.Context, conversationID, from string, s *KeySolicitation, target map[string][]*devicelist.DeviceInfo) error {
	ids, err := e.sessionsToSend(conversationID, s)
	if err != nil {
		return err
	}
	sessions, err := e.p.Device.ExportInboundGroupSessions(conversationID, ids)
	if err != nil {
		return fmt.Errorf("keyexchange: error exporting sessions of %s: %w", conversationID, err)
	}
	e.log.Infof("answering key solicitation from %s in %s: %d requested, %d known, %d exported", from, conversationID, len(ids), len(s.KnownSessionIDs), len(sessions))

	if len(sessions) == 0 {
		return e.respond(ctx, from, target, &KeyResponse{Kind: ResponseKeysNotFound, ConversationID: conversationID})
	}
	for start := 0; start < len(sessions); start += sessionsPerResponse {
		end := min(start+sessionsPerResponse, len(sessions))
		if err := e.respond(ctx, from, target, &KeyResponse{Kind: ResponseKeysFound, ConversationID: conversationID, Sessions: sessions[start:end]}); err != nil {
			return err
		}
	}

	f := &Fulfillment{OriginHash: s.OriginHash, Algorithm: s.Algorithm}
	for _, sess := range sessions {
		f.SessionIDs = append(f.SessionIDs, sess.SessionID)
	}
	if err := e.p.Transport.PostFulfillment(ctx, conversationID, f); err != nil {
		return fmt.Errorf("keyexchange: error posting fulfillment to %s: %w", conversationID, err)
	}
	return nil
}

// sessionsToSend is the requested session plus every shared-history session the requester
// does not know about.
func (e *Extension) sessionsToSend(conversationID string, s *KeySolicitation) ([]string, error) {
	refs, err := e.p.Device.GetSharedHistoryInboundGroupSessions(conversationID)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: error reading shared history of %s: %w", conversationID, err)
	}
	known := make(map[string]bool, len(s.KnownSessionIDs))
	for _, id := range s.KnownSessionIDs {
		known[id] = true
	}
	seen := make(map[string]bool)
	var ids []string
	for _, ref := range refs {
		if known[ref.SessionID] || seen[ref.SessionID] {
			continue
		}
		seen[ref.SessionID] = true
		ids = append(ids, ref.SessionID)
	}
	if !seen[s.SessionID] {
		ids = append(ids, s.SessionID)
	}
	return ids, nil
}

func (e *Extension) respond(ctx context.Context, userID string, target map[string][]*devicelist.DeviceInfo, resp *KeyResponse) error {
	body, err := cbor.Marshal(resp)
	if err != nil {
		return fmt.Errorf("keyexchange: error encoding key response: %w", err)
	}
	content, err := cbor.Marshal(&algorithms.ToDeviceMessage{Type: algorithms.ToDeviceKeyResponse, Body: body})
	if err != nil {
		return fmt.Errorf("keyexchange: error encoding to-device message: %w", err)
	}
	ec, err := e.p.Dispatcher.EncryptForDevices(ctx, target, content)
	if err != nil {
		return err
	}
	if len(ec.OlmCiphertext) == 0 {
		return fmt.Errorf("keyexchange: %w with any device of %s", olmdevice.ErrNoSession, userID)
	}
	if err := e.p.Transport.SendToDevice(ctx, userID, ec); err != nil {
		return fmt.Errorf("keyexchange: error sending key response to %s: %w", userID, err)
	}
	e.p.Metrics.ResponsesSent.WithLabelValues(resp.Kind.String()).Inc()
	return nil
}
