package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/meow-io/go-e2ee/algorithms"
	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/internal/metrics"
	"github.com/meow-io/go-e2ee/olmdevice"
	"go.uber.org/zap"
)

type Params struct {
	Config       *config.Config
	Clock        clock.Clock
	UserID       string
	Device       *olmdevice.Device
	Devices      *devicelist.List
	Dispatcher   *algorithms.Dispatcher
	Transport    Transport
	Entitlements Entitlements
	Metrics      *metrics.Metrics
}

type failure struct {
	ev   *algorithms.Event
	code string
}

type solicited struct {
	originHash string
	at         int64
}

// record tracks one conversation: no record, failures, request outstanding, cleared.
type record struct {
	conversationID string
	spaceID        string
	failures       map[string]*failure
	entitled       *bool
	lastRequestAt  int64
	requesting     bool
	requestedAt    int64
	requests       []*KeyRequestRecord
	// our last solicitation per missing session
	solicited map[sessionRef]*solicited
}

type sessionRef struct {
	senderKey string
	sessionID string
}

// missingSessions returns the distinct sessions of the failing events, sorted.
func (r *record) missingSessions() []sessionRef {
	seen := make(map[sessionRef]bool)
	var out []sessionRef
	for _, f := range r.failures {
		ref := sessionRef{senderKey: f.ev.Content.SenderKey, sessionID: f.ev.Content.SessionID}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].sessionID != out[j].sessionID {
			return out[i].sessionID < out[j].sessionID
		}
		return out[i].senderKey < out[j].senderKey
	})
	return out
}

// resolve clears an outstanding request once no tracked failure is left, and reports whether it
// did.
func (r *record) resolve() bool {
	if len(r.failures) != 0 || !r.requesting {
		return false
	}
	r.requesting = false
	r.solicited = make(map[sessionRef]*solicited)
	return true
}

func (r *record) failingSession(senderKey, sessionID string) bool {
	for _, f := range r.failures {
		if f.ev.Content.SenderKey == senderKey && f.ev.Content.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Extension runs the key solicitation protocol for one device.
type Extension struct {
	log *zap.SugaredLogger
	p   *Params

	lookForKeysInterval time.Duration
	staleAfter          int64
	maxConcurrent       int
	maxKnownSessions    int
	maxResponseDelay    time.Duration
	responseDelay       func(ConversationKind) time.Duration

	lock    sync.Mutex
	records map[string]*record
	// origin hash -> conversation of the solicitations we posted
	ours map[string]string

	lookForKeys   chan struct{}
	sweepLock     sync.Mutex
	solicitations *queue[*incomingSolicitation]
	toDevice      *queue[*algorithms.Event]
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
	// delayed answers to solicitations
	responders sync.WaitGroup
}

func New(p *Params) *Extension {
	if p.Clock == nil {
		p.Clock = clock.NewSystemClock()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New(nil)
	}
	log := p.Config.Logger("keyexchange")
	e := &Extension{
		log:                 log,
		p:                   p,
		lookForKeysInterval: time.Duration(p.Config.LookForKeysIntervalMs) * time.Millisecond,
		staleAfter:          p.Config.KeyRequestStaleMs,
		maxConcurrent:       p.Config.MaxConcurrentKeyRequests,
		maxKnownSessions:    p.Config.MaxKnownSessionsPerRequest,
		maxResponseDelay:    time.Duration(p.Config.MaxResponseDelayMs) * time.Millisecond,
		records:             make(map[string]*record),
		ours:                make(map[string]string),
		lookForKeys:         make(chan struct{}, 1),
	}
	e.responseDelay = e.randomResponseDelay
	queueDelay := time.Duration(p.Config.QueueDelayMs) * time.Millisecond
	e.solicitations = newQueue(log, "key solicitation", queueDelay, e.processKeySolicitation)
	e.toDevice = newQueue(log, "to-device", queueDelay, e.processToDeviceMessage)
	return e
}

func (e *Extension) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	e.cancelFunc = cancelFunc
	e.solicitations.start(ctx)
	e.toDevice.start(ctx)
	e.startKeyLookup(ctx)
	e.log.Debugf("started key exchange for %s", e.p.UserID)
}

// Stop cancels a pending sweep, stops both queues and drops answers still waiting out their
// delay. Items still queued are logged and discarded.
func (e *Extension) Stop() {
	if e.cancelFunc == nil {
		return
	}
	e.cancelFunc()
	e.finished.Wait()
	e.cancelFunc = nil
	left := e.solicitations.stop() + e.toDevice.stop()
	e.responders.Wait()
	e.log.Infof("stopped key exchange, %d queued items discarded", left)
}

func (e *Extension) startKeyLookup(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.lookForKeys:
				e.startLookingForKeys(ctx)
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.lookForKeysInterval):
				}
			}
		}
	}()
}

// markLookForKeys schedules a sweep. The first call runs at once, further calls within the
// interval collapse into one sweep at its end.
func (e *Extension) markLookForKeys() {
	select {
	case e.lookForKeys <- struct{}{}:
	default:
	}
}

// keysMissing reports whether a decryption failure could be fixed by someone sending us a key.
func keysMissing(err error) (string, bool) {
	var de *algorithms.DecryptionError
	if !errors.As(err, &de) {
		return "", false
	}
	switch de.Code {
	case algorithms.CodeMegolmUnknownInboundSession, algorithms.CodeOlmUnknownMessageIndex:
		return de.Code, true
	}
	return de.Code, false
}

// OnDecryption has the signature of algorithms.DecryptionListener and routes the outcome of
// every group decryption.
func (e *Extension) OnDecryption(ev *algorithms.Event, res *algorithms.DecryptionResult, err error) {
	if err != nil {
		e.OnDecryptionFailure(ev, err)
		return
	}
	e.OnDecrypted(ev)
}

// OnDecryptionFailure tracks a group event that failed for lack of keys and schedules a sweep.
func (e *Extension) OnDecryptionFailure(ev *algorithms.Event, err error) {
	if ev.Content == nil || ev.Content.Algorithm != algorithms.MegolmAlgorithm {
		return
	}
	if ev.ConversationID == "" {
		e.log.Debugf("decryption failure for %s has no conversation, not looking for keys", ev.ID)
		return
	}
	code, ok := keysMissing(err)
	if !ok {
		e.log.Debugf("decryption failure %s for %s cannot be fixed with keys", code, ev.ID)
		return
	}

	spaceID := ""
	if c, ok := e.p.Transport.Conversation(ev.ConversationID); ok {
		spaceID = c.SpaceID
	}
	e.lock.Lock()
	r, ok := e.records[ev.ConversationID]
	if !ok {
		r = &record{
			conversationID: ev.ConversationID,
			spaceID:        spaceID,
			failures:       make(map[string]*failure),
			solicited:      make(map[sessionRef]*solicited),
		}
		e.records[ev.ConversationID] = r
	}
	if _, ok := r.failures[ev.ID]; !ok {
		r.failures[ev.ID] = &failure{ev: ev, code: code}
	}
	e.lock.Unlock()
	e.markLookForKeys()
}

// OnDecrypted stops tracking an event once it decrypts. A request left with nothing to wait
// for frees its slot for other conversations.
func (e *Extension) OnDecrypted(ev *algorithms.Event) {
	e.lock.Lock()
	resolved := false
	if r, ok := e.records[ev.ConversationID]; ok {
		delete(r.failures, ev.ID)
		resolved = r.resolve()
	}
	e.lock.Unlock()
	if resolved {
		e.log.Debugf("key request for %s resolved", ev.ConversationID)
		e.updateOutstanding()
		e.markLookForKeys()
	}
}

// OnMemberJoined schedules a sweep, a new member may hold keys we are missing.
func (e *Extension) OnMemberJoined(conversationID string) {
	e.markLookForKeys()
}

// OnKeySolicitation queues a solicitation posted to a conversation by another device.
func (e *Extension) OnKeySolicitation(conversationID, fromUserID string, s *KeySolicitation) {
	if s.SenderKey == e.p.Device.DeviceCurve25519Key {
		e.log.Debugf("ignoring key solicitation from our own device")
		return
	}
	e.p.Metrics.SolicitationsReceived.Inc()
	e.solicitations.enqueue(&incomingSolicitation{conversationID: conversationID, fromUserID: fromUserID, s: s})
}

// OnKeyFulfillment observes a fulfillment posted to a conversation.
func (e *Extension) OnKeyFulfillment(conversationID string, f *Fulfillment) {
	e.lock.Lock()
	conv, ours := e.ours[f.OriginHash]
	e.lock.Unlock()
	if ours && conv == conversationID {
		e.log.Debugf("our key solicitation %s in %s was fulfilled for %v", f.OriginHash, conversationID, f.SessionIDs)
	}
}

// OnToDeviceMessage queues a pairwise encrypted message addressed to this device.
func (e *Extension) OnToDeviceMessage(ev *algorithms.Event) {
	e.toDevice.enqueue(ev)
}

func (e *Extension) processToDeviceMessage(ctx context.Context, ev *algorithms.Event) error {
	msg, res, err := e.p.Dispatcher.DecryptToDeviceMessage(ctx, ev)
	if err != nil {
		return fmt.Errorf("keyexchange: error decrypting to-device message %s from %s: %w", ev.ID, ev.Sender, err)
	}
	switch msg.Type {
	case algorithms.ToDeviceKeyResponse:
		resp := &KeyResponse{}
		if err := cbor.Unmarshal(msg.Body, resp); err != nil {
			return fmt.Errorf("keyexchange: error decoding key response: %w", err)
		}
		return e.onKeyResponse(ctx, ev.Sender, res.SenderKey, resp)
	case algorithms.ToDeviceRoomKey, algorithms.ToDeviceForwardedRoomKey:
		if msg.RoomKey == nil {
			return algorithms.ErrBadRoomKey
		}
		return e.p.Dispatcher.OnRoomKeyEvent(ctx, res.SenderKey, msg.RoomKey)
	case algorithms.ToDeviceRoomKeyWithheld:
		if msg.Withheld == nil {
			return errors.New("keyexchange: withheld message without content")
		}
		return e.p.Dispatcher.OnRoomKeyWithheldEvent(ctx, msg.Withheld)
	default:
		e.log.Warnf("no processor for to-device message type %s", msg.Type)
		return nil
	}
}

func (e *Extension) startLookingForKeys(ctx context.Context) {
	e.sweepLock.Lock()
	defer e.sweepLock.Unlock()

	e.checkSelfIsEntitled(ctx)
	e.cleanseResolved()

	now := e.p.Clock.CurrentTimeMs()
	e.lock.Lock()
	var rooms []*record
	for _, r := range e.records {
		if r.requesting && now-r.requestedAt >= e.staleAfter {
			e.log.Debugf("key request for %s went stale", r.conversationID)
			r.requesting = false
		}
		if r.entitled == nil || !*r.entitled || len(r.failures) == 0 || r.requesting {
			continue
		}
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].lastRequestAt != rooms[j].lastRequestAt {
			return rooms[i].lastRequestAt < rooms[j].lastRequestAt
		}
		return rooms[i].conversationID < rooms[j].conversationID
	})
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.conversationID
	}
	e.lock.Unlock()
	e.updateOutstanding()

	e.log.Debugf("found %d conversations with decryption failures %v", len(ids), ids)
	for _, conversationID := range ids {
		if ctx.Err() != nil {
			return
		}
		if e.currentlyRequesting() >= e.maxConcurrent {
			e.log.Debugf("max concurrent key requests reached")
			break
		}
		e.askForKeys(ctx, conversationID)
	}
}

func (e *Extension) checkSelfIsEntitled(ctx context.Context) {
	type pending struct{ conversationID, spaceID string }
	var unknown []pending
	e.lock.Lock()
	for id, r := range e.records {
		if r.entitled == nil {
			unknown = append(unknown, pending{id, r.spaceID})
		}
	}
	e.lock.Unlock()

	for _, u := range unknown {
		entitled, err := e.p.Entitlements.IsEntitled(ctx, u.spaceID, u.conversationID, e.p.UserID, PermissionRead)
		if err != nil {
			e.log.Warnf("error checking our entitlement to %s: %s", u.conversationID, err)
			continue
		}
		e.lock.Lock()
		if r, ok := e.records[u.conversationID]; ok {
			r.entitled = &entitled
		}
		e.lock.Unlock()
	}
}

// cleanseResolved drops failures for sessions we now hold. Unknown message index failures are
// left alone since the session is held but starts too late.
func (e *Extension) cleanseResolved() {
	type tracked struct {
		conversationID, eventID string
		req                     *algorithms.KeyRequest
	}
	var check []tracked
	e.lock.Lock()
	for id, r := range e.records {
		for eventID, f := range r.failures {
			if f.code != algorithms.CodeMegolmUnknownInboundSession {
				continue
			}
			check = append(check, tracked{id, eventID, &algorithms.KeyRequest{
				ConversationID: id,
				SenderKey:      f.ev.Content.SenderKey,
				SessionID:      f.ev.Content.SessionID,
			}})
		}
	}
	e.lock.Unlock()

	for _, t := range check {
		has, err := e.p.Dispatcher.HasKeysForKeyRequest(t.req)
		if err != nil {
			e.log.Warnf("error checking keys for %s: %s", t.eventID, err)
			continue
		}
		if !has {
			continue
		}
		e.lock.Lock()
		if r, ok := e.records[t.conversationID]; ok {
			delete(r.failures, t.eventID)
			r.resolve()
		}
		e.lock.Unlock()
	}
}

func (e *Extension) currentlyRequesting() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	n := 0
	for _, r := range e.records {
		if r.requesting {
			n++
		}
	}
	return n
}

func (e *Extension) updateOutstanding() {
	e.p.Metrics.RequestsOutstanding.Set(float64(e.currentlyRequesting()))
}

func (e *Extension) askForKeys(ctx context.Context, conversationID string) {
	now := e.p.Clock.CurrentTimeMs()
	e.lock.Lock()
	r, ok := e.records[conversationID]
	if !ok || len(r.failures) == 0 {
		e.lock.Unlock()
		return
	}
	r.lastRequestAt = now
	r.requesting = true
	r.requestedAt = now
	r.requests = append(r.requests, &KeyRequestRecord{Timestamp: now})
	missing := r.missingSessions()
	e.lock.Unlock()

	asked := e.postSolicitations(ctx, conversationID, missing, now)

	e.lock.Lock()
	if !asked {
		r.requesting = false
	}
	e.lock.Unlock()
	e.updateOutstanding()
}

// postSolicitations posts one solicitation per missing session and reports whether any
// solicitation for them is now awaiting an answer.
func (e *Extension) postSolicitations(ctx context.Context, conversationID string, missing []sessionRef, now int64) bool {
	if !e.p.Transport.IsMember(conversationID, e.p.UserID) {
		e.log.Infof("not a member of %s, cannot request keys", conversationID)
		return false
	}
	refs, err := e.p.Device.GetSharedHistoryInboundGroupSessions(conversationID)
	if err != nil {
		e.log.Warnf("error reading shared history sessions of %s: %s", conversationID, err)
		return false
	}
	var known []string
	if len(refs) < e.maxKnownSessions {
		for _, ref := range refs {
			known = append(known, ref.SessionID)
		}
	}

	awaiting := false
	for _, m := range missing {
		e.lock.Lock()
		prev, ok := e.records[conversationID].solicited[m]
		e.lock.Unlock()
		if ok && now-prev.at < e.staleAfter {
			e.log.Debugf("already solicited %s in %s", m.sessionID, conversationID)
			awaiting = true
			continue
		}

		s := &KeySolicitation{
			OriginHash:      uuid.NewString(),
			SessionID:       m.sessionID,
			SenderKey:       e.p.Device.DeviceCurve25519Key,
			Algorithm:       algorithms.MegolmAlgorithm,
			KnownSessionIDs: known,
		}
		e.lock.Lock()
		e.records[conversationID].solicited[m] = &solicited{originHash: s.OriginHash, at: now}
		e.ours[s.OriginHash] = conversationID
		e.lock.Unlock()
		if err := e.p.Transport.PostKeySolicitation(ctx, conversationID, s); err != nil {
			e.log.Warnf("error posting key solicitation for %s in %s: %s", m.sessionID, conversationID, err)
			e.lock.Lock()
			delete(e.records[conversationID].solicited, m)
			delete(e.ours, s.OriginHash)
			e.lock.Unlock()
			continue
		}
		e.log.Infof("requested keys for %s in %s", m.sessionID, conversationID)
		e.p.Metrics.SolicitationsSent.Inc()
		awaiting = true
	}
	return awaiting
}

func (e *Extension) onKeyResponse(ctx context.Context, fromUserID, forwarderKey string, resp *KeyResponse) error {
	conversationID := resp.ConversationID
	if conversationID == "" {
		e.log.Warnf("key response from %s without conversation", fromUserID)
		return nil
	}

	e.lock.Lock()
	r, ok := e.records[conversationID]
	if !ok {
		e.log.Warnf("key response for %s without record", conversationID)
		r = &record{
			conversationID: conversationID,
			failures:       make(map[string]*failure),
			solicited:      make(map[sessionRef]*solicited),
		}
		e.records[conversationID] = r
	}
	if len(r.requests) == 0 {
		e.log.Warnf("key response from %s for %s without request", fromUserID, conversationID)
		r.requests = append(r.requests, &KeyRequestRecord{Timestamp: e.p.Clock.CurrentTimeMs()})
	}
	req := r.requests[len(r.requests)-1]
	req.Responses = append(req.Responses, &RecordedResponse{From: fromUserID, Kind: resp.Kind, Sessions: len(resp.Sessions)})

	if resp.Kind != ResponseKeysFound {
		e.lock.Unlock()
		e.log.Debugf("%s response from %s for %s", resp.Kind, fromUserID, conversationID)
		return nil
	}

	var needed, untracked []*olmdevice.ExportedGroupSession
	for _, s := range resp.Sessions {
		if s.ConversationID != conversationID {
			e.log.Warnf("key response from %s for %s carries session %s of %s", fromUserID, conversationID, s.SessionID, s.ConversationID)
			continue
		}
		if r.failingSession(s.SenderKey, s.SessionID) {
			needed = append(needed, s)
		} else {
			untracked = append(untracked, s)
		}
	}
	e.lock.Unlock()

	for _, s := range untracked {
		has, err := e.p.Dispatcher.HasKeysForKeyRequest(&algorithms.KeyRequest{ConversationID: conversationID, SenderKey: s.SenderKey, SessionID: s.SessionID})
		if err != nil {
			return err
		}
		if !has {
			needed = append(needed, s)
		}
	}

	if len(needed) == 0 {
		e.log.Debugf("no new keys needed from %s", fromUserID)
	}
	for _, s := range needed {
		if err := e.p.Dispatcher.ImportRoomKey(ctx, s, forwarderKey != s.SenderKey); err != nil {
			e.log.Warnf("error importing session %s from %s: %s", s.SessionID, fromUserID, err)
			continue
		}
		e.p.Metrics.KeysImported.Inc()
	}
	e.log.Infof("imported %d of %d sessions from %s for %s", len(needed), len(resp.Sessions), fromUserID, conversationID)
	e.clearKeyRequest(conversationID)
	return nil
}

func (e *Extension) clearKeyRequest(conversationID string) {
	e.lock.Lock()
	if r, ok := e.records[conversationID]; ok {
		r.requesting = false
	}
	e.lock.Unlock()
	e.updateOutstanding()
	e.markLookForKeys()
}

// KeyRequests returns the requests made for a conversation, oldest first.
func (e *Extension) KeyRequests(conversationID string) []*KeyRequestRecord {
	e.lock.Lock()
	defer e.lock.Unlock()
	r, ok := e.records[conversationID]
	if !ok {
		return nil
	}
	out := make([]*KeyRequestRecord, len(r.requests))
	for i, req := range r.requests {
		responses := make([]*RecordedResponse, len(req.Responses))
		copy(responses, req.Responses)
		out[i] = &KeyRequestRecord{Timestamp: req.Timestamp, Responses: responses}
	}
	return out
}

// Failures returns the ids of the events tracked for a conversation.
func (e *Extension) Failures(conversationID string) []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	r, ok := e.records[conversationID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.failures))
	for id := range r.failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Requesting reports whether a conversation has an unresolved key request.
func (e *Extension) Requesting(conversationID string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	r, ok := e.records[conversationID]
	return ok && r.requesting
}
