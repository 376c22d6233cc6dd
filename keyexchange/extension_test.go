package keyexchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/algorithms"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func requireUnknownSession(t *testing.T, err error) {
	var de *algorithms.DecryptionError
	require.ErrorAs(t, err, &de)
	require.Equal(t, algorithms.CodeMegolmUnknownInboundSession, de.Code)
}

func TestMissingKeysAreSolicitedAndImported(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	ev := alice.send(t, "c", "e1", "hello")
	requireUnknownSession(t, bob.decrypt(ev))

	require.Eventually(func() bool {
		return string(bob.decryptedContent("e1")) == "hello"
	}, waitFor, tick)
	require.Eventually(func() bool {
		return !bob.ext.Requesting("c") && len(bob.ext.Failures("c")) == 0
	}, waitFor, tick)

	posted := h.posted()
	require.Len(posted, 1)
	require.Equal(ev.Content.SessionID, posted[0].s.SessionID)
	require.Equal(bob.dev.DeviceCurve25519Key, posted[0].s.SenderKey)
	require.Equal(algorithms.MegolmAlgorithm, posted[0].s.Algorithm)
	require.NotEmpty(posted[0].s.OriginHash)
	require.Equal(1, h.fulfillmentCount("c"))

	reqs := bob.ext.KeyRequests("c")
	require.Len(reqs, 1)
	require.Equal([]*RecordedResponse{{From: "alice", Kind: ResponseKeysFound, Sessions: 1}}, reqs[0].Responses)
	require.Equal(1.0, testutil.ToFloat64(bob.metrics.SolicitationsSent))
	require.Equal(1.0, testutil.ToFloat64(bob.metrics.KeysImported))
	require.Equal(1.0, testutil.ToFloat64(alice.metrics.SolicitationsReceived))
	require.Equal(1.0, testutil.ToFloat64(alice.metrics.ResponsesSent.WithLabelValues("keys_found")))

	res, err := bob.disp.DecryptEvent(context.Background(), ev)
	require.Nil(err)
	require.False(res.Untrusted)
	require.Equal("hello", string(res.Content))
	require.Equal(alice.dev.DeviceCurve25519Key, res.SenderKey)
}

func TestOnlyOneMemberAnswers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "bob", "carol", "dave")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")
	carol := newPeer(t, h, "carol")
	dave := newPeer(t, h, "dave")

	ev := alice.send(t, "c", "e1", "hello")
	exported, err := alice.dev.ExportInboundGroupSession(ev.Content.SenderKey, ev.Content.SessionID)
	require.Nil(err)
	require.Nil(bob.disp.ImportRoomKey(ctx, exported, false))
	require.Nil(carol.disp.ImportRoomKey(ctx, exported, false))

	alice.ext.responseDelay = func(ConversationKind) time.Duration { return 0 }
	bob.ext.responseDelay = func(ConversationKind) time.Duration { return time.Second }
	carol.ext.responseDelay = func(ConversationKind) time.Duration { return 2 * time.Second }

	requireUnknownSession(t, dave.decrypt(ev))
	require.Eventually(func() bool {
		return string(dave.decryptedContent("e1")) == "hello"
	}, waitFor, tick)

	// the later members see the fulfillment once their delay runs out
	require.Eventually(func() bool {
		return testutil.ToFloat64(bob.metrics.FulfillmentsObserved) == 1 &&
			testutil.ToFloat64(carol.metrics.FulfillmentsObserved) == 1
	}, waitFor, tick)

	require.Equal(1, h.toDeviceCount("dave"))
	require.Equal(1, h.fulfillmentCount("c"))
	require.Equal(0.0, testutil.ToFloat64(bob.metrics.ResponsesSent.WithLabelValues("keys_found")))
	require.Equal(0.0, testutil.ToFloat64(carol.metrics.ResponsesSent.WithLabelValues("keys_found")))
	reqs := dave.ext.KeyRequests("c")
	require.Len(reqs, 1)
	require.Len(reqs[0].Responses, 1)
	require.Equal("alice", reqs[0].Responses[0].From)
}

func TestFulfilledSolicitationIsNotAnswered(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	ev := alice.send(t, "c", "e1", "hello")
	s := &KeySolicitation{
		OriginHash: "origin",
		SessionID:  ev.Content.SessionID,
		SenderKey:  bob.dev.DeviceCurve25519Key,
		Algorithm:  algorithms.MegolmAlgorithm,
	}
	require.Nil((&transport{h: h, userID: "carol"}).PostFulfillment(ctx, "c", &Fulfillment{
		OriginHash: "origin",
		SessionIDs: []string{ev.Content.SessionID},
		Algorithm:  algorithms.MegolmAlgorithm,
	}))

	require.Nil(alice.ext.processKeySolicitation(ctx, &incomingSolicitation{conversationID: "c", fromUserID: "bob", s: s}))
	require.Equal(0, h.toDeviceCount("bob"))
	require.Equal(1.0, testutil.ToFloat64(alice.metrics.FulfillmentsObserved))
}

func TestConcurrentRequestsAreCapped(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.holdSolicitations()
	for _, id := range []string{"c1", "c2", "c3"} {
		h.addConversation(id, KindChannel, "alice", "bob")
	}
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	var events []*algorithms.Event
	for _, id := range []string{"c1", "c2", "c3"} {
		ev := alice.send(t, id, "e-"+id, "hello "+id)
		events = append(events, ev)
		requireUnknownSession(t, bob.decrypt(ev))
	}

	require.Eventually(func() bool { return len(h.posted()) == 2 }, waitFor, tick)
	require.Never(func() bool { return len(h.posted()) > 2 }, 200*time.Millisecond, tick)
	require.True(bob.ext.Requesting("c1"))
	require.True(bob.ext.Requesting("c2"))
	require.False(bob.ext.Requesting("c3"))
	require.Eventually(func() bool { return testutil.ToFloat64(bob.metrics.RequestsOutstanding) == 2 }, waitFor, tick)

	// answering one request frees a slot for the third conversation
	h.release("c1")
	require.Eventually(func() bool { return string(bob.decryptedContent("e-c1")) == "hello c1" }, waitFor, tick)
	require.Eventually(func() bool { return len(h.posted()) == 3 }, waitFor, tick)
	require.Equal("c3", h.posted()[2].conversationID)
	require.Equal(events[2].Content.SessionID, h.posted()[2].s.SessionID)
}

func TestResolvedConversationFreesRequestSlot(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.holdSolicitations()
	for _, id := range []string{"c1", "c2", "c3"} {
		h.addConversation(id, KindChannel, "alice", "bob")
	}
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	var events []*algorithms.Event
	for _, id := range []string{"c1", "c2", "c3"} {
		ev := alice.send(t, id, "e-"+id, "hello "+id)
		events = append(events, ev)
		requireUnknownSession(t, bob.decrypt(ev))
	}
	require.Eventually(func() bool { return len(h.posted()) == 2 }, waitFor, tick)
	require.True(bob.ext.Requesting("c1"))

	// the key for c1 arrives outside the solicitation, the clock does not move
	exported, err := alice.dev.ExportInboundGroupSession(events[0].Content.SenderKey, events[0].Content.SessionID)
	require.Nil(err)
	require.Nil(bob.disp.ImportRoomKey(ctx, exported, false))

	require.Eventually(func() bool { return string(bob.decryptedContent("e-c1")) == "hello c1" }, waitFor, tick)
	require.Empty(bob.ext.Failures("c1"))
	require.False(bob.ext.Requesting("c1"))
	require.Eventually(func() bool { return len(h.posted()) == 3 }, waitFor, tick)
	require.Equal("c3", h.posted()[2].conversationID)
	require.Equal(events[2].Content.SessionID, h.posted()[2].s.SessionID)
}

func TestDelayedAnswerDoesNotHoldLaterSolicitations(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.holdSolicitations()
	h.addConversation("c1", KindChannel, "alice", "bob")
	h.addConversation("c2", KindChannel, "alice", "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	var calls atomic.Int32
	alice.ext.responseDelay = func(ConversationKind) time.Duration {
		if calls.Add(1) == 1 {
			return time.Hour
		}
		return 0
	}

	requireUnknownSession(t, bob.decrypt(alice.send(t, "c1", "e-c1", "one")))
	requireUnknownSession(t, bob.decrypt(alice.send(t, "c2", "e-c2", "two")))
	require.Eventually(func() bool { return len(h.posted()) == 2 }, waitFor, tick)

	h.release("c1")
	h.release("c2")
	require.Eventually(func() bool { return string(bob.decryptedContent("e-c2")) == "two" }, waitFor, tick)
	require.Nil(bob.decryptedContent("e-c1"))
	require.True(bob.ext.Requesting("c1"))
	require.Equal(0, h.fulfillmentCount("c1"))
	require.Equal(1, h.fulfillmentCount("c2"))
}

func TestSolicitationsAreKeyedBySenderAndSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.holdSolicitations()
	h.addConversation("c", KindChannel, "alice", "bob", "carol")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")
	carol := newPeer(t, h, "carol")

	ev := alice.send(t, "c", "e1", "hello")
	requireUnknownSession(t, bob.decrypt(ev))
	require.Eventually(func() bool { return len(h.posted()) == 1 }, waitFor, tick)

	sessionID := ev.Content.SessionID
	missing := []sessionRef{
		{senderKey: alice.dev.DeviceCurve25519Key, sessionID: sessionID},
		{senderKey: carol.dev.DeviceCurve25519Key, sessionID: sessionID},
	}
	require.True(bob.ext.postSolicitations(ctx, "c", missing, bob.clock.CurrentTimeMs()))

	// only the session of the other sender is new
	posted := h.posted()
	require.Len(posted, 2)
	require.Equal(sessionID, posted[1].s.SessionID)
	require.NotEqual(posted[0].s.OriginHash, posted[1].s.OriginHash)
}

func TestFreshSolicitationIsNotRepeated(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.holdSolicitations()
	h.addConversation("c", KindChannel, "alice", "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	ev1 := alice.send(t, "c", "e1", "one")
	ev2 := alice.send(t, "c", "e2", "two")
	requireUnknownSession(t, bob.decrypt(ev1))
	requireUnknownSession(t, bob.decrypt(ev2))

	require.Eventually(func() bool { return len(h.posted()) == 1 }, waitFor, tick)
	require.True(bob.ext.Requesting("c"))
	// both events use one session
	require.Equal([]string{"e1", "e2"}, bob.ext.Failures("c"))

	bob.ext.startLookingForKeys(ctx)
	require.Len(h.posted(), 1)

	bob.clock.advance(bob.ext.staleAfter)
	bob.ext.startLookingForKeys(ctx)
	posted := h.posted()
	require.Len(posted, 2)
	require.Equal(posted[0].s.SessionID, posted[1].s.SessionID)
	require.NotEqual(posted[0].s.OriginHash, posted[1].s.OriginHash)
	require.True(bob.ext.Requesting("c"))
	require.Len(bob.ext.KeyRequests("c"), 2)
}

func TestUnentitledUserDoesNotAsk(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "mallory")
	h.deny("mallory")
	alice := newPeer(t, h, "alice")
	mallory := newPeer(t, h, "mallory")

	requireUnknownSession(t, mallory.decrypt(alice.send(t, "c", "e1", "secret")))
	require.Equal([]string{"e1"}, mallory.ext.Failures("c"))
	require.Never(func() bool { return len(h.posted()) > 0 }, 200*time.Millisecond, tick)
	require.False(mallory.ext.Requesting("c"))
}

func TestUnentitledRequesterGetsNothing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "mallory")
	h.deny("mallory")
	alice := newPeer(t, h, "alice")
	mallory := newPeer(t, h, "mallory")
	ev := alice.send(t, "c", "e1", "secret")

	s := &KeySolicitation{
		OriginHash: "origin",
		SessionID:  ev.Content.SessionID,
		SenderKey:  mallory.dev.DeviceCurve25519Key,
		Algorithm:  algorithms.MegolmAlgorithm,
	}
	require.Nil(alice.ext.processKeySolicitation(ctx, &incomingSolicitation{conversationID: "c", fromUserID: "mallory", s: s}))
	require.Equal(0, h.toDeviceCount("mallory"))
	require.Equal(0, h.fulfillmentCount("c"))
}

func TestNonMemberGetsNothing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("c", KindChannel, "alice")
	alice := newPeer(t, h, "alice")
	eve := newPeer(t, h, "eve")
	ev := alice.send(t, "c", "e1", "secret")

	s := &KeySolicitation{
		OriginHash: "origin",
		SessionID:  ev.Content.SessionID,
		SenderKey:  eve.dev.DeviceCurve25519Key,
		Algorithm:  algorithms.MegolmAlgorithm,
	}
	require.Nil(alice.ext.processKeySolicitation(ctx, &incomingSolicitation{conversationID: "c", fromUserID: "eve", s: s}))
	require.Equal(0, h.toDeviceCount("eve"))
}

func TestSolicitationNamingAnotherUsersDeviceIsDropped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "bob", "mallory")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")
	newPeer(t, h, "mallory")
	ev := alice.send(t, "c", "e1", "secret")
	_, err := alice.list.DownloadKeys(ctx, []string{"bob"}, false)
	require.Nil(err)

	s := &KeySolicitation{
		OriginHash: "origin",
		SessionID:  ev.Content.SessionID,
		SenderKey:  bob.dev.DeviceCurve25519Key,
		Algorithm:  algorithms.MegolmAlgorithm,
	}
	require.Nil(alice.ext.processKeySolicitation(ctx, &incomingSolicitation{conversationID: "c", fromUserID: "mallory", s: s}))
	require.Equal(0, h.toDeviceCount("bob"))
	require.Equal(0, h.toDeviceCount("mallory"))
}

func TestUnknownConversationAnswersChannelNotFound(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHub()
	h.addConversation("x", KindChannel, "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	s := &KeySolicitation{
		OriginHash: "origin",
		SessionID:  "session",
		SenderKey:  bob.dev.DeviceCurve25519Key,
		Algorithm:  algorithms.MegolmAlgorithm,
	}
	require.Nil(alice.ext.processKeySolicitation(ctx, &incomingSolicitation{conversationID: "x", fromUserID: "bob", s: s}))
	require.Equal(1, h.toDeviceCount("bob"))
	require.Equal(1.0, testutil.ToFloat64(alice.metrics.ResponsesSent.WithLabelValues("channel_not_found")))

	require.Eventually(func() bool {
		reqs := bob.ext.KeyRequests("x")
		return len(reqs) == 1 && len(reqs[0].Responses) == 1 && reqs[0].Responses[0].Kind == ResponseChannelNotFound
	}, waitFor, tick)
	require.Equal(0, h.fulfillmentCount("x"))
}

func TestKeysNotFoundLeavesRequestOutstanding(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.addConversation("c", KindDM, "alice", "bob", "carol")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")
	carol := newPeer(t, h, "carol")
	// alice leaves before carol can ask her
	ev := alice.send(t, "c", "e1", "hello")
	h.mu.Lock()
	delete(h.members["c"], "alice")
	h.mu.Unlock()

	requireUnknownSession(t, carol.decrypt(ev))
	require.Eventually(func() bool {
		reqs := carol.ext.KeyRequests("c")
		return len(reqs) == 1 && len(reqs[0].Responses) == 1
	}, waitFor, tick)
	reqs := carol.ext.KeyRequests("c")
	require.Equal(&RecordedResponse{From: "bob", Kind: ResponseKeysNotFound}, reqs[0].Responses[0])
	require.True(carol.ext.Requesting("c"))
	require.Equal([]string{"e1"}, carol.ext.Failures("c"))
	require.Equal(0, h.fulfillmentCount("c"))
	require.Equal(1.0, testutil.ToFloat64(bob.metrics.ResponsesSent.WithLabelValues("keys_not_found")))
}

func TestSharedHistoryIsSentAlongside(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.addConversation("c", KindDM, "alice", "bob")
	alice := newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	ev := alice.send(t, "c", "e1", "hello")
	// bob already holds a session alice does not know about
	other := bob.send(t, "c", "e2", "other")

	s := &KeySolicitation{
		OriginHash:      "origin",
		SessionID:       "missing",
		SenderKey:       bob.dev.DeviceCurve25519Key,
		Algorithm:       algorithms.MegolmAlgorithm,
		KnownSessionIDs: []string{other.Content.SessionID},
	}
	ids, err := alice.ext.sessionsToSend("c", s)
	require.Nil(err)
	require.Equal([]string{ev.Content.SessionID, "missing"}, ids)

	s.KnownSessionIDs = append(s.KnownSessionIDs, ev.Content.SessionID)
	s.SessionID = ev.Content.SessionID
	ids, err = alice.ext.sessionsToSend("c", s)
	require.Nil(err)
	require.Equal([]string{ev.Content.SessionID}, ids)
}

func TestOnlyMissingKeyFailuresAreTracked(t *testing.T) {
	require := require.New(t)
	h := newHub()
	h.addConversation("c", KindChannel, "alice", "bob")
	newPeer(t, h, "alice")
	bob := newPeer(t, h, "bob")

	ev := &algorithms.Event{
		ID:             "e1",
		Sender:         "alice",
		ConversationID: "c",
		Content:        &algorithms.EncryptedContent{Algorithm: algorithms.MegolmAlgorithm, SenderKey: "k", SessionID: "s", Ciphertext: "x"},
	}
	bob.ext.OnDecryptionFailure(ev, &algorithms.DecryptionError{Code: algorithms.CodeMegolmReplayAttack})
	bob.ext.OnDecryptionFailure(ev, errors.New("boom"))
	require.Empty(bob.ext.Failures("c"))

	noConversation := *ev
	noConversation.ConversationID = ""
	bob.ext.OnDecryptionFailure(&noConversation, &algorithms.DecryptionError{Code: algorithms.CodeMegolmUnknownInboundSession})
	require.Empty(bob.ext.Failures(""))

	bob.ext.OnDecryptionFailure(ev, &algorithms.DecryptionError{Code: algorithms.CodeOlmUnknownMessageIndex})
	bob.ext.OnDecryptionFailure(ev, &algorithms.DecryptionError{Code: algorithms.CodeMegolmUnknownInboundSession})
	require.Equal([]string{"e1"}, bob.ext.Failures("c"))

	bob.ext.OnDecrypted(ev)
	require.Empty(bob.ext.Failures("c"))
}

func TestOwnSolicitationIsIgnored(t *testing.T) {
	require := require.New(t)
	h := newHub()
	bob := newPeer(t, h, "bob")
	bob.ext.OnKeySolicitation("c", "bob", &KeySolicitation{OriginHash: "o", SessionID: "s", SenderKey: bob.dev.DeviceCurve25519Key})
	require.Equal(0.0, testutil.ToFloat64(bob.metrics.SolicitationsReceived))
}

func TestRandomResponseDelay(t *testing.T) {
	require := require.New(t)
	h := newHub()
	p := newPeer(t, h, "alice")
	e := p.ext

	e.maxResponseDelay = 50 * time.Millisecond
	require.Zero(e.randomResponseDelay(KindDM))
	require.Zero(e.randomResponseDelay(KindGDM))
	for i := 0; i < 20; i++ {
		d := e.randomResponseDelay(KindChannel)
		require.GreaterOrEqual(d, time.Duration(0))
		require.Less(d, e.maxResponseDelay)
	}
	e.maxResponseDelay = 0
	require.Zero(e.randomResponseDelay(KindChannel))
}
