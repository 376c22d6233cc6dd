package olmdevice

import (
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/olm"
	"github.com/stretchr/testify/require"
)

func TestGroupSessionRoundTrip(t *testing.T) {
	require := require.New(t)
	alice, _, _ := newTestDevice(t)
	bob, _, _ := newTestDevice(t)

	sessionID, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	current, err := alice.OutboundGroupSessionForConversation("conv")
	require.Nil(err)
	require.Equal(sessionID, current)

	first, err := alice.EncryptGroupMessage(sessionID, []byte("zero"))
	require.Nil(err)

	key, err := alice.GetOutboundGroupSessionKey(sessionID)
	require.Nil(err)
	require.Equal(uint32(1), key.ChainIndex)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, key.Key, map[string]string{"ed25519": alice.DeviceEd25519Key}, false, nil))

	second, err := alice.EncryptGroupMessage(sessionID, []byte("one"))
	require.Nil(err)
	res, err := bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, second, "e1", 1)
	require.Nil(err)
	require.Equal([]byte("one"), res.Plaintext)
	require.Equal(uint32(1), res.Index)
	require.Equal(alice.DeviceEd25519Key, res.KeysClaimed["ed25519"])

	_, err = bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, first, "e0", 1)
	require.ErrorIs(err, olm.ErrUnknownMessageIndex)

	// the sender can read its own messages
	own, err := alice.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, first, "e0", 1)
	require.Nil(err)
	require.Equal([]byte("zero"), own.Plaintext)

	missing, err := bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, "nope", second, "e1", 1)
	require.Nil(err)
	require.Nil(missing)

	var mismatch *ConversationMismatchError
	_, err = bob.DecryptGroupMessage("elsewhere", alice.DeviceCurve25519Key, sessionID, second, "e1", 1)
	require.True(errors.As(err, &mismatch))
	require.Equal("conv", mismatch.Actual)
}

func TestReplayDetection(t *testing.T) {
	require := require.New(t)
	alice, _, _ := newTestDevice(t)

	sessionID, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	m, err := alice.EncryptGroupMessage(sessionID, []byte("hi"))
	require.Nil(err)

	_, err = alice.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "event", 10)
	require.Nil(err)
	_, err = alice.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "event", 10)
	require.Nil(err)

	var replay *ReplayError
	_, err = alice.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "other", 10)
	require.True(errors.As(err, &replay))
	require.Equal("event", replay.SeenEventID)
	_, err = alice.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "event", 11)
	require.True(errors.As(err, &replay))
}

func TestMergeNeverRegressesKnowledge(t *testing.T) {
	require := require.New(t)
	alice, _, _ := newTestDevice(t)
	bob, _, _ := newTestDevice(t)

	sessionID, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	early, err := alice.GetOutboundGroupSessionKey(sessionID)
	require.Nil(err)
	m0, err := alice.EncryptGroupMessage(sessionID, []byte("zero"))
	require.Nil(err)
	_, err = alice.EncryptGroupMessage(sessionID, []byte("one"))
	require.Nil(err)

	// bob holds an untrusted copy from index 0
	exported, err := alice.GetInboundGroupSessionKey("conv", alice.DeviceCurve25519Key, sessionID, nil)
	require.Nil(err)
	require.Equal(uint32(0), exported.ChainIndex)
	require.True(exported.SharedHistory)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, exported.Key, nil, true, &InboundExtra{Untrusted: true}))

	// a trusted session starting later upgrades trust without losing index 0
	late, err := alice.GetOutboundGroupSessionKey(sessionID)
	require.Nil(err)
	require.Equal(uint32(2), late.ChainIndex)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, late.Key, nil, false, nil))

	res, err := bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m0, "e0", 1)
	require.Nil(err)
	require.Equal([]byte("zero"), res.Plaintext)
	require.False(res.Untrusted)

	key, err := bob.GetInboundGroupSessionKey("conv", alice.DeviceCurve25519Key, sessionID, nil)
	require.Nil(err)
	require.Equal(uint32(0), key.ChainIndex)

	// a later untrusted session never replaces what we have
	idx := uint32(1)
	later, err := alice.GetInboundGroupSessionKey("conv", alice.DeviceCurve25519Key, sessionID, &idx)
	require.Nil(err)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, later.Key, nil, true, &InboundExtra{Untrusted: true}))
	key, err = bob.GetInboundGroupSessionKey("conv", alice.DeviceCurve25519Key, sessionID, nil)
	require.Nil(err)
	require.Equal(uint32(0), key.ChainIndex)

	// an earlier session replaces a later one
	carol, _, _ := newTestDevice(t)
	require.Nil(carol.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, late.Key, nil, false, nil))
	require.Nil(carol.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, early.Key, nil, false, nil))
	key, err = carol.GetInboundGroupSessionKey("conv", alice.DeviceCurve25519Key, sessionID, nil)
	require.Nil(err)
	require.Equal(uint32(0), key.ChainIndex)

	err = carol.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, "wrong", early.Key, nil, false, nil)
	require.ErrorIs(err, ErrMismatchedSessionID)
}

func TestLaterTrustedKeyUpgradesExportedSession(t *testing.T) {
	require := require.New(t)
	alice, _, _ := newTestDevice(t)
	bob, _, _ := newTestDevice(t)

	sessionID, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	exported, err := alice.ExportInboundGroupSession(alice.DeviceCurve25519Key, sessionID)
	require.Nil(err)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, exported.SessionKey, nil, true, &InboundExtra{Untrusted: true}))
	_, err = alice.EncryptGroupMessage(sessionID, []byte("x"))
	require.Nil(err)
	late, err := alice.GetOutboundGroupSessionKey(sessionID)
	require.Nil(err)
	require.Nil(bob.AddInboundGroupSession("conv", alice.DeviceCurve25519Key, sessionID, late.Key, nil, false, nil))

	m, err := alice.EncryptGroupMessage(sessionID, []byte("y"))
	require.Nil(err)
	res, err := bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "e", 1)
	require.Nil(err)
	require.False(res.Untrusted)
}

func TestWithheldSessions(t *testing.T) {
	require := require.New(t)
	bob, _, _ := newTestDevice(t)
	alice, _, _ := newTestDevice(t)

	sessionID, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	m, err := alice.EncryptGroupMessage(sessionID, []byte("secret"))
	require.Nil(err)

	require.Nil(bob.AddInboundGroupSessionWithheld("conv", alice.DeviceCurve25519Key, sessionID, "r.blacklisted", "The sender has blocked you."))
	var withheld *WithheldError
	_, err = bob.DecryptGroupMessage("conv", alice.DeviceCurve25519Key, sessionID, m, "e", 1)
	require.True(errors.As(err, &withheld))
	require.Equal("r.blacklisted", withheld.Code)

	has, err := bob.HasInboundSessionKeys("conv", alice.DeviceCurve25519Key, sessionID)
	require.Nil(err)
	require.False(has)
}

func TestSharedHistoryAndExport(t *testing.T) {
	require := require.New(t)
	alice, _, _ := newTestDevice(t)

	a, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	b, err := alice.CreateOutboundGroupSession("conv")
	require.Nil(err)
	_, err = alice.CreateOutboundGroupSession("other")
	require.Nil(err)

	refs, err := alice.GetSharedHistoryInboundGroupSessions("conv")
	require.Nil(err)
	require.Len(refs, 2)

	exported, err := alice.ExportInboundGroupSessions("conv", []string{a, "unknown"})
	require.Nil(err)
	require.Len(exported, 1)
	require.Equal(a, exported[0].SessionID)
	require.Equal("conv", exported[0].ConversationID)

	has, err := alice.HasInboundSessionKeys("conv", alice.DeviceCurve25519Key, b)
	require.Nil(err)
	require.True(has)
	has, err = alice.HasInboundSessionKeys("other", alice.DeviceCurve25519Key, b)
	require.Nil(err)
	require.False(has)
}
