package olm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testPickleKey = []byte("0123456789abcdef0123456789abcdef")

func newPair(t *testing.T) (*Account, *Account) {
	require := require.New(t)
	alice, err := NewAccount()
	require.Nil(err)
	bob, err := NewAccount()
	require.Nil(err)
	require.Nil(bob.GenerateFallbackKey())
	return alice, bob
}

func fallbackOf(a *Account) string {
	for _, k := range a.FallbackKey() {
		return k
	}
	return ""
}

func TestPairwiseRoundTrip(t *testing.T) {
	require := require.New(t)
	alice, bob := newPair(t)

	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, fallbackOf(bob))
	require.Nil(err)
	require.False(out.HasReceivedMessage())

	typ, body, err := out.Encrypt([]byte("hello"))
	require.Nil(err)
	require.Equal(MessageTypePreKey, typ)

	in, err := bob.NewInboundSession(alice.IdentityKeys().Curve25519, body)
	require.Nil(err)
	require.Equal(out.ID(), in.ID())
	require.True(in.MatchesInbound(body))
	require.True(in.MatchesInboundFrom(alice.IdentityKeys().Curve25519, body))

	pt, err := in.Decrypt(typ, body)
	require.Nil(err)
	require.Equal([]byte("hello"), pt)

	// until the initiator hears back, it keeps sending prekey messages
	typ, body, err = out.Encrypt([]byte("again"))
	require.Nil(err)
	require.Equal(MessageTypePreKey, typ)
	pt, err = in.Decrypt(typ, body)
	require.Nil(err)
	require.Equal([]byte("again"), pt)

	typ, body, err = in.Encrypt([]byte("reply"))
	require.Nil(err)
	require.Equal(MessageTypeMessage, typ)
	pt, err = out.Decrypt(typ, body)
	require.Nil(err)
	require.Equal([]byte("reply"), pt)
	require.True(out.HasReceivedMessage())

	typ, _, err = out.Encrypt([]byte("normal"))
	require.Nil(err)
	require.Equal(MessageTypeMessage, typ)
}

func TestPairwiseOutOfOrderAndPickle(t *testing.T) {
	require := require.New(t)
	alice, bob := newPair(t)

	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, fallbackOf(bob))
	require.Nil(err)
	_, first, err := out.Encrypt([]byte("one"))
	require.Nil(err)
	_, second, err := out.Encrypt([]byte("two"))
	require.Nil(err)

	in, err := bob.NewInboundSession("", second)
	require.Nil(err)
	pt, err := in.Decrypt(MessageTypePreKey, second)
	require.Nil(err)
	require.Equal([]byte("two"), pt)

	pickled, err := in.Pickle(testPickleKey)
	require.Nil(err)
	restored, err := UnpickleSession(testPickleKey, pickled)
	require.Nil(err)
	pt, err = restored.Decrypt(MessageTypePreKey, first)
	require.Nil(err)
	require.Equal([]byte("one"), pt)

	_, err = UnpickleSession([]byte("wrong key wrong key wrong key 32"), pickled)
	require.ErrorIs(err, ErrBadPickle)
}

func TestInboundSessionNeedsKnownFallbackKey(t *testing.T) {
	require := require.New(t)
	alice, bob := newPair(t)

	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, fallbackOf(bob))
	require.Nil(err)
	_, body, err := out.Encrypt([]byte("hello"))
	require.Nil(err)

	_, err = bob.NewInboundSession(bob.IdentityKeys().Curve25519, body)
	require.ErrorIs(err, ErrBadMessageKeyID)

	// the replaced fallback key still works until it is forgotten
	require.Nil(bob.GenerateFallbackKey())
	_, err = bob.NewInboundSession(alice.IdentityKeys().Curve25519, body)
	require.Nil(err)

	bob.ForgetOldFallbackKey()
	_, err = bob.NewInboundSession(alice.IdentityKeys().Curve25519, body)
	require.ErrorIs(err, ErrBadMessageKeyID)
}

func TestAccountPickleAndFallbackPublishing(t *testing.T) {
	require := require.New(t)
	a, err := NewAccount()
	require.Nil(err)
	require.Empty(a.FallbackKey())
	require.Nil(a.GenerateFallbackKey())
	require.Len(a.UnpublishedFallbackKey(), 1)
	a.MarkKeysAsPublished()
	require.Empty(a.UnpublishedFallbackKey())
	require.Len(a.FallbackKey(), 1)

	pickled, err := a.Pickle(testPickleKey)
	require.Nil(err)
	b, err := UnpickleAccount(testPickleKey, pickled)
	require.Nil(err)
	require.Equal(a.IdentityKeys(), b.IdentityKeys())
	require.Equal(a.FallbackKey(), b.FallbackKey())

	sig := b.Sign([]byte("message"))
	require.Nil(VerifySignature(a.IdentityKeys().Ed25519, []byte("message"), sig))
	require.ErrorIs(VerifySignature(a.IdentityKeys().Ed25519, []byte("other"), sig), ErrBadSignature)
}

func TestMegolmAdvanceToMatchesStepping(t *testing.T) {
	require := require.New(t)
	data := make([]byte, megolmRatchetSize)
	for i := range data {
		data[i] = byte(i)
	}
	for _, target := range []uint32{1, 255, 256, 257, 300, 65536, 70000} {
		stepped := newMegolmRatchet(data, 0)
		for stepped.Counter < target {
			stepped.advance()
		}
		jumped := newMegolmRatchet(data, 0)
		jumped.advanceTo(target)
		require.Equal(stepped.Data, jumped.Data, "index %d", target)
		require.Equal(target, jumped.Counter)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	require := require.New(t)
	out, err := NewOutboundGroupSession()
	require.Nil(err)

	_, err = out.Encrypt([]byte("before"))
	require.Nil(err)
	key, err := out.SessionKey()
	require.Nil(err)

	in, err := NewInboundGroupSession(key)
	require.Nil(err)
	require.Equal(out.ID(), in.ID())
	require.Equal(uint32(1), in.FirstKnownIndex())
	require.True(in.IsVerified())

	var messages []string
	for _, pt := range []string{"a", "b", "c"} {
		m, err := out.Encrypt([]byte(pt))
		require.Nil(err)
		messages = append(messages, m)
	}

	pt, idx, err := in.Decrypt(messages[2])
	require.Nil(err)
	require.Equal([]byte("c"), pt)
	require.Equal(uint32(3), idx)

	pt, idx, err = in.Decrypt(messages[0])
	require.Nil(err)
	require.Equal([]byte("a"), pt)
	require.Equal(uint32(1), idx)

	exported, err := in.ExportAt(2)
	require.Nil(err)
	imported, err := ImportInboundGroupSession(exported)
	require.Nil(err)
	require.False(imported.IsVerified())
	require.Equal(uint32(2), imported.FirstKnownIndex())

	_, _, err = imported.Decrypt(messages[0])
	require.ErrorIs(err, ErrUnknownMessageIndex)
	pt, _, err = imported.Decrypt(messages[1])
	require.Nil(err)
	require.Equal([]byte("b"), pt)

	again, err := in.ExportAt(2)
	require.Nil(err)
	require.Equal(exported, again)
	_, err = in.ExportAt(0)
	require.ErrorIs(err, ErrUnknownMessageIndex)
}

func TestGroupPickleAndTamper(t *testing.T) {
	require := require.New(t)
	out, err := NewOutboundGroupSession()
	require.Nil(err)
	pickled, err := out.Pickle(testPickleKey)
	require.Nil(err)
	restored, err := UnpickleOutboundGroupSession(testPickleKey, pickled)
	require.Nil(err)
	require.Equal(out.ID(), restored.ID())

	key, err := restored.SessionKey()
	require.Nil(err)
	in, err := NewInboundGroupSession(key)
	require.Nil(err)
	_, err = ImportInboundGroupSession(key)
	require.ErrorIs(err, ErrBadSessionKey)

	m, err := restored.Encrypt([]byte("hi"))
	require.Nil(err)
	require.Equal(uint32(1), restored.MessageIndex())

	other, err := NewOutboundGroupSession()
	require.Nil(err)
	forged, err := other.Encrypt([]byte("hi"))
	require.Nil(err)
	_, _, err = in.Decrypt(forged)
	require.ErrorIs(err, ErrBadSignature)

	inPickled, err := in.Pickle(testPickleKey)
	require.Nil(err)
	in2, err := UnpickleInboundGroupSession(testPickleKey, inPickled)
	require.Nil(err)
	pt, _, err := in2.Decrypt(m)
	require.Nil(err)
	require.Equal([]byte("hi"), pt)
}
