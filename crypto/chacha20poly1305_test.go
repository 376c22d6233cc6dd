package crypto

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key := make([]byte, 32)
	_, err := crypto_rand.Read(key)
	require.Nil(err)

	a, err := Seal(key, []byte("pickle"), []byte("ad"))
	require.Nil(err)
	b, err := Seal(key, []byte("pickle"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(a, b)

	out, err := Open(key, a, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("pickle"), out)

	_, err = Open(key, a, []byte("other"))
	require.Error(err)
	_, err = Open(key, a[:10], nil)
	require.ErrorIs(err, ErrShortCiphertext)
}

func TestDHAgreement(t *testing.T) {
	require := require.New(t)
	pubA, privA, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	pubB, privB, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	require.Equal(DH(pubB[:], privA[:]), DH(pubA[:], privB[:]))
}

func TestDerive(t *testing.T) {
	require := require.New(t)
	a, err := Derive([]byte("secret"), nil, "A", 32)
	require.Nil(err)
	b, err := Derive([]byte("secret"), nil, "B", 32)
	require.Nil(err)
	require.Len(a, 32)
	require.NotEqual(a, b)
}
