package olm

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"
	"sort"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type ratchetCrypto struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPair{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *ratchetCrypto) DH(pair doubleratchet.DHPair, pub doubleratchet.Key) (doubleratchet.Key, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("%w: ratchet key has length %d", ErrBadMessageFormat, len(pub))
	}
	return crypto.DH(pub, pair.PrivateKey()), nil
}

func (c *ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	out, err := crypto.DecryptWithKey(mk, ciphertext, ad)
	if err != nil {
		return nil, ErrBadMessageMAC
	}
	return out, nil
}

func (c *ratchetCrypto) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *ratchetCrypto) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// ratchetState is the serializable form of a doubleratchet.State.
type ratchetState struct {
	Dhr                      []byte `cbor:"1,keyasint"`
	DhsPub                   []byte `cbor:"2,keyasint"`
	DhsPriv                  []byte `cbor:"3,keyasint"`
	RootChKey                []byte `cbor:"4,keyasint"`
	SendChKey                []byte `cbor:"5,keyasint"`
	SendChCount              uint32 `cbor:"6,keyasint"`
	RecvChKey                []byte `cbor:"7,keyasint"`
	RecvChCount              uint32 `cbor:"8,keyasint"`
	PN                       uint32 `cbor:"9,keyasint"`
	MaxSkip                  uint   `cbor:"10,keyasint"`
	HKr                      []byte `cbor:"11,keyasint"`
	NHKr                     []byte `cbor:"12,keyasint"`
	HKs                      []byte `cbor:"13,keyasint"`
	NHKs                     []byte `cbor:"14,keyasint"`
	MaxKeep                  uint   `cbor:"15,keyasint"`
	MaxMessageKeysPerSession int    `cbor:"16,keyasint"`
	Step                     uint   `cbor:"17,keyasint"`
	KeysCount                uint   `cbor:"18,keyasint"`
}

// ratchetStore holds the state of exactly one ratchet. The doubleratchet library saves
// through it after every step, which is what makes a pickled Session reflect the last use.
type ratchetStore struct {
	id    []byte
	state *ratchetState
	keys  *skippedKeys
}

func (rs *ratchetStore) Load(id []byte) (*doubleratchet.State, error) {
	if !bytes.Equal(id, rs.id) {
		return nil, fmt.Errorf("olm: expected ratchet %x, got %x", rs.id, id)
	}
	if rs.state == nil {
		return nil, nil
	}
	s := rs.state
	drc := &ratchetCrypto{}
	dhs := dhPair{}
	copy(dhs.privateKey[:], s.DhsPriv)
	copy(dhs.publicKey[:], s.DhsPub)

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhs,
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                rs.keys,
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (rs *ratchetStore) Save(id []byte, state *doubleratchet.State) error {
	if !bytes.Equal(id, rs.id) {
		return fmt.Errorf("olm: expected ratchet %x, got %x", rs.id, id)
	}
	rs.state = &ratchetState{
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return nil
}

type skippedKey struct {
	PubKey     []byte `cbor:"1,keyasint"`
	MsgNum     uint   `cbor:"2,keyasint"`
	MessageKey []byte `cbor:"3,keyasint"`
	SeqNum     uint   `cbor:"4,keyasint"`
}

// skippedKeys keeps message keys for messages that arrived out of order.
type skippedKeys struct {
	sessionID []byte
	Keys      []*skippedKey
}

func (ks *skippedKeys) find(k doubleratchet.Key, msgNum uint) int {
	for i, sk := range ks.Keys {
		if sk.MsgNum == msgNum && bytes.Equal(sk.PubKey, k) {
			return i
		}
	}
	return -1
}

func (ks *skippedKeys) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	i := ks.find(k, msgNum)
	if i == -1 {
		return doubleratchet.Key{}, false, nil
	}
	return ks.Keys[i].MessageKey, true, nil
}

func (ks *skippedKeys) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	if i := ks.find(k, msgNum); i != -1 {
		ks.Keys[i].MessageKey = mk
		ks.Keys[i].SeqNum = keySeqNum
		return nil
	}
	ks.Keys = append(ks.Keys, &skippedKey{PubKey: k, MsgNum: msgNum, MessageKey: mk, SeqNum: keySeqNum})
	return nil
}

func (ks *skippedKeys) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if i := ks.find(k, msgNum); i != -1 {
		ks.Keys = append(ks.Keys[:i], ks.Keys[i+1:]...)
	}
	return nil
}

func (ks *skippedKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	kept := ks.Keys[:0]
	for _, sk := range ks.Keys {
		if sk.SeqNum >= deleteUntilSeqKey {
			kept = append(kept, sk)
		}
	}
	ks.Keys = kept
	return nil
}

func (ks *skippedKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	if len(ks.Keys) <= maxKeys {
		return nil
	}
	sort.Slice(ks.Keys, func(i, j int) bool { return ks.Keys[i].SeqNum > ks.Keys[j].SeqNum })
	ks.Keys = ks.Keys[:maxKeys]
	return nil
}

func (ks *skippedKeys) Count(k doubleratchet.Key) (uint, error) {
	var n uint
	for _, sk := range ks.Keys {
		if bytes.Equal(sk.PubKey, k) {
			n++
		}
	}
	return n, nil
}

func (ks *skippedKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	all := make(map[string]map[uint]doubleratchet.Key)
	for _, sk := range ks.Keys {
		pk := fmt.Sprintf("%x", sk.PubKey)
		if all[pk] == nil {
			all[pk] = make(map[uint]doubleratchet.Key)
		}
		all[pk][sk.MsgNum] = sk.MessageKey
	}
	return all, nil
}
