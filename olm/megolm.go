package olm

import (
	"crypto/hmac"
	"crypto/sha256"
)

const (
	megolmParts       = 4
	megolmPartLength  = 32
	megolmRatchetSize = megolmParts * megolmPartLength
)

// megolmRatchet is the four part hash ratchet shared by every group session. Part i is
// rehashed every 2^(8*(3-i)) steps, so seeking to any index costs at most 4*255 hashes.
type megolmRatchet struct {
	Data    [megolmParts][megolmPartLength]byte `cbor:"1,keyasint"`
	Counter uint32                              `cbor:"2,keyasint"`
}

func newMegolmRatchet(data []byte, counter uint32) *megolmRatchet {
	r := &megolmRatchet{Counter: counter}
	for i := 0; i < megolmParts; i++ {
		copy(r.Data[i][:], data[i*megolmPartLength:(i+1)*megolmPartLength])
	}
	return r
}

func (r *megolmRatchet) bytes() []byte {
	out := make([]byte, 0, megolmRatchetSize)
	for i := 0; i < megolmParts; i++ {
		out = append(out, r.Data[i][:]...)
	}
	return out
}

func (r *megolmRatchet) clone() *megolmRatchet {
	c := *r
	return &c
}

func (r *megolmRatchet) rehash(from, to int) {
	mac := hmac.New(sha256.New, r.Data[from][:])
	mac.Write([]byte{byte(to)})
	copy(r.Data[to][:], mac.Sum(nil))
}

func (r *megolmRatchet) advance() {
	mask := uint32(0x00FFFFFF)
	h := 0
	r.Counter++

	// how many parts need rekeying
	for h < megolmParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	for i := megolmParts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

func (r *megolmRatchet) advanceTo(to uint32) {
	for j := 0; j < megolmParts; j++ {
		shift := uint((megolmParts - j - 1) * 8)
		mask := ^uint32(0) << shift
		steps := ((to >> shift) - (r.Counter >> shift)) & 0xff

		if steps == 0 {
			if to < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}

		// only the last step needs to touch the lower parts
		for ; steps > 1; steps-- {
			r.rehash(j, j)
		}
		for k := megolmParts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.Counter = to & mask
	}
}
