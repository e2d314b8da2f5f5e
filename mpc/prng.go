package mpc

import (
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
)

const maskSeedSize = 32

// maskStream is the shared pseudo-random stream both parties derive from
// the negotiated seed. It backs share extraction: the publisher's share is
// value XOR r and the partner's share is r, with r drawn here, so both
// sides stay aligned as long as they issue the same call sequence.
type maskStream struct {
	cipher *chacha20.Cipher
}

func newMaskStream(seed [maskSeedSize]byte) (*maskStream, error) {
	var material [chacha20.KeySize + chacha20.NonceSize]byte
	blake3.DeriveKey("mpcmeasure v1 share mask", seed[:], material[:])
	cipher, err := chacha20.NewUnauthenticatedCipher(
		material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("%w: cannot derive mask stream: %v", ErrBackend, err)
	}
	return &maskStream{cipher: cipher}, nil
}

func (s *maskStream) drawLanes(n int, mask uint64) []uint64 {
	buf := make([]byte, 8*n)
	s.cipher.XORKeyStream(buf, buf)
	out := make([]uint64, n)
	for i := range out {
		var x uint64
		for j := 0; j < 8; j++ {
			x = x<<8 | uint64(buf[8*i+j])
		}
		out[i] = x & mask
	}
	return out
}
