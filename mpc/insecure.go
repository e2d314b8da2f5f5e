package mpc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/openmeasurement/mpcmeasure/mpc/transport"
)

// InsecureEngine is the reference Backend: a cleartext evaluator that is
// faithful to the secure API (share layout, synchronization points, gate
// accounting, reveal visibility, share-extraction masks) but provides no
// cryptographic hiding. It plays the role an insecure scheduler plays in an
// MPC framework's own tests; production runs slot a secure backend behind
// the same interface.
//
// Internally every lane is stored in the clear on both sides, so inputs are
// transmitted to the peer at entry and all gates evaluate locally. Share
// extraction masks values with a ChaCha20 stream both parties derive from a
// seed negotiated at construction, so persisted shares are non-trivial yet
// reconstruct by XOR.
type InsecureEngine struct {
	role  Party
	agent transport.Agent
	mask  *maskStream
	stats SchedulerStatistics
}

const handshakeVersion = 1

// NewInsecureEngine performs the two-party handshake over agent and returns
// the engine. The publisher draws the mask seed and sends it to the
// partner.
func NewInsecureEngine(role Party, agent transport.Agent) (*InsecureEngine, error) {
	e := &InsecureEngine{role: role, agent: agent}
	var seed [maskSeedSize]byte
	if role == Publisher {
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("%w: cannot draw mask seed: %v", ErrBackend, err)
		}
		msg := append([]byte{handshakeVersion}, seed[:]...)
		if err := agent.Send(msg); err != nil {
			return nil, fmt.Errorf("%w: handshake send: %v", ErrBackend, err)
		}
		e.stats.SentBytes += uint64(len(msg))
	} else {
		msg, err := agent.Receive()
		if err != nil {
			return nil, fmt.Errorf("%w: handshake receive: %v", ErrBackend, err)
		}
		if len(msg) != 1+maskSeedSize || msg[0] != handshakeVersion {
			return nil, fmt.Errorf("%w: handshake version mismatch", ErrBackend)
		}
		copy(seed[:], msg[1:])
		e.stats.ReceivedBytes += uint64(len(msg))
	}
	stream, err := newMaskStream(seed)
	if err != nil {
		return nil, err
	}
	e.mask = stream
	return e, nil
}

// Role returns the party this engine computes for.
func (e *InsecureEngine) Role() Party { return e.role }

// Statistics snapshots the accumulated cost counters.
func (e *InsecureEngine) Statistics() SchedulerStatistics { return e.stats }

func widthMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

func encodeLanes(v []uint64) []byte {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.BigEndian.PutUint64(buf[8*i:], x)
	}
	return buf
}

func decodeLanes(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: malformed lane frame of %d bytes", ErrBackend, len(buf))
	}
	v := make([]uint64, len(buf)/8)
	for i := range v {
		v[i] = binary.BigEndian.Uint64(buf[8*i:])
	}
	return v, nil
}

func (e *InsecureEngine) InputInt(owner Party, width int, clear []uint64) ([]uint64, error) {
	m := widthMask(width)
	if e.role == owner {
		v := make([]uint64, len(clear))
		for i, x := range clear {
			v[i] = x & m
		}
		buf := encodeLanes(v)
		if err := e.agent.Send(buf); err != nil {
			return nil, fmt.Errorf("%w: cannot share input: %v", ErrBackend, err)
		}
		e.stats.SentBytes += uint64(len(buf))
		return v, nil
	}
	buf, err := e.agent.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot receive input: %v", ErrBackend, err)
	}
	e.stats.ReceivedBytes += uint64(len(buf))
	return decodeLanes(buf)
}

func (e *InsecureEngine) InputBit(owner Party, clear []bool) ([]bool, error) {
	v, err := e.InputInt(owner, 1, boolsToLanes(clear))
	if err != nil {
		return nil, err
	}
	return lanesToBools(v), nil
}

func (e *InsecureEngine) InputXorInt(width int, share []uint64) ([]uint64, error) {
	m := widthMask(width)
	buf := encodeLanes(share)
	if err := e.agent.Send(buf); err != nil {
		return nil, fmt.Errorf("%w: cannot exchange share: %v", ErrBackend, err)
	}
	e.stats.SentBytes += uint64(len(buf))
	peerBuf, err := e.agent.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot exchange share: %v", ErrBackend, err)
	}
	e.stats.ReceivedBytes += uint64(len(peerBuf))
	peer, err := decodeLanes(peerBuf)
	if err != nil {
		return nil, err
	}
	if len(peer) != len(share) {
		return nil, fmt.Errorf("%w: share length mismatch: mine %d, peer %d",
			ErrProtocolState, len(share), len(peer))
	}
	v := make([]uint64, len(share))
	for i := range v {
		v[i] = (share[i] ^ peer[i]) & m
	}
	return v, nil
}

func (e *InsecureEngine) InputXorBit(share []bool) ([]bool, error) {
	v, err := e.InputXorInt(1, boolsToLanes(share))
	if err != nil {
		return nil, err
	}
	return lanesToBools(v), nil
}

func (e *InsecureEngine) PublicInt(width int, vals []uint64) []uint64 {
	m := widthMask(width)
	v := make([]uint64, len(vals))
	for i, x := range vals {
		v[i] = x & m
	}
	return v
}

func (e *InsecureEngine) PublicBit(vals []bool) []bool {
	v := make([]bool, len(vals))
	copy(v, vals)
	return v
}

func (e *InsecureEngine) Add(width int, a, b []uint64) []uint64 {
	m := widthMask(width)
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]uint64, len(a))
	for i := range a {
		v[i] = (a[i] + b[i]) & m
	}
	return v
}

func (e *InsecureEngine) Sub(width int, a, b []uint64) []uint64 {
	m := widthMask(width)
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]uint64, len(a))
	for i := range a {
		v[i] = (a[i] - b[i]) & m
	}
	return v
}

func (e *InsecureEngine) Eq(width int, a, b []uint64) []bool {
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] == b[i]
	}
	return v
}

func (e *InsecureEngine) Lt(width int, a, b []uint64) []bool {
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] < b[i]
	}
	return v
}

func (e *InsecureEngine) Le(width int, a, b []uint64) []bool {
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] <= b[i]
	}
	return v
}

func (e *InsecureEngine) And(a, b []bool) []bool {
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] && b[i]
	}
	return v
}

func (e *InsecureEngine) Or(a, b []bool) []bool {
	e.stats.NonFreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] || b[i]
	}
	return v
}

func (e *InsecureEngine) Xor(a, b []bool) []bool {
	e.stats.FreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = a[i] != b[i]
	}
	return v
}

func (e *InsecureEngine) Not(a []bool) []bool {
	e.stats.FreeGates += uint64(len(a))
	v := make([]bool, len(a))
	for i := range a {
		v[i] = !a[i]
	}
	return v
}

func (e *InsecureEngine) MuxInt(width int, cond []bool, onFalse, onTrue []uint64) []uint64 {
	e.stats.NonFreeGates += uint64(len(cond))
	v := make([]uint64, len(cond))
	for i := range cond {
		if cond[i] {
			v[i] = onTrue[i]
		} else {
			v[i] = onFalse[i]
		}
	}
	return v
}

func (e *InsecureEngine) MuxBit(cond, onFalse, onTrue []bool) []bool {
	e.stats.NonFreeGates += uint64(len(cond))
	v := make([]bool, len(cond))
	for i := range cond {
		if cond[i] {
			v[i] = onTrue[i]
		} else {
			v[i] = onFalse[i]
		}
	}
	return v
}

func (e *InsecureEngine) BitToInt(width int, a []bool) []uint64 {
	e.stats.FreeGates += uint64(len(a))
	return boolsToLanes(a)
}

func (e *InsecureEngine) LaneSum(width int, v []uint64) []uint64 {
	m := widthMask(width)
	if len(v) > 1 {
		e.stats.NonFreeGates += uint64(len(v) - 1)
	}
	var sum uint64
	for _, x := range v {
		sum = (sum + x) & m
	}
	return []uint64{sum}
}

func (e *InsecureEngine) OpenIntTo(to Party, width int, v []uint64) ([]uint64, error) {
	if e.role == to {
		e.stats.ReceivedBytes += uint64(8 * len(v))
		out := make([]uint64, len(v))
		copy(out, v)
		return out, nil
	}
	e.stats.SentBytes += uint64(8 * len(v))
	return make([]uint64, len(v)), nil
}

func (e *InsecureEngine) OpenBitTo(to Party, v []bool) ([]bool, error) {
	lanes, err := e.OpenIntTo(to, 1, boolsToLanes(v))
	if err != nil {
		return nil, err
	}
	return lanesToBools(lanes), nil
}

func (e *InsecureEngine) ShareInt(width int, v []uint64) []uint64 {
	m := widthMask(width)
	r := e.mask.drawLanes(len(v), m)
	out := make([]uint64, len(v))
	for i := range v {
		if e.role == Publisher {
			out[i] = (v[i] ^ r[i]) & m
		} else {
			out[i] = r[i]
		}
	}
	return out
}

func (e *InsecureEngine) ShareIntAdditive(width int, v []uint64) []uint64 {
	m := widthMask(width)
	r := e.mask.drawLanes(len(v), m)
	out := make([]uint64, len(v))
	for i := range v {
		if e.role == Publisher {
			out[i] = (v[i] - r[i]) & m
		} else {
			out[i] = r[i]
		}
	}
	return out
}

func (e *InsecureEngine) ShareBit(v []bool) []bool {
	return lanesToBools(e.ShareInt(1, boolsToLanes(v)))
}

func boolsToLanes(v []bool) []uint64 {
	out := make([]uint64, len(v))
	for i, b := range v {
		if b {
			out[i] = 1
		}
	}
	return out
}

func lanesToBools(v []uint64) []bool {
	out := make([]bool, len(v))
	for i, x := range v {
		out[i] = x&1 == 1
	}
	return out
}
