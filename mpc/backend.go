package mpc

// Backend is the abstract secure computation service behind the typed value
// layer. A backend holds one party's view of every secret value; the
// concrete representation of the []uint64 / []bool lane slices is backend
// defined and opaque to callers, which only move them between Backend
// methods via SecInt and SecBit.
//
// Both parties must issue the exact same sequence of Backend calls: the
// games guarantee this by construction (no data-dependent branching on
// secrets). Input, reveal and lane-reduction calls are synchronization
// points with the peer and may block; all other operations are local.
//
// Any failure of an underlying primitive is fatal to the run.
type Backend interface {
	Role() Party

	// InputInt secret-shares width-bit values owned in the clear by owner.
	// The non-owner passes nil for clear.
	InputInt(owner Party, width int, clear []uint64) ([]uint64, error)
	// InputBit is InputInt at width 1.
	InputBit(owner Party, clear []bool) ([]bool, error)
	// InputXorInt enters values that already arrived XOR-shared: each party
	// contributes its own share lanes.
	InputXorInt(width int, share []uint64) ([]uint64, error)
	// InputXorBit is InputXorInt at width 1.
	InputXorBit(share []bool) ([]bool, error)
	// PublicInt enters public constants known to both parties.
	PublicInt(width int, vals []uint64) []uint64
	// PublicBit enters public constant bits known to both parties.
	PublicBit(vals []bool) []bool

	Add(width int, a, b []uint64) []uint64
	Sub(width int, a, b []uint64) []uint64
	Eq(width int, a, b []uint64) []bool
	Lt(width int, a, b []uint64) []bool
	Le(width int, a, b []uint64) []bool
	And(a, b []bool) []bool
	Or(a, b []bool) []bool
	Xor(a, b []bool) []bool
	Not(a []bool) []bool
	// MuxInt selects lane-wise: cond ? onTrue : onFalse, in one gate layer.
	MuxInt(width int, cond []bool, onFalse, onTrue []uint64) []uint64
	MuxBit(cond, onFalse, onTrue []bool) []bool
	// BitToInt widens bits into width-bit integers.
	BitToInt(width int, v []bool) []uint64
	// LaneSum reduces a batch to a single lane holding the modular sum.
	LaneSum(width int, v []uint64) []uint64

	// OpenIntTo reveals to one party; the other receives zeroes.
	OpenIntTo(to Party, width int, v []uint64) ([]uint64, error)
	OpenBitTo(to Party, v []bool) ([]bool, error)
	// ShareInt extracts this party's XOR share of v, for persisting results
	// in secret-shared form or for handing bits to an ORAM.
	ShareInt(width int, v []uint64) []uint64
	ShareBit(v []bool) []bool
	// ShareIntAdditive extracts this party's additive share of v modulo
	// 2^width, the form an oblivious memory hands back on a secret read.
	ShareIntAdditive(width int, v []uint64) []uint64

	Statistics() SchedulerStatistics
}
