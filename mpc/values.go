package mpc

// Supported integer widths of the typed layer.
const (
	WidthBit       = 1
	WidthAdID      = 16
	WidthTimestamp = 32
	WidthValue     = 32
	WidthMetric    = 64
	WidthID        = 64
)

// SecBit is a secret-shared bit, scalar or batched. The zero value is not
// usable; construct through a Backend.
type SecBit struct {
	b Backend
	v []bool
}

// SecInt is a secret-shared unsigned integer of a fixed width, scalar or
// batched. Arithmetic is modular at the width.
type SecInt struct {
	b     Backend
	width int
	v     []uint64
}

// NewSecBit secret-shares bits owned by owner. The non-owner passes nil.
func NewSecBit(b Backend, owner Party, clear []bool) (SecBit, error) {
	v, err := b.InputBit(owner, clear)
	if err != nil {
		return SecBit{}, err
	}
	return SecBit{b: b, v: v}, nil
}

// NewSecBitFromShares enters bits that already arrived XOR-shared.
func NewSecBitFromShares(b Backend, share []bool) (SecBit, error) {
	v, err := b.InputXorBit(share)
	if err != nil {
		return SecBit{}, err
	}
	return SecBit{b: b, v: v}, nil
}

// NewPublicBit enters public constant bits.
func NewPublicBit(b Backend, vals []bool) SecBit {
	return SecBit{b: b, v: b.PublicBit(vals)}
}

// NewSecInt secret-shares width-bit values owned by owner.
func NewSecInt(b Backend, owner Party, width int, clear []uint64) (SecInt, error) {
	v, err := b.InputInt(owner, width, clear)
	if err != nil {
		return SecInt{}, err
	}
	return SecInt{b: b, width: width, v: v}, nil
}

// NewSecIntFromShares enters width-bit values that already arrived
// XOR-shared.
func NewSecIntFromShares(b Backend, width int, share []uint64) (SecInt, error) {
	v, err := b.InputXorInt(width, share)
	if err != nil {
		return SecInt{}, err
	}
	return SecInt{b: b, width: width, v: v}, nil
}

// NewPublicInt enters public width-bit constants.
func NewPublicInt(b Backend, width int, vals []uint64) SecInt {
	return SecInt{b: b, width: width, v: b.PublicInt(width, vals)}
}

// Lanes returns the batch size.
func (x SecBit) Lanes() int { return len(x.v) }

// Lanes returns the batch size.
func (x SecInt) Lanes() int { return len(x.v) }

// Width returns the integer width in bits.
func (x SecInt) Width() int { return x.width }

func (x SecBit) And(y SecBit) SecBit { return SecBit{b: x.b, v: x.b.And(x.v, y.v)} }
func (x SecBit) Or(y SecBit) SecBit  { return SecBit{b: x.b, v: x.b.Or(x.v, y.v)} }
func (x SecBit) Xor(y SecBit) SecBit { return SecBit{b: x.b, v: x.b.Xor(x.v, y.v)} }
func (x SecBit) Not() SecBit         { return SecBit{b: x.b, v: x.b.Not(x.v)} }

// Mux returns cond ? y : x, lane-wise.
func (x SecBit) Mux(cond SecBit, y SecBit) SecBit {
	return SecBit{b: x.b, v: x.b.MuxBit(cond.v, x.v, y.v)}
}

// ToInt widens the bit into a width-bit integer (0 or 1 per lane).
func (x SecBit) ToInt(width int) SecInt {
	return SecInt{b: x.b, width: width, v: x.b.BitToInt(width, x.v)}
}

// OpenTo reveals the bits to party p; the other party receives false lanes.
func (x SecBit) OpenTo(p Party) ([]bool, error) {
	return x.b.OpenBitTo(p, x.v)
}

// ExtractShares returns this party's XOR share of the bits.
func (x SecBit) ExtractShares() []bool {
	return x.b.ShareBit(x.v)
}

func (x SecInt) Add(y SecInt) SecInt {
	return SecInt{b: x.b, width: x.width, v: x.b.Add(x.width, x.v, y.v)}
}

func (x SecInt) Sub(y SecInt) SecInt {
	return SecInt{b: x.b, width: x.width, v: x.b.Sub(x.width, x.v, y.v)}
}

func (x SecInt) Eq(y SecInt) SecBit { return SecBit{b: x.b, v: x.b.Eq(x.width, x.v, y.v)} }
func (x SecInt) Lt(y SecInt) SecBit { return SecBit{b: x.b, v: x.b.Lt(x.width, x.v, y.v)} }
func (x SecInt) Le(y SecInt) SecBit { return SecBit{b: x.b, v: x.b.Le(x.width, x.v, y.v)} }

// Mux returns cond ? y : x, lane-wise, in one gate layer.
func (x SecInt) Mux(cond SecBit, y SecInt) SecInt {
	return SecInt{b: x.b, width: x.width, v: x.b.MuxInt(x.width, cond.v, x.v, y.v)}
}

// LaneSum reduces the batch to a single-lane value holding the modular sum
// of all lanes.
func (x SecInt) LaneSum() SecInt {
	return SecInt{b: x.b, width: x.width, v: x.b.LaneSum(x.width, x.v)}
}

// OpenTo reveals the values to party p; the other party receives zeroes.
func (x SecInt) OpenTo(p Party) ([]uint64, error) {
	return x.b.OpenIntTo(p, x.width, x.v)
}

// ExtractShares returns this party's XOR share of the values.
func (x SecInt) ExtractShares() []uint64 {
	return x.b.ShareInt(x.width, x.v)
}

// ExtractSharesAdditive returns this party's additive share of the values
// modulo 2^width.
func (x SecInt) ExtractSharesAdditive() []uint64 {
	return x.b.ShareIntAdditive(x.width, x.v)
}
