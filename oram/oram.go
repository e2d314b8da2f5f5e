// Package oram defines the write-only oblivious memory consumed by the
// aggregation game: batched additive writes addressed by secret indices,
// with an access pattern independent of the indices written. The linear
// implementation provided here touches every bucket for every write, which
// is trivially oblivious and the preferred shape for small ad-id universes;
// tree-based implementations slot in behind the same factory.
package oram

import (
	"fmt"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Value widths of one aggregation bucket: a conversion count and a
// conversion value sum.
const (
	SalesWidth = 32
	ConvWidth  = 32
	ValueWidth = SalesWidth + ConvWidth
)

// AggregationValue is one bucket's content, or one party's additive share
// of it.
type AggregationValue struct {
	ConversionCount uint32
	ConversionValue uint32
}

// WriteOnlyORAM supports batched oblivious addition into buckets and two
// read modes at the end of the game.
type WriteOnlyORAM interface {
	// ObliviousAddBatch adds a batch of (index, value) writes. Both inputs
	// are this party's XOR-share bits in transposed layout: indexShares has
	// IndexWidth rows, valueShares has ValueWidth rows (sales bits then
	// conversion-value bits, LSB first), each row one column per write.
	ObliviousAddBatch(indexShares [][]bool, valueShares [][]bool) error
	// PublicRead reveals bucket index to one party; the other receives
	// zeroes.
	PublicRead(index int, to mpc.Party) (AggregationValue, error)
	// SecretRead returns this party's additive share of bucket index.
	SecretRead(index int) (AggregationValue, error)
	Size() int
	IndexWidth() int
}

// Factory builds ORAM instances and declares their batching limit.
type Factory interface {
	Create(size int) (WriteOnlyORAM, error)
	MaxBatchSize(size, concurrency int) int
}

func indexWidthFor(size int) int {
	w := 1
	for (1 << uint(w)) < size {
		w++
	}
	return w
}

type linearFactory struct {
	backend mpc.Backend
}

// NewLinearFactory returns a Factory producing linear write-only ORAMs over
// the given backend.
func NewLinearFactory(b mpc.Backend) Factory {
	return &linearFactory{backend: b}
}

func (f *linearFactory) Create(size int) (WriteOnlyORAM, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: ORAM size must be greater than zero", mpc.ErrBackend)
	}
	o := &linearORAM{
		backend:    f.backend,
		size:       size,
		indexWidth: indexWidthFor(size),
	}
	zero := mpc.NewPublicInt(f.backend, SalesWidth, []uint64{0})
	o.convs = make([]mpc.SecInt, size)
	o.values = make([]mpc.SecInt, size)
	for i := range o.convs {
		o.convs[i] = zero
		o.values[i] = zero
	}
	return o, nil
}

func (f *linearFactory) MaxBatchSize(size, concurrency int) int {
	if concurrency < 1 {
		concurrency = 1
	}
	batch := 4096 / concurrency
	if batch < 1 {
		batch = 1
	}
	return batch
}

type linearORAM struct {
	backend    mpc.Backend
	size       int
	indexWidth int
	convs      []mpc.SecInt
	values     []mpc.SecInt
}

func (o *linearORAM) Size() int       { return o.size }
func (o *linearORAM) IndexWidth() int { return o.indexWidth }

// composeFromBitRows rebuilds a width-bit secret integer batch from
// transposed share rows (LSB first) by muxing each bit against its power of
// two and summing.
func composeFromBitRows(b mpc.Backend, width int, rows [][]bool) (mpc.SecInt, error) {
	if len(rows) == 0 {
		return mpc.SecInt{}, fmt.Errorf("%w: empty share matrix", mpc.ErrBackend)
	}
	batch := len(rows[0])
	acc := mpc.NewPublicInt(b, width, make([]uint64, batch))
	zero := mpc.NewPublicInt(b, width, make([]uint64, batch))
	for k, row := range rows {
		if len(row) != batch {
			return mpc.SecInt{}, fmt.Errorf("%w: ragged share matrix", mpc.ErrBackend)
		}
		bit, err := mpc.NewSecBitFromShares(b, row)
		if err != nil {
			return mpc.SecInt{}, err
		}
		power := make([]uint64, batch)
		for i := range power {
			power[i] = 1 << uint(k)
		}
		acc = acc.Add(zero.Mux(bit, mpc.NewPublicInt(b, width, power)))
	}
	return acc, nil
}

func (o *linearORAM) ObliviousAddBatch(indexShares [][]bool, valueShares [][]bool) error {
	if len(indexShares) != o.indexWidth {
		return fmt.Errorf("%w: ORAM got %d index rows, want %d", mpc.ErrBackend, len(indexShares), o.indexWidth)
	}
	if len(valueShares) != ValueWidth {
		return fmt.Errorf("%w: ORAM got %d value rows, want %d", mpc.ErrBackend, len(valueShares), ValueWidth)
	}

	index, err := composeFromBitRows(o.backend, o.indexWidth, indexShares)
	if err != nil {
		return err
	}
	sales, err := composeFromBitRows(o.backend, SalesWidth, valueShares[:SalesWidth])
	if err != nil {
		return err
	}
	conv, err := composeFromBitRows(o.backend, ConvWidth, valueShares[SalesWidth:])
	if err != nil {
		return err
	}

	batch := index.Lanes()
	zero := mpc.NewPublicInt(o.backend, SalesWidth, make([]uint64, batch))
	for j := 0; j < o.size; j++ {
		slot := make([]uint64, batch)
		for i := range slot {
			slot[i] = uint64(j)
		}
		matches := index.Eq(mpc.NewPublicInt(o.backend, o.indexWidth, slot))
		o.convs[j] = o.convs[j].Add(zero.Mux(matches, sales).LaneSum())
		o.values[j] = o.values[j].Add(zero.Mux(matches, conv).LaneSum())
	}
	return nil
}

func (o *linearORAM) PublicRead(index int, to mpc.Party) (AggregationValue, error) {
	if index < 0 || index >= o.size {
		return AggregationValue{}, fmt.Errorf("%w: ORAM read index %d out of range", mpc.ErrBackend, index)
	}
	convs, err := o.convs[index].OpenTo(to)
	if err != nil {
		return AggregationValue{}, err
	}
	values, err := o.values[index].OpenTo(to)
	if err != nil {
		return AggregationValue{}, err
	}
	return AggregationValue{
		ConversionCount: uint32(convs[0]),
		ConversionValue: uint32(values[0]),
	}, nil
}

func (o *linearORAM) SecretRead(index int) (AggregationValue, error) {
	if index < 0 || index >= o.size {
		return AggregationValue{}, fmt.Errorf("%w: ORAM read index %d out of range", mpc.ErrBackend, index)
	}
	convs := o.convs[index].ExtractSharesAdditive()
	values := o.values[index].ExtractSharesAdditive()
	return AggregationValue{
		ConversionCount: uint32(convs[0]),
		ConversionValue: uint32(values[0]),
	}, nil
}
