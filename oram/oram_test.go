package oram

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
)

func runBoth[T any](t *testing.T, run func(e *mpc.InsecureEngine) T) (pub, par T) {
	t.Helper()
	agentA, agentB := transport.NewPair()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e, err := mpc.NewInsecureEngine(mpc.Publisher, agentA)
		require.NoError(t, err)
		pub = run(e)
	}()
	go func() {
		defer wg.Done()
		e, err := mpc.NewInsecureEngine(mpc.Partner, agentB)
		require.NoError(t, err)
		par = run(e)
	}()
	wg.Wait()
	return pub, par
}

// shareMatrix transposes secret values into the ORAM's bit-row layout.
func shareMatrix(x mpc.SecInt, width int) [][]bool {
	shares := x.ExtractShares()
	rows := make([][]bool, width)
	for k := range rows {
		rows[k] = make([]bool, len(shares))
		for i, s := range shares {
			rows[k][i] = (s>>uint(k))&1 == 1
		}
	}
	return rows
}

func TestObliviousAddBatchSumsPerBucket(t *testing.T) {
	pub, _ := runBoth(t, func(e *mpc.InsecureEngine) []AggregationValue {
		factory := NewLinearFactory(e)
		ram, err := factory.Create(3)
		require.NoError(t, err)
		require.Equal(t, 2, ram.IndexWidth())

		// Writes: bucket 1 += (1, 5), bucket 2 += (1, 7), bucket 1 += (1, 3),
		// bucket 0 += (0, 0) for an unattributed row.
		indices := mpc.NewPublicInt(e, 2, []uint64{1, 2, 1, 0})
		sales := mpc.NewPublicInt(e, SalesWidth, []uint64{1, 1, 1, 0})
		values := mpc.NewPublicInt(e, ConvWidth, []uint64{5, 7, 3, 0})

		valueShares := append(shareMatrix(sales, SalesWidth), shareMatrix(values, ConvWidth)...)
		require.NoError(t, ram.ObliviousAddBatch(shareMatrix(indices, 2), valueShares))

		out := make([]AggregationValue, 3)
		for i := range out {
			v, err := ram.PublicRead(i, mpc.Publisher)
			require.NoError(t, err)
			out[i] = v
		}
		return out
	})

	require.Equal(t, AggregationValue{ConversionCount: 0, ConversionValue: 0}, pub[0])
	require.Equal(t, AggregationValue{ConversionCount: 2, ConversionValue: 8}, pub[1])
	require.Equal(t, AggregationValue{ConversionCount: 1, ConversionValue: 7}, pub[2])
}

func TestRepeatedBatchesAccumulate(t *testing.T) {
	pub, _ := runBoth(t, func(e *mpc.InsecureEngine) AggregationValue {
		ram, err := NewLinearFactory(e).Create(2)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			indices := mpc.NewPublicInt(e, 1, []uint64{1})
			sales := mpc.NewPublicInt(e, SalesWidth, []uint64{1})
			values := mpc.NewPublicInt(e, ConvWidth, []uint64{10})
			valueShares := append(shareMatrix(sales, SalesWidth), shareMatrix(values, ConvWidth)...)
			require.NoError(t, ram.ObliviousAddBatch(shareMatrix(indices, 1), valueShares))
		}
		v, err := ram.PublicRead(1, mpc.Publisher)
		require.NoError(t, err)
		return v
	})
	require.Equal(t, AggregationValue{ConversionCount: 3, ConversionValue: 30}, pub)
}

func TestSecretReadSharesReconstruct(t *testing.T) {
	pubShare, parShare := runBoth(t, func(e *mpc.InsecureEngine) AggregationValue {
		ram, err := NewLinearFactory(e).Create(2)
		require.NoError(t, err)

		indices := mpc.NewPublicInt(e, 1, []uint64{1})
		sales := mpc.NewPublicInt(e, SalesWidth, []uint64{1})
		values := mpc.NewPublicInt(e, ConvWidth, []uint64{9})
		valueShares := append(shareMatrix(sales, SalesWidth), shareMatrix(values, ConvWidth)...)
		require.NoError(t, ram.ObliviousAddBatch(shareMatrix(indices, 1), valueShares))

		v, err := ram.SecretRead(1)
		require.NoError(t, err)
		return v
	})
	require.Equal(t, uint32(1), pubShare.ConversionCount+parShare.ConversionCount)
	require.Equal(t, uint32(9), pubShare.ConversionValue+parShare.ConversionValue)
}

func TestPublicReadVisibility(t *testing.T) {
	_, par := runBoth(t, func(e *mpc.InsecureEngine) AggregationValue {
		ram, err := NewLinearFactory(e).Create(2)
		require.NoError(t, err)

		indices := mpc.NewPublicInt(e, 1, []uint64{1})
		sales := mpc.NewPublicInt(e, SalesWidth, []uint64{1})
		values := mpc.NewPublicInt(e, ConvWidth, []uint64{9})
		valueShares := append(shareMatrix(sales, SalesWidth), shareMatrix(values, ConvWidth)...)
		require.NoError(t, ram.ObliviousAddBatch(shareMatrix(indices, 1), valueShares))

		v, err := ram.PublicRead(1, mpc.Publisher)
		require.NoError(t, err)
		return v
	})
	// The partner is not the read target and sees zeroes.
	require.Equal(t, AggregationValue{}, par)
}

func TestCreateRejectsZeroSize(t *testing.T) {
	runBoth(t, func(e *mpc.InsecureEngine) struct{} {
		_, err := NewLinearFactory(e).Create(0)
		require.ErrorIs(t, err, mpc.ErrBackend)
		return struct{}{}
	})
}

func TestMaxBatchSizeScalesWithConcurrency(t *testing.T) {
	f := NewLinearFactory(nil)
	require.Equal(t, 4096, f.MaxBatchSize(10, 1))
	require.Equal(t, 256, f.MaxBatchSize(10, 16))
	require.GreaterOrEqual(t, f.MaxBatchSize(10, 100000), 1)
}
