package aggregation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
	"github.com/openmeasurement/mpcmeasure/oram"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

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

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// attributionShares builds a valid XOR split of the default-format bits:
// the publisher's file holds the cleartext bits, the partner's all-false.
func attributionShares(t *testing.T, bits map[string][]bool, zeroed bool) []byte {
	t.Helper()
	perUser := map[string][]map[string]bool{}
	for uid, userBits := range bits {
		for _, b := range userBits {
			perUser[uid] = append(perUser[uid], map[string]bool{"is_attributed": b && !zeroed})
		}
	}
	buf, err := json.Marshal(map[string]any{
		"last_click_1d": map[string]any{"default": perUser},
	})
	require.NoError(t, err)
	return buf
}

func TestMeasurementAggregation(t *testing.T) {
	dir := t.TempDir()

	pubCSV := "id,timestamps,is_click,ad_ids\n" +
		"0,[100,150],[1,1],[17,42]\n" +
		"1,[100],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n" +
		"0,[200,300],[5,7]\n" +
		"1,[200],[3]\n"

	// Pairs are (conversion, touchpoint), oldest first: user 0's first
	// conversion is credited to ad 17, the second to nobody; user 1's
	// conversion is credited to ad 17.
	bits := map[string][]bool{
		"0": {true, false, false, false},
		"1": {true, false, false, false},
	}

	pubMeta := writeFile(t, dir, "pub_meta.csv", []byte(pubCSV))
	parMeta := writeFile(t, dir, "par_meta.csv", []byte(parCSV))
	pubShares := writeFile(t, dir, "pub_shares.json", attributionShares(t, bits, false))
	parShares := writeFile(t, dir, "par_shares.json", attributionShares(t, bits, true))

	pub, _ := runBoth(t, func(e *mpc.InsecureEngine) OutputMetrics {
		meta, shares, formats := parMeta, parShares, ""
		if e.Role() == mpc.Publisher {
			meta, shares, formats = pubMeta, pubShares, Measurement
		}
		in, err := ReadInput(meta, shares, formats, 2, 2, mpc.Plaintext, false, testLogger())
		require.NoError(t, err)

		game := NewGame(e, mpc.Plaintext, mpc.PublisherOnly, false, false, 1,
			oram.NewLinearFactory(e), testLogger())
		out, err := game.ComputeAggregations(in)
		require.NoError(t, err)
		return out
	})

	measurement := pub["last_click_1d"][Measurement]
	require.Equal(t, ConvMetrics{Convs: 2, Sales: 8}, measurement["17"])
	// Ad 42 was seen but never credited; it is present with zero totals.
	require.Equal(t, ConvMetrics{Convs: 0, Sales: 0}, measurement["42"])
	require.Len(t, measurement, 2)
}

func TestAggregationSecretReadPath(t *testing.T) {
	dir := t.TempDir()

	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[200],[5]\n"
	bits := map[string][]bool{"0": {true}}

	pubMeta := writeFile(t, dir, "pub_meta.csv", []byte(pubCSV))
	parMeta := writeFile(t, dir, "par_meta.csv", []byte(parCSV))
	pubShares := writeFile(t, dir, "pub_shares.json", attributionShares(t, bits, false))
	parShares := writeFile(t, dir, "par_shares.json", attributionShares(t, bits, true))

	pub, par := runBoth(t, func(e *mpc.InsecureEngine) OutputMetrics {
		meta, shares, formats := parMeta, parShares, ""
		if e.Role() == mpc.Publisher {
			meta, shares, formats = pubMeta, pubShares, Measurement
		}
		in, err := ReadInput(meta, shares, formats, 1, 1, mpc.Plaintext, false, testLogger())
		require.NoError(t, err)

		game := NewGame(e, mpc.Plaintext, mpc.Public, false, false, 1,
			oram.NewLinearFactory(e), testLogger())
		out, err := game.ComputeAggregations(in)
		require.NoError(t, err)
		return out
	})

	want := ConvMetrics{Convs: 1, Sales: 5}
	require.Equal(t, want, pub["last_click_1d"][Measurement]["17"])
	require.Equal(t, want, par["last_click_1d"][Measurement]["17"])
}

func TestConversionCountConservation(t *testing.T) {
	dir := t.TempDir()

	pubCSV := "id,timestamps,is_click,ad_ids\n" +
		"0,[100,150],[1,1],[17,42]\n" +
		"1,[120],[1],[42]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n" +
		"0,[200,300],[1,1]\n" +
		"1,[200,250],[1,1]\n"

	// Four attributed conversions across both users.
	bits := map[string][]bool{
		"0": {true, false, false, true},
		"1": {true, false, true, false},
	}

	pubMeta := writeFile(t, dir, "pub_meta.csv", []byte(pubCSV))
	parMeta := writeFile(t, dir, "par_meta.csv", []byte(parCSV))
	pubShares := writeFile(t, dir, "pub_shares.json", attributionShares(t, bits, false))
	parShares := writeFile(t, dir, "par_shares.json", attributionShares(t, bits, true))

	pub, _ := runBoth(t, func(e *mpc.InsecureEngine) OutputMetrics {
		meta, shares, formats := parMeta, parShares, ""
		if e.Role() == mpc.Publisher {
			meta, shares, formats = pubMeta, pubShares, Measurement
		}
		in, err := ReadInput(meta, shares, formats, 2, 2, mpc.Plaintext, false, testLogger())
		require.NoError(t, err)

		game := NewGame(e, mpc.Plaintext, mpc.PublisherOnly, false, false, 1,
			oram.NewLinearFactory(e), testLogger())
		out, err := game.ComputeAggregations(in)
		require.NoError(t, err)
		return out
	})

	var totalConvs uint32
	for _, m := range pub["last_click_1d"][Measurement] {
		totalConvs += m.Convs
	}
	require.Equal(t, uint32(4), totalConvs)
}

func TestSingleAdIDCompressesToOne(t *testing.T) {
	dir := t.TempDir()

	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[200],[5]\n"
	bits := map[string][]bool{"0": {true}}

	pubMeta := writeFile(t, dir, "pub_meta.csv", []byte(pubCSV))
	parMeta := writeFile(t, dir, "par_meta.csv", []byte(parCSV))
	pubShares := writeFile(t, dir, "pub_shares.json", attributionShares(t, bits, false))
	parShares := writeFile(t, dir, "par_shares.json", attributionShares(t, bits, true))

	pub, _ := runBoth(t, func(e *mpc.InsecureEngine) OutputMetrics {
		meta, shares, formats := parMeta, parShares, ""
		if e.Role() == mpc.Publisher {
			meta, shares, formats = pubMeta, pubShares, Measurement
		}
		in, err := ReadInput(meta, shares, formats, 1, 1, mpc.Plaintext, false, testLogger())
		require.NoError(t, err)

		game := NewGame(e, mpc.Plaintext, mpc.PublisherOnly, false, false, 1,
			oram.NewLinearFactory(e), testLogger())
		out, err := game.ComputeAggregations(in)
		require.NoError(t, err)
		return out
	})
	require.Len(t, pub["last_click_1d"][Measurement], 1)
	require.Equal(t, ConvMetrics{Convs: 1, Sales: 5}, pub["last_click_1d"][Measurement]["17"])
}

func TestUnknownAggregatorIsFatal(t *testing.T) {
	_, err := formatFromName("histogram")
	require.ErrorIs(t, err, mpc.ErrPolicy)
}
