package shardcombiner

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
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func writeShard(t *testing.T, dir, name string, payload any) string {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func liftShard(testConverters, controlConverters, testValue int64) map[string]any {
	metrics := map[string]any{
		"testPopulation":    int64(1000),
		"controlPopulation": int64(1000),
		"testConverters":    testConverters,
		"controlConverters": controlConverters,
		"testValue":         testValue,
	}
	return map[string]any{
		"metrics":             metrics,
		"cohortMetrics":       []any{},
		"publisherBreakdowns": []any{},
	}
}

// zeroLiftShard is the all-zero partner half of a cleartext XOR split.
func zeroLiftShard() map[string]any {
	shard := liftShard(0, 0, 0)
	metrics := shard["metrics"].(map[string]any)
	metrics["testPopulation"] = int64(0)
	metrics["controlPopulation"] = int64(0)
	return shard
}

func plaintextGame(schema ShardSchemaType, threshold int64) *Game {
	return NewGame(nil, schema, threshold, mpc.Public, false, testLogger())
}

func TestCombineDisjointAdObjectShards(t *testing.T) {
	dir := t.TempDir()
	a := writeShard(t, dir, "shard_0", map[string]any{
		"last_click_1d": map[string]any{
			"measurement": map[string]any{"1001": map[string]any{"convs": 3, "sales": 30}},
		},
	})
	b := writeShard(t, dir, "shard_1", map[string]any{
		"last_click_1d": map[string]any{
			"measurement": map[string]any{"1002": map[string]any{"convs": 5, "sales": 50}},
		},
	})

	game := plaintextGame(AdObjectFormat, DefaultAnonymityThreshold)
	shards, err := game.ReadShards([]string{a, b})
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)

	measurement := result.At("last_click_1d").At("measurement")
	require.Equal(t, int64(3), measurement.At("1001").At("convs").Value())
	require.Equal(t, int64(30), measurement.At("1001").At("sales").Value())
	require.Equal(t, int64(5), measurement.At("1002").At("convs").Value())
	require.Equal(t, int64(50), measurement.At("1002").At("sales").Value())
}

func TestCombineOverlappingAdIDsSums(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeShard(t, dir, "shard_0", map[string]any{
			"r": map[string]any{"measurement": map[string]any{"7": map[string]any{"convs": 1, "sales": 10}}},
		}),
		writeShard(t, dir, "shard_1", map[string]any{
			"r": map[string]any{"measurement": map[string]any{"7": map[string]any{"convs": 2, "sales": 20}}},
		}),
		writeShard(t, dir, "shard_2", map[string]any{
			"r": map[string]any{"measurement": map[string]any{"7": map[string]any{"convs": 3, "sales": 30}}},
		}),
	}

	game := plaintextGame(AdObjectFormat, DefaultAnonymityThreshold)
	shards, err := game.ReadShards(paths)
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)

	entry := result.At("r").At("measurement").At("7")
	require.Equal(t, int64(6), entry.At("convs").Value())
	require.Equal(t, int64(60), entry.At("sales").Value())
}

func TestCombineSingleShardIsIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeShard(t, dir, "shard_0", liftShard(80, 30, 999))

	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	shards, err := game.ReadShards([]string{path})
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)

	// 80 + 30 >= 100, so the value survives the gate untouched.
	require.Equal(t, int64(999), result.At("metrics").At("testValue").Value())
	require.Equal(t, int64(80), result.At("metrics").At("testConverters").Value())
}

func TestThresholdGateMasksSmallCohorts(t *testing.T) {
	dir := t.TempDir()
	path := writeShard(t, dir, "shard_0", liftShard(40, 55, 999))

	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	shards, err := game.ReadShards([]string{path})
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)

	metrics := result.At("metrics")
	// 40 + 55 < 100: everything but the populations becomes the sentinel.
	require.Equal(t, int64(HiddenMetricSentinel), metrics.At("testValue").Value())
	require.Equal(t, int64(HiddenMetricSentinel), metrics.At("testConverters").Value())
	require.Equal(t, int64(1000), metrics.At("testPopulation").Value())
	require.Equal(t, int64(1000), metrics.At("controlPopulation").Value())
}

func TestThresholdGateKeepsLargeCohorts(t *testing.T) {
	dir := t.TempDir()
	path := writeShard(t, dir, "shard_0", liftShard(40, 60, 999))

	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	shards, err := game.ReadShards([]string{path})
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)
	require.Equal(t, int64(999), result.At("metrics").At("testValue").Value())
}

func TestThresholdGateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeShard(t, dir, "shard_0", liftShard(40, 55, 999))

	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	shards, err := game.ReadShards([]string{path})
	require.NoError(t, err)
	result, err := game.Play(shards)
	require.NoError(t, err)

	// Re-applying the gate to an already gated tree changes nothing.
	gate := newThresholdGate(nil, GroupedLiftMetricsFormat, 100, HiddenMetricSentinel, false)
	require.NoError(t, gate.apply(result))
	require.Equal(t, int64(HiddenMetricSentinel), result.At("metrics").At("testValue").Value())
	require.Equal(t, int64(1000), result.At("metrics").At("testPopulation").Value())
}

func TestReductionIsAssociative(t *testing.T) {
	build := func(dir string, convs []int64) []*Metric {
		var shards []*Metric
		for i, c := range convs {
			path := writeShard(t, dir, "shard_"+string(rune('a'+i)), map[string]any{
				"r": map[string]any{"measurement": map[string]any{"7": map[string]any{"convs": c, "sales": c * 10}}},
			})
			shard, err := FromJSON(path)
			require.NoError(t, err)
			shards = append(shards, shard)
		}
		return shards
	}

	game := plaintextGame(AdObjectFormat, DefaultAnonymityThreshold)

	left, err := game.Play(build(t.TempDir(), []int64{1, 2, 3, 4, 5}))
	require.NoError(t, err)

	// Combine a prefix and a suffix separately, then combine the partials.
	partA, err := game.Play(build(t.TempDir(), []int64{1, 2}))
	require.NoError(t, err)
	partB, err := game.Play(build(t.TempDir(), []int64{3, 4, 5}))
	require.NoError(t, err)
	combined, err := game.Play([]*Metric{partA, partB})
	require.NoError(t, err)

	require.Equal(t,
		left.At("r").At("measurement").At("7").At("convs").Value(),
		combined.At("r").At("measurement").At("7").At("convs").Value())
}

func TestMismatchedListLengthsAreFatal(t *testing.T) {
	dir := t.TempDir()
	a := writeShard(t, dir, "shard_0", map[string]any{
		"metrics":             map[string]any{"testConverters": 1, "controlConverters": 1, "hist": []any{1, 2}},
		"cohortMetrics":       []any{},
		"publisherBreakdowns": []any{},
	})
	b := writeShard(t, dir, "shard_1", map[string]any{
		"metrics":             map[string]any{"testConverters": 1, "controlConverters": 1, "hist": []any{1, 2, 3}},
		"cohortMetrics":       []any{},
		"publisherBreakdowns": []any{},
	})

	game := plaintextGame(GroupedLiftMetricsFormat, 0)
	shards, err := game.ReadShards([]string{a, b})
	require.NoError(t, err)
	_, err = game.Play(shards)
	require.ErrorIs(t, err, mpc.ErrSchema)
}

func TestMissingPublisherBreakdownsIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeShard(t, dir, "shard_0", map[string]any{
		"metrics":       map[string]any{"testConverters": 1},
		"cohortMetrics": []any{},
	})

	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	_, err := game.ReadShards([]string{path})
	require.ErrorIs(t, err, mpc.ErrSchema)
}

func TestEmptyShardListIsFatal(t *testing.T) {
	game := plaintextGame(GroupedLiftMetricsFormat, 100)
	_, err := game.ReadShards(nil)
	require.ErrorIs(t, err, mpc.ErrProtocolState)
	_, err = game.Play(nil)
	require.ErrorIs(t, err, mpc.ErrProtocolState)
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

func TestXorShareCombineAndReveal(t *testing.T) {
	dir := t.TempDir()
	// The publisher's shard files hold the cleartext payloads, the
	// partner's hold zeroes: a valid XOR split.
	pubA := writeShard(t, dir, "pub_0", liftShard(80, 40, 500))
	pubB := writeShard(t, dir, "pub_1", liftShard(30, 20, 250))
	parA := writeShard(t, dir, "par_0", zeroLiftShard())
	parB := writeShard(t, dir, "par_1", zeroLiftShard())

	pub, par := runBoth(t, func(e *mpc.InsecureEngine) map[string]int64 {
		paths := []string{parA, parB}
		if e.Role() == mpc.Publisher {
			paths = []string{pubA, pubB}
		}
		game := NewGame(e, GroupedLiftMetricsFormat, 100, mpc.Public, true, testLogger())
		shards, err := game.ReadShards(paths)
		require.NoError(t, err)
		result, err := game.Play(shards)
		require.NoError(t, err)
		revealed, err := game.RevealJSON(result)
		require.NoError(t, err)

		var parsed struct {
			Metrics map[string]int64 `json:"metrics"`
		}
		require.NoError(t, json.Unmarshal(revealed, &parsed))
		return parsed.Metrics
	})

	// 110 + 60 converters pass the threshold of 100; the summed value
	// reveals publicly to both parties.
	require.Equal(t, int64(750), pub["testValue"])
	require.Equal(t, int64(750), par["testValue"])
	require.Equal(t, int64(110), pub["testConverters"])
}

func TestRevealVisibilityZeroesExcludedParty(t *testing.T) {
	dir := t.TempDir()
	pubShard := writeShard(t, dir, "pub_0", liftShard(80, 40, 500))
	parShard := writeShard(t, dir, "par_0", zeroLiftShard())

	pub, par := runBoth(t, func(e *mpc.InsecureEngine) map[string]int64 {
		paths := []string{parShard}
		if e.Role() == mpc.Publisher {
			paths = []string{pubShard}
		}
		game := NewGame(e, GroupedLiftMetricsFormat, 100, mpc.PublisherOnly, true, testLogger())
		shards, err := game.ReadShards(paths)
		require.NoError(t, err)
		result, err := game.Play(shards)
		require.NoError(t, err)
		revealed, err := game.RevealJSON(result)
		require.NoError(t, err)

		var parsed struct {
			Metrics map[string]int64 `json:"metrics"`
		}
		require.NoError(t, json.Unmarshal(revealed, &parsed))
		return parsed.Metrics
	})

	require.Equal(t, int64(1000), pub["testPopulation"])
	require.Equal(t, int64(0), par["testPopulation"])
	require.Equal(t, int64(0), par["testValue"])
}
