package attribution

import (
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

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type gameResult struct {
	out     *OutputMetrics
	mapping CompressedAdIDMapping
}

func runAttribution(t *testing.T, pubCSV, parCSV, rules string, maxTP, maxConv int, newFormat bool) (pub, par gameResult) {
	t.Helper()
	dir := t.TempDir()
	pubPath := writeFile(t, dir, "publisher.csv", pubCSV)
	parPath := writeFile(t, dir, "partner.csv", parCSV)

	return runBoth(t, func(e *mpc.InsecureEngine) gameResult {
		path, ruleList := parPath, ""
		if e.Role() == mpc.Publisher {
			path, ruleList = pubPath, rules
		}
		in, err := ReadInput(path, ruleList, maxTP, maxConv, mpc.Plaintext, testLogger())
		require.NoError(t, err)

		game := NewGame(e, mpc.Plaintext, newFormat, false, testLogger())
		out, mapping, err := game.ComputeAttributions(in)
		require.NoError(t, err)
		return gameResult{out: out, mapping: mapping}
	})
}

func pairBits(t *testing.T, r gameResult, rule, uid string) []bool {
	t.Helper()
	results := r.out.Default[rule]["default"][uid]
	bits := make([]bool, len(results))
	for i, res := range results {
		bits[i] = res.IsAttributed
	}
	return bits
}

func TestLastClick1DSingleConversion(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,200],[0,1],[17,17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[250],[5]\n"

	pub, par := runAttribution(t, pubCSV, parCSV, LastClick1D, 2, 1, false)

	// One conversion, two touchpoint slots: the view never attributes under
	// a click rule; the click at 200 wins for the conversion at 250.
	require.Equal(t, []bool{false, true}, pairBits(t, pub, LastClick1D, "0"))
	require.Equal(t, []bool{false, true}, pairBits(t, par, LastClick1D, "0"))
}

func TestLastClick1DOutsideWindow(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,200],[0,1],[17,17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[86601],[5]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D, 2, 1, false)
	require.Equal(t, []bool{false, false}, pairBits(t, pub, LastClick1D, "0"))
}

func TestWindowEdgeIsInclusive(t *testing.T) {
	// Conversion exactly at tp.ts + window attributes; exactly at tp.ts does
	// not (strict lower bound).
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[200],[1],[17]\n1,[200],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[86600],[1]\n1,[200],[1]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D, 1, 1, false)
	require.Equal(t, []bool{true}, pairBits(t, pub, LastClick1D, "0"))
	require.Equal(t, []bool{false}, pairBits(t, pub, LastClick1D, "1"))
}

func TestReverseScanPrefersMostRecentClick(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,150],[1,1],[7,9]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[200],[5]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick28D, 2, 1, false)
	// Both clicks are eligible; only the more recent one is credited.
	require.Equal(t, []bool{false, true}, pairBits(t, pub, LastClick28D, "0"))
}

func TestAllPaddingTouchpointsNeverAttribute(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[],[],[]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[100,200],[1,2]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastTouch1D, 2, 2, false)
	require.Equal(t, []bool{false, false, false, false}, pairBits(t, pub, LastTouch1D, "0"))
}

func TestEmptyConversionListNeverAttributes(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[],[]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D, 1, 2, false)
	require.Equal(t, []bool{false, false}, pairBits(t, pub, LastClick1D, "0"))
}

func TestMultipleRulesProduceOneBlockEach(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,200],[0,1],[17,17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[250],[5]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D+","+LastTouch1D, 2, 1, false)
	require.Len(t, pub.out.Default, 2)
	// The view at 100 is eligible under last_touch but the click at 200 is
	// more recent.
	require.Equal(t, []bool{false, true}, pairBits(t, pub, LastTouch1D, "0"))
}

func TestReformattedOutputBindsWinnerAdID(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,200],[0,1],[42,17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[250],[5]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D, 2, 1, true)

	// 17 < 42, so 17 compresses to 1 and 42 to 2.
	require.Equal(t, CompressedAdIDMapping{"1": 17, "2": 42}, pub.mapping)

	results := pub.out.Reformatted[LastClick1D]["0"]
	require.Len(t, results, 1)
	require.True(t, results[0].IsAttributed)
	require.Equal(t, uint64(1), results[0].AdID)
	require.Equal(t, uint64(5), results[0].ConvValue)
}

func TestReformattedAdIDZeroIffUnattributed(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[200],[1],[17]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[100,250],[3,5]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1D, 1, 2, true)

	results := pub.out.Reformatted[LastClick1D]["0"]
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, r.IsAttributed, r.AdID != 0)
	}
	require.False(t, results[0].IsAttributed) // conversion at 100 precedes the click
	require.True(t, results[1].IsAttributed)
}

func TestTargetIDRuleRequiresMatchingMetadata(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids,targetid,targetid_actiontype\n" +
		"0,[200],[1],[17],[9],[2]\n" +
		"1,[200],[1],[17],[9],[2]\n"
	parCSV := "id,conversion_timestamps,conversion_values,conversion_target_id,conversion_action_types\n" +
		"0,[250],[5],[9],[2]\n" +
		"1,[250],[5],[8],[2]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick1DTargetID, 1, 1, false)
	require.Equal(t, []bool{true}, pairBits(t, pub, LastClick1DTargetID, "0"))
	require.Equal(t, []bool{false}, pairBits(t, pub, LastClick1DTargetID, "1"))
}

func TestAtMostOneWinnerPerConversion(t *testing.T) {
	pubCSV := "id,timestamps,is_click,ad_ids\n0,[100,150,180],[1,1,1],[1,2,3]\n"
	parCSV := "id,conversion_timestamps,conversion_values\n0,[200,220],[5,6]\n"

	pub, _ := runAttribution(t, pubCSV, parCSV, LastClick28D, 3, 2, false)
	bits := pairBits(t, pub, LastClick28D, "0")
	require.Len(t, bits, 6)
	for conv := 0; conv < 2; conv++ {
		winners := 0
		for tp := 0; tp < 3; tp++ {
			if bits[conv*3+tp] {
				winners++
			}
		}
		require.LessOrEqual(t, winners, 1)
	}
}

func TestUnknownRuleNameIsFatal(t *testing.T) {
	_, err := RuleFromName("first_click_1d")
	require.ErrorIs(t, err, mpc.ErrPolicy)
	_, err = RuleFromID(99)
	require.ErrorIs(t, err, mpc.ErrPolicy)
}
