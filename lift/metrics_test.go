package lift

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func sampleMetrics() LiftMetrics {
	return LiftMetrics{
		TestPopulation:       100,
		ControlPopulation:    90,
		TestConversions:      40,
		ControlConversions:   20,
		TestConverters:       30,
		ControlConverters:    15,
		TestValue:            500,
		ControlValue:         200,
		TestValueSquared:     9000,
		ControlValueSquared:  3000,
		TestNumConvSquared:   70,
		ControlNumConvSquared: 25,
		TestMatchCount:       35,
		ControlMatchCount:    18,
		TestImpressions:      400,
		ControlImpressions:   0,
		TestClicks:           80,
		ControlClicks:        0,
		TestSpend:            1200,
		ControlSpend:         0,
		TestReach:            95,
		ControlReach:         0,
		ReachedConversions:   38,
		ReachedValue:         480,
		TestConvHistogram:    []int64{60, 25, 10, 4, 1},
		ControlConvHistogram: []int64{75, 10, 4, 1, 0},
	}
}

func TestGroupedLiftMetricsJSONRoundTrip(t *testing.T) {
	g := GroupedLiftMetrics{
		Metrics:             sampleMetrics(),
		CohortMetrics:       []LiftMetrics{sampleMetrics(), sampleMetrics()},
		PublisherBreakdowns: []LiftMetrics{sampleMetrics()},
	}

	path := filepath.Join(t.TempDir(), "lift.json")
	require.NoError(t, g.WriteFile(path))
	loaded, err := ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(g, loaded))
}

func TestLiftMetricsAddDoubles(t *testing.T) {
	m := sampleMetrics()
	double := m.Add(m)
	require.Equal(t, m.TestPopulation*2, double.TestPopulation)
	require.Equal(t, m.ControlValue*2, double.ControlValue)
	require.Equal(t, []int64{120, 50, 20, 8, 2}, double.TestConvHistogram)
}

func TestLiftMetricsXorIsInvolutive(t *testing.T) {
	m := sampleMetrics()
	other := sampleMetrics()
	other.TestValue = 123
	require.Empty(t, cmp.Diff(m, m.Xor(other).Xor(other)))
}
