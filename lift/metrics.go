// Package lift implements the private lift game: population-level
// counterfactual statistics (test vs. control events, value, value²,
// histograms) computed over an opportunity/conversion joined dataset.
package lift

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// LiftMetrics is the fixed record of 24 scalar counters plus the two
// conversion histograms (bucket k >= 1 counts users whose first valid
// purchase is k slots from the end of the padded purchase array, counting
// itself; bucket 0 counts users with no valid purchase). Under XOR output
// every field holds the writing party's share.
type LiftMetrics struct {
	TestPopulation        int64 `json:"testPopulation"`
	ControlPopulation     int64 `json:"controlPopulation"`
	TestConversions       int64 `json:"testConversions"`
	ControlConversions    int64 `json:"controlConversions"`
	TestConverters        int64 `json:"testConverters"`
	ControlConverters     int64 `json:"controlConverters"`
	TestValue             int64 `json:"testValue"`
	ControlValue          int64 `json:"controlValue"`
	TestValueSquared      int64 `json:"testValueSquared"`
	ControlValueSquared   int64 `json:"controlValueSquared"`
	TestNumConvSquared    int64 `json:"testNumConvSquared"`
	ControlNumConvSquared int64 `json:"controlNumConvSquared"`
	TestMatchCount        int64 `json:"testMatchCount"`
	ControlMatchCount     int64 `json:"controlMatchCount"`
	TestImpressions       int64 `json:"testImpressions"`
	ControlImpressions    int64 `json:"controlImpressions"`
	TestClicks            int64 `json:"testClicks"`
	ControlClicks         int64 `json:"controlClicks"`
	TestSpend             int64 `json:"testSpend"`
	ControlSpend          int64 `json:"controlSpend"`
	TestReach             int64 `json:"testReach"`
	ControlReach          int64 `json:"controlReach"`
	ReachedConversions    int64 `json:"reachedConversions"`
	ReachedValue          int64 `json:"reachedValue"`

	TestConvHistogram    []int64 `json:"testConvHistogram"`
	ControlConvHistogram []int64 `json:"controlConvHistogram"`
}

// Add returns the field-wise sum; histograms must have equal lengths.
func (m LiftMetrics) Add(other LiftMetrics) LiftMetrics {
	out := m
	out.TestPopulation += other.TestPopulation
	out.ControlPopulation += other.ControlPopulation
	out.TestConversions += other.TestConversions
	out.ControlConversions += other.ControlConversions
	out.TestConverters += other.TestConverters
	out.ControlConverters += other.ControlConverters
	out.TestValue += other.TestValue
	out.ControlValue += other.ControlValue
	out.TestValueSquared += other.TestValueSquared
	out.ControlValueSquared += other.ControlValueSquared
	out.TestNumConvSquared += other.TestNumConvSquared
	out.ControlNumConvSquared += other.ControlNumConvSquared
	out.TestMatchCount += other.TestMatchCount
	out.ControlMatchCount += other.ControlMatchCount
	out.TestImpressions += other.TestImpressions
	out.ControlImpressions += other.ControlImpressions
	out.TestClicks += other.TestClicks
	out.ControlClicks += other.ControlClicks
	out.TestSpend += other.TestSpend
	out.ControlSpend += other.ControlSpend
	out.TestReach += other.TestReach
	out.ControlReach += other.ControlReach
	out.ReachedConversions += other.ReachedConversions
	out.ReachedValue += other.ReachedValue
	out.TestConvHistogram = addVectors(m.TestConvHistogram, other.TestConvHistogram)
	out.ControlConvHistogram = addVectors(m.ControlConvHistogram, other.ControlConvHistogram)
	return out
}

// Xor returns the field-wise XOR, used to recombine the two parties' share
// records.
func (m LiftMetrics) Xor(other LiftMetrics) LiftMetrics {
	out := m
	out.TestPopulation ^= other.TestPopulation
	out.ControlPopulation ^= other.ControlPopulation
	out.TestConversions ^= other.TestConversions
	out.ControlConversions ^= other.ControlConversions
	out.TestConverters ^= other.TestConverters
	out.ControlConverters ^= other.ControlConverters
	out.TestValue ^= other.TestValue
	out.ControlValue ^= other.ControlValue
	out.TestValueSquared ^= other.TestValueSquared
	out.ControlValueSquared ^= other.ControlValueSquared
	out.TestNumConvSquared ^= other.TestNumConvSquared
	out.ControlNumConvSquared ^= other.ControlNumConvSquared
	out.TestMatchCount ^= other.TestMatchCount
	out.ControlMatchCount ^= other.ControlMatchCount
	out.TestImpressions ^= other.TestImpressions
	out.ControlImpressions ^= other.ControlImpressions
	out.TestClicks ^= other.TestClicks
	out.ControlClicks ^= other.ControlClicks
	out.TestSpend ^= other.TestSpend
	out.ControlSpend ^= other.ControlSpend
	out.TestReach ^= other.TestReach
	out.ControlReach ^= other.ControlReach
	out.ReachedConversions ^= other.ReachedConversions
	out.ReachedValue ^= other.ReachedValue
	out.TestConvHistogram = xorVectors(m.TestConvHistogram, other.TestConvHistogram)
	out.ControlConvHistogram = xorVectors(m.ControlConvHistogram, other.ControlConvHistogram)
	return out
}

func addVectors(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func xorVectors(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// GroupedLiftMetrics bundles the overall record with the per-cohort and
// per-publisher-breakdown fan-outs.
type GroupedLiftMetrics struct {
	Metrics             LiftMetrics   `json:"metrics"`
	CohortMetrics       []LiftMetrics `json:"cohortMetrics"`
	PublisherBreakdowns []LiftMetrics `json:"publisherBreakdowns"`
}

// ToJSON serializes the grouped record.
func (g GroupedLiftMetrics) ToJSON() ([]byte, error) {
	return json.MarshalIndent(g, "", "  ")
}

// FromJSON parses a grouped record.
func FromJSON(buf []byte) (GroupedLiftMetrics, error) {
	var g GroupedLiftMetrics
	if err := json.Unmarshal(buf, &g); err != nil {
		return g, fmt.Errorf("%w: cannot parse grouped lift metrics: %v", mpc.ErrInputFormat, err)
	}
	return g, nil
}

// WriteFile persists the grouped record.
func (g GroupedLiftMetrics) WriteFile(path string) error {
	buf, err := g.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: cannot marshal lift output: %v", mpc.ErrIO, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: cannot write %s: %v", mpc.ErrIO, path, err)
	}
	return nil
}

// ReadFile loads a grouped record from disk.
func ReadFile(path string) (GroupedLiftMetrics, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return GroupedLiftMetrics{}, fmt.Errorf("%w: cannot read %s: %v", mpc.ErrIO, path, err)
	}
	return FromJSON(buf)
}
