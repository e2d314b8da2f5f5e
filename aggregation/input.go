// Package aggregation implements the private aggregation game: folding
// secret-shared attribution results and conversion values into per-ad
// totals through a write-only oblivious memory.
package aggregation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/attribution"
	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Measurement is the only supported aggregation format.
const Measurement = "measurement"

const formatIDWidth = 1

// Input is one aggregation shard for one party: the cleartext (or shared)
// touchpoint and conversion metadata plus this party's attribution result
// shares, per rule, re-batched into column layout.
type Input struct {
	IDs     []int64
	Rules   []string
	Formats []string

	Touchpoints []attribution.Touchpoint
	Conversions []attribution.Conversion

	// DefaultShares[rule][pair] holds one share lane per row; pairs are
	// (conversion, touchpoint) in oldest-first order.
	DefaultShares map[string][][]bool

	// ReformattedShares[rule][conv] holds one reformatted slot share batch
	// per conversion.
	ReformattedShares map[string][]ReformattedShareSlot
}

// ReformattedShareSlot is one conversion slot of reformatted attribution
// shares across all rows.
type ReformattedShareSlot struct {
	AdID         []uint64
	ConvValue    []uint64
	IsAttributed []bool
}

// ReadInput parses the metadata CSV and this party's attribution share
// file. aggregationFormats is the publisher's comma-separated list; the
// partner passes the empty string.
func ReadInput(metadataPath, sharePath, aggregationFormats string,
	maxTP, maxConv int, enc mpc.InputEncryption, useNewFormat bool,
	log *zap.SugaredLogger) (*Input, error) {

	base, err := attribution.ReadInput(metadataPath, "", maxTP, maxConv, enc, log)
	if err != nil {
		return nil, err
	}
	in := &Input{
		IDs:         base.IDs,
		Touchpoints: base.Touchpoints,
		Conversions: base.Conversions,
	}
	if aggregationFormats != "" {
		in.Formats = strings.Split(aggregationFormats, ",")
	}

	if useNewFormat {
		shares, err := attribution.ReadReformattedOutput(sharePath)
		if err != nil {
			return nil, err
		}
		in.ReformattedShares = map[string][]ReformattedShareSlot{}
		for rule, perUser := range shares {
			in.Rules = append(in.Rules, rule)
			slots, err := batchReformattedShares(in.IDs, perUser, maxConv)
			if err != nil {
				return nil, fmt.Errorf("%w: %s rule %s: %v", mpc.ErrInputFormat, sharePath, rule, err)
			}
			in.ReformattedShares[rule] = slots
		}
	} else {
		shares, err := attribution.ReadDefaultOutput(sharePath)
		if err != nil {
			return nil, err
		}
		in.DefaultShares = map[string][][]bool{}
		for rule, formats := range shares {
			perUser, ok := formats["default"]
			if !ok {
				return nil, fmt.Errorf("%w: %s rule %s misses the default format block",
					mpc.ErrSchema, sharePath, rule)
			}
			in.Rules = append(in.Rules, rule)
			pairs, err := batchDefaultShares(in.IDs, perUser, maxTP*maxConv)
			if err != nil {
				return nil, fmt.Errorf("%w: %s rule %s: %v", mpc.ErrInputFormat, sharePath, rule, err)
			}
			in.DefaultShares[rule] = pairs
		}
	}
	sort.Strings(in.Rules)
	return in, nil
}

func batchDefaultShares(ids []int64, perUser map[string][]attribution.AttributionResult, numPairs int) ([][]bool, error) {
	pairs := make([][]bool, numPairs)
	for p := range pairs {
		pairs[p] = make([]bool, len(ids))
	}
	for i, id := range ids {
		results, ok := perUser[strconv.FormatInt(id, 10)]
		if !ok {
			return nil, fmt.Errorf("no attribution results for id %d", id)
		}
		if len(results) != numPairs {
			return nil, fmt.Errorf("id %d has %d results, want %d", id, len(results), numPairs)
		}
		for p, r := range results {
			pairs[p][i] = r.IsAttributed
		}
	}
	return pairs, nil
}

func batchReformattedShares(ids []int64, perUser map[string][]attribution.ReformattedResult, numConv int) ([]ReformattedShareSlot, error) {
	slots := make([]ReformattedShareSlot, numConv)
	for c := range slots {
		slots[c] = ReformattedShareSlot{
			AdID:         make([]uint64, len(ids)),
			ConvValue:    make([]uint64, len(ids)),
			IsAttributed: make([]bool, len(ids)),
		}
	}
	for i, id := range ids {
		results, ok := perUser[strconv.FormatInt(id, 10)]
		if !ok {
			return nil, fmt.Errorf("no attribution results for id %d", id)
		}
		if len(results) != numConv {
			return nil, fmt.Errorf("id %d has %d results, want %d", id, len(results), numConv)
		}
		for c, r := range results {
			slots[c].AdID[i] = r.AdID
			slots[c].ConvValue[i] = r.ConvValue
			slots[c].IsAttributed[i] = r.IsAttributed
		}
	}
	return slots, nil
}
