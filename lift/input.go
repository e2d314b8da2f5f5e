package lift

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/utils/csvdata"
)

// InputData is one lift shard for one party. The publisher's file carries
// opportunity columns; the partner's carries purchase columns. Purchase
// arrays are padded to NumConversionsPerUser.
type InputData struct {
	NumRows               int
	NumConversionsPerUser int

	// Publisher columns.
	Opportunity       []bool
	TestFlag          []bool
	OpportunityTs     []uint64
	NumImpressions    []uint64
	NumClicks         []uint64
	TotalSpend        []uint64
	BreakdownIDs      []uint64
	NumBreakdowns     int
	TestPopulation    []bool
	ControlPopulation []bool

	// Partner columns.
	PurchaseTs            [][]uint64
	PurchaseValues        [][]uint64
	PurchaseValuesSquared [][]uint64
	CohortIDs             []uint64
	NumCohorts            int
	HasValues             bool
}

var liftColumns = map[string]bool{
	"id":                      true,
	"opportunity":             true,
	"test_flag":               true,
	"opportunity_timestamp":   true,
	"num_impressions":         true,
	"num_clicks":              true,
	"total_spend":             true,
	"breakdown_id":            true,
	"purchase_timestamps":     true,
	"purchase_values":         true,
	"purchase_values_squared": true,
	"cohort_id":               true,
}

// ReadInputData parses one lift shard CSV.
func ReadInputData(path string, numConversionsPerUser int, log *zap.SugaredLogger) (*InputData, error) {
	d := &InputData{NumConversionsPerUser: numConversionsPerUser}

	hasOpportunity := false
	warned := map[string]bool{}
	err := csvdata.ReadFile(path, func(lineNo int, header, parts []string) error {
		if len(parts) != len(header) {
			return fmt.Errorf("%w: %s line %d has %d fields, header has %d",
				mpc.ErrInputFormat, path, lineNo, len(parts), len(header))
		}
		d.NumRows++
		row := map[string]string{}
		for i, col := range header {
			if !liftColumns[col] && !warned[col] {
				warned[col] = true
				log.Warnw("ignoring unknown input column", "column", col, "file", path)
			}
			row[col] = parts[i]
		}

		scalar := func(name string) (uint64, bool, error) {
			v, ok := row[name]
			if !ok {
				return 0, false, nil
			}
			x, err := csvdata.ParseUint(v)
			return x, true, err
		}

		if v, ok, err := scalar("opportunity"); err != nil {
			return rowErr(path, lineNo, err)
		} else if ok {
			hasOpportunity = true
			d.Opportunity = append(d.Opportunity, v != 0)
		} else {
			// Absent opportunity column means every row had an opportunity.
			d.Opportunity = append(d.Opportunity, true)
		}
		if v, _, err := scalar("test_flag"); err != nil {
			return rowErr(path, lineNo, err)
		} else {
			d.TestFlag = append(d.TestFlag, v != 0)
		}
		if v, _, err := scalar("opportunity_timestamp"); err != nil {
			return rowErr(path, lineNo, err)
		} else {
			d.OpportunityTs = append(d.OpportunityTs, v)
		}
		if v, _, err := scalar("num_impressions"); err != nil {
			return rowErr(path, lineNo, err)
		} else {
			d.NumImpressions = append(d.NumImpressions, v)
		}
		if v, _, err := scalar("num_clicks"); err != nil {
			return rowErr(path, lineNo, err)
		} else {
			d.NumClicks = append(d.NumClicks, v)
		}
		if v, _, err := scalar("total_spend"); err != nil {
			return rowErr(path, lineNo, err)
		} else {
			d.TotalSpend = append(d.TotalSpend, v)
		}
		if v, ok, err := scalar("breakdown_id"); err != nil {
			return rowErr(path, lineNo, err)
		} else if ok {
			d.BreakdownIDs = append(d.BreakdownIDs, v)
			if int(v)+1 > d.NumBreakdowns {
				d.NumBreakdowns = int(v) + 1
			}
		}
		if v, ok, err := scalar("cohort_id"); err != nil {
			return rowErr(path, lineNo, err)
		} else if ok {
			d.CohortIDs = append(d.CohortIDs, v)
			if int(v)+1 > d.NumCohorts {
				d.NumCohorts = int(v) + 1
			}
		}

		array := func(name string) ([]uint64, bool, error) {
			v, ok := row[name]
			if !ok {
				return nil, false, nil
			}
			parsed, err := csvdata.InnerUints(v)
			return parsed, true, err
		}

		ts, _, err := array("purchase_timestamps")
		if err != nil {
			return rowErr(path, lineNo, err)
		}
		if len(ts) > numConversionsPerUser {
			return fmt.Errorf("%w: %s line %d: %d purchases exceed the cap of %d",
				mpc.ErrCapacity, path, lineNo, len(ts), numConversionsPerUser)
		}
		values, hasValues, err := array("purchase_values")
		if err != nil {
			return rowErr(path, lineNo, err)
		}
		if hasValues {
			d.HasValues = true
		}
		squared, hasSquared, err := array("purchase_values_squared")
		if err != nil {
			return rowErr(path, lineNo, err)
		}
		if !hasSquared && hasValues {
			squared = suffixSumSquared(values)
		}

		d.PurchaseTs = append(d.PurchaseTs, padTo(ts, numConversionsPerUser))
		d.PurchaseValues = append(d.PurchaseValues, padTo(values, numConversionsPerUser))
		d.PurchaseValuesSquared = append(d.PurchaseValuesSquared, padTo(squared, numConversionsPerUser))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !hasOpportunity {
		for i := range d.Opportunity {
			d.Opportunity[i] = true
		}
	}
	d.TestPopulation = make([]bool, d.NumRows)
	d.ControlPopulation = make([]bool, d.NumRows)
	for i := 0; i < d.NumRows; i++ {
		d.TestPopulation[i] = d.Opportunity[i] && d.TestFlag[i]
		d.ControlPopulation[i] = d.Opportunity[i] && !d.TestFlag[i]
	}
	return d, nil
}

func rowErr(path string, lineNo int, err error) error {
	return fmt.Errorf("%w: %s line %d: %v", mpc.ErrInputFormat, path, lineNo, err)
}

// suffixSumSquared pre-squares the per-purchase running suffix sums: entry
// k holds (sum of values from k on)², so the first valid purchase's entry
// is the squared sum of every value from that purchase on, valid or not.
func suffixSumSquared(values []uint64) []uint64 {
	out := make([]uint64, len(values))
	var sum uint64
	for k := len(values) - 1; k >= 0; k-- {
		sum += values[k]
		out[k] = sum * sum
	}
	return out
}

func padTo(v []uint64, n int) []uint64 {
	for len(v) < n {
		v = append(v, 0)
	}
	return v
}

// BitmaskForBreakdown returns the publisher-side 0/1 mask of rows in
// breakdown group i.
func (d *InputData) BitmaskForBreakdown(i int) []bool {
	return bitmask(d.BreakdownIDs, uint64(i), d.NumRows)
}

// BitmaskForCohort returns the partner-side 0/1 mask of rows in cohort i.
func (d *InputData) BitmaskForCohort(i int) []bool {
	return bitmask(d.CohortIDs, uint64(i), d.NumRows)
}

func bitmask(ids []uint64, group uint64, n int) []bool {
	mask := make([]bool, n)
	for i := range ids {
		mask[i] = ids[i] == group
	}
	return mask
}

// NumBitsForValue is the bit length needed for the summed purchase values.
func (d *InputData) NumBitsForValue() int {
	var total uint64
	for _, row := range d.PurchaseValues {
		for _, v := range row {
			total += v
		}
	}
	return bitLen(total)
}

// NumBitsForValueSquared is the bit length needed for the summed
// pre-squared values.
func (d *InputData) NumBitsForValueSquared() int {
	var total uint64
	for _, row := range d.PurchaseValuesSquared {
		for _, v := range row {
			total += v
		}
	}
	return bitLen(total)
}

func bitLen(x uint64) int {
	n := bits.Len64(x)
	if n == 0 {
		return 1
	}
	return n
}
