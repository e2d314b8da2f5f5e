package attribution

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// defaultFormatName is the only aggregation format of the default output.
const defaultFormatName = "default"

// AttributionResult is one revealed (touchpoint, conversion) pair bit.
// Under XOR output the field holds the writing party's share.
type AttributionResult struct {
	IsAttributed bool `json:"is_attributed"`
}

// ReformattedResult is one revealed conversion slot of the reformatted
// output format. AdID is the compressed id of the winning touchpoint, zero
// when unattributed.
type ReformattedResult struct {
	AdID         uint64 `json:"ad_id"`
	ConvValue    uint64 `json:"conv_value"`
	IsAttributed bool   `json:"is_attributed"`
}

// OutputMetrics is the revealed attribution output for every rule, in one
// of the two wire formats.
type OutputMetrics struct {
	NewFormat bool

	// Default: rule -> format -> user id -> one bit per (conversion,
	// touchpoint) pair, conversions outermost, oldest first.
	Default map[string]map[string]map[string][]AttributionResult

	// Reformatted: rule -> user id -> one result per conversion.
	Reformatted map[string]map[string][]ReformattedResult
}

func newOutputMetrics(newFormat bool) *OutputMetrics {
	out := &OutputMetrics{NewFormat: newFormat}
	if newFormat {
		out.Reformatted = map[string]map[string][]ReformattedResult{}
	} else {
		out.Default = map[string]map[string]map[string][]AttributionResult{}
	}
	return out
}

func (o *OutputMetrics) addDefault(g *Game, rule string, ids []int64, bits []mpc.SecBit) error {
	perUser := map[string][]AttributionResult{}
	for _, bit := range bits {
		lanes, err := g.revealBits(bit)
		if err != nil {
			return err
		}
		for i, id := range ids {
			key := strconv.FormatInt(id, 10)
			perUser[key] = append(perUser[key], AttributionResult{IsAttributed: lanes[i]})
		}
	}
	o.Default[rule] = map[string]map[string][]AttributionResult{defaultFormatName: perUser}
	return nil
}

func (o *OutputMetrics) addReformatted(g *Game, rule string, ids []int64, slots []reformattedSlot) error {
	perUser := map[string][]ReformattedResult{}
	for _, slot := range slots {
		adIDs, err := g.revealInts(slot.adID)
		if err != nil {
			return err
		}
		convValues, err := g.revealInts(slot.convValue)
		if err != nil {
			return err
		}
		attributed, err := g.revealBits(slot.isAttributed)
		if err != nil {
			return err
		}
		for i, id := range ids {
			key := strconv.FormatInt(id, 10)
			perUser[key] = append(perUser[key], ReformattedResult{
				AdID:         adIDs[i],
				ConvValue:    convValues[i],
				IsAttributed: attributed[i],
			})
		}
	}
	o.Reformatted[rule] = perUser
	return nil
}

// MarshalJSON emits the wire format selected at computation time.
func (o *OutputMetrics) MarshalJSON() ([]byte, error) {
	if o.NewFormat {
		return json.Marshal(o.Reformatted)
	}
	return json.Marshal(o.Default)
}

// WriteFile persists the output JSON.
func (o *OutputMetrics) WriteFile(path string) error {
	buf, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: cannot marshal attribution output: %v", mpc.ErrIO, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: cannot write %s: %v", mpc.ErrIO, path, err)
	}
	return nil
}

// ReadDefaultOutput loads a default-format attribution output file, as
// persisted by this party (cleartext or its XOR share).
func ReadDefaultOutput(path string) (map[string]map[string]map[string][]AttributionResult, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", mpc.ErrIO, path, err)
	}
	out := map[string]map[string]map[string][]AttributionResult{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("%w: cannot parse attribution output %s: %v", mpc.ErrInputFormat, path, err)
	}
	return out, nil
}

// ReadReformattedOutput loads a reformatted attribution output file.
func ReadReformattedOutput(path string) (map[string]map[string][]ReformattedResult, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", mpc.ErrIO, path, err)
	}
	out := map[string]map[string][]ReformattedResult{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("%w: cannot parse attribution output %s: %v", mpc.ErrInputFormat, path, err)
	}
	return out, nil
}
