package attribution

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/utils/csvdata"
)

// Input is the parsed, padded, column-batched input of one attribution
// shard for one party. The publisher's file carries touchpoint columns and
// the partner's file carries conversion columns; either side sees only
// padding for the other's slots.
type Input struct {
	IDs         []int64
	Rules       []string
	Touchpoints []Touchpoint
	Conversions []Conversion
}

type parsedTouchpoint struct {
	id               int64
	isClick          bool
	ts               uint64
	adID             uint64
	targetID         uint64
	actionType       uint64
	campaignMetadata uint64
}

type parsedConversion struct {
	ts         uint64
	value      uint64
	targetID   uint64
	actionType uint64
	metadata   uint64
}

var knownColumns = map[string]bool{
	"id":                      true,
	"timestamps":              true,
	"is_click":                true,
	"ad_ids":                  true,
	"campaign_metadata":       true,
	"targetid":                true,
	"targetid_actiontype":     true,
	"conversion_timestamps":   true,
	"conversion_values":       true,
	"conversion_metadata":     true,
	"conversion_target_id":    true,
	"conversion_action_types": true,
}

// ReadInput parses one shard CSV. attributionRules is the publisher's
// comma-separated rule list; the partner passes the empty string and learns
// the rules inside the game.
func ReadInput(path string, attributionRules string, maxTP, maxConv int,
	enc mpc.InputEncryption, log *zap.SugaredLogger) (*Input, error) {

	var rules []string
	if attributionRules != "" {
		rules = strings.Split(attributionRules, ",")
	}

	in := &Input{Rules: rules}
	var tpRows [][]parsedTouchpoint
	var convRows [][]parsedConversion

	warned := map[string]bool{}
	err := csvdata.ReadFile(path, func(lineNo int, header, parts []string) error {
		if len(parts) != len(header) {
			return fmt.Errorf("%w: %s line %d has %d fields, header has %d",
				mpc.ErrInputFormat, path, lineNo, len(parts), len(header))
		}
		for _, col := range header {
			if !knownColumns[col] && !warned[col] {
				warned[col] = true
				log.Warnw("ignoring unknown input column", "column", col, "file", path)
			}
		}
		id := int64(lineNo - 1)
		if v, ok := fieldOf(header, parts, "id"); ok {
			parsed, err := csvdata.ParseInt(v)
			if err != nil {
				return fmt.Errorf("%w: %s line %d: %v", mpc.ErrInputFormat, path, lineNo, err)
			}
			id = parsed
		}
		in.IDs = append(in.IDs, id)

		tps, err := parseTouchpoints(header, parts, lineNo, maxTP, enc)
		if err != nil {
			return fmt.Errorf("%w: %s line %d: %v", mpc.ErrInputFormat, path, lineNo, err)
		}
		convs, err := parseConversions(header, parts, lineNo, maxConv, enc)
		if err != nil {
			return fmt.Errorf("%w: %s line %d: %v", mpc.ErrInputFormat, path, lineNo, err)
		}
		tpRows = append(tpRows, tps)
		convRows = append(convRows, convs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	in.Touchpoints = transposeTouchpoints(tpRows, maxTP)
	in.Conversions = transposeConversions(convRows, maxConv)
	return in, nil
}

func fieldOf(header, parts []string, name string) (string, bool) {
	for i, col := range header {
		if col == name {
			return parts[i], true
		}
	}
	return "", false
}

func uintsColumn(header, parts []string, name string) ([]uint64, error) {
	v, ok := fieldOf(header, parts, name)
	if !ok {
		return nil, nil
	}
	return csvdata.InnerUints(v)
}

func parseTouchpoints(header, parts []string, lineNo, maxTP int, enc mpc.InputEncryption) ([]parsedTouchpoint, error) {
	timestamps, err := uintsColumn(header, parts, "timestamps")
	if err != nil {
		return nil, err
	}

	var isClicks []bool
	if v, ok := fieldOf(header, parts, "is_click"); ok {
		if enc == mpc.Xor {
			// Click flags arrive as 64-bit shares; the share of the flag is
			// the low bit.
			shares, err := csvdata.InnerUints(v)
			if err != nil {
				return nil, err
			}
			for _, s := range shares {
				isClicks = append(isClicks, s&1 == 1)
			}
		} else {
			if isClicks, err = csvdata.InnerBools(v); err != nil {
				return nil, err
			}
		}
	}

	if len(timestamps) != len(isClicks) {
		return nil, fmt.Errorf("timestamps and is_click arrays have different lengths (%d vs %d)",
			len(timestamps), len(isClicks))
	}
	if len(timestamps) > maxTP {
		return nil, fmt.Errorf("%w: %d touchpoints exceed the cap of %d", mpc.ErrCapacity, len(timestamps), maxTP)
	}

	adIDs, err := uintsColumn(header, parts, "ad_ids")
	if err != nil {
		return nil, err
	}
	targetIDs, err := uintsColumn(header, parts, "targetid")
	if err != nil {
		return nil, err
	}
	actionTypes, err := uintsColumn(header, parts, "targetid_actiontype")
	if err != nil {
		return nil, err
	}
	campaignMetadata, err := uintsColumn(header, parts, "campaign_metadata")
	if err != nil {
		return nil, err
	}

	at := func(v []uint64, i int) uint64 {
		if i < len(v) {
			return v[i]
		}
		return 0
	}

	tps := make([]parsedTouchpoint, 0, maxTP)
	for i := range timestamps {
		tps = append(tps, parsedTouchpoint{
			id:               int64(i),
			isClick:          isClicks[i],
			ts:               timestamps[i],
			adID:             at(adIDs, i),
			targetID:         at(targetIDs, i),
			actionType:       at(actionTypes, i),
			campaignMetadata: at(campaignMetadata, i),
		})
	}

	// Rows are sorted views before clicks, then ascending timestamp. For
	// XOR-shared input the upstream data-processing stage fixed the order
	// already and re-sorting shares would scramble the rows.
	if enc != mpc.Xor {
		sort.SliceStable(tps, func(i, j int) bool {
			if tps[i].isClick != tps[j].isClick {
				return !tps[i].isClick
			}
			return tps[i].ts < tps[j].ts
		})
	}

	for len(tps) < maxTP {
		tps = append(tps, parsedTouchpoint{id: -1})
	}
	return tps, nil
}

func parseConversions(header, parts []string, lineNo, maxConv int, enc mpc.InputEncryption) ([]parsedConversion, error) {
	timestamps, err := uintsColumn(header, parts, "conversion_timestamps")
	if err != nil {
		return nil, err
	}
	if len(timestamps) > maxConv {
		return nil, fmt.Errorf("%w: %d conversions exceed the cap of %d", mpc.ErrCapacity, len(timestamps), maxConv)
	}
	values, err := uintsColumn(header, parts, "conversion_values")
	if err != nil {
		return nil, err
	}
	metadata, err := uintsColumn(header, parts, "conversion_metadata")
	if err != nil {
		return nil, err
	}
	targetIDs, err := uintsColumn(header, parts, "conversion_target_id")
	if err != nil {
		return nil, err
	}
	actionTypes, err := uintsColumn(header, parts, "conversion_action_types")
	if err != nil {
		return nil, err
	}

	at := func(v []uint64, i int) uint64 {
		if i < len(v) {
			return v[i]
		}
		return 0
	}

	convs := make([]parsedConversion, 0, maxConv)
	for i := range timestamps {
		convs = append(convs, parsedConversion{
			ts:         timestamps[i],
			value:      at(values, i),
			targetID:   at(targetIDs, i),
			actionType: at(actionTypes, i),
			metadata:   at(metadata, i),
		})
	}

	if enc == mpc.Plaintext {
		sort.SliceStable(convs, func(i, j int) bool { return convs[i].ts < convs[j].ts })
	}

	for len(convs) < maxConv {
		convs = append(convs, parsedConversion{})
	}
	return convs, nil
}

func transposeTouchpoints(rows [][]parsedTouchpoint, maxTP int) []Touchpoint {
	n := len(rows)
	out := make([]Touchpoint, maxTP)
	for j := range out {
		out[j] = Touchpoint{
			IDs:              make([]int64, n),
			IsClick:          make([]bool, n),
			Ts:               make([]uint64, n),
			OriginalAdID:     make([]uint64, n),
			AdID:             make([]uint64, n),
			TargetID:         make([]uint64, n),
			ActionType:       make([]uint64, n),
			CampaignMetadata: make([]uint64, n),
		}
		for i, row := range rows {
			tp := row[j]
			out[j].IDs[i] = tp.id
			out[j].IsClick[i] = tp.isClick
			out[j].Ts[i] = tp.ts
			out[j].OriginalAdID[i] = tp.adID
			out[j].AdID[i] = tp.adID
			out[j].TargetID[i] = tp.targetID
			out[j].ActionType[i] = tp.actionType
			out[j].CampaignMetadata[i] = tp.campaignMetadata
		}
	}
	return out
}

func transposeConversions(rows [][]parsedConversion, maxConv int) []Conversion {
	n := len(rows)
	out := make([]Conversion, maxConv)
	for j := range out {
		out[j] = Conversion{
			Ts:           make([]uint64, n),
			ConvValue:    make([]uint64, n),
			TargetID:     make([]uint64, n),
			ActionType:   make([]uint64, n),
			ConvMetadata: make([]uint64, n),
		}
		for i, row := range rows {
			conv := row[j]
			out[j].Ts[i] = conv.ts
			out[j].ConvValue[i] = conv.value
			out[j].TargetID[i] = conv.targetID
			out[j].ActionType[i] = conv.actionType
			out[j].ConvMetadata[i] = conv.metadata
		}
	}
	return out
}
