package attribution

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// CompressedAdIDMapping is the sidecar written next to the attribution
// output: compressed id (as a string key) to original 64-bit ad id.
type CompressedAdIDMapping map[string]uint64

// WriteFile persists the mapping as JSON.
func (m CompressedAdIDMapping) WriteFile(path string) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: cannot marshal ad-id mapping: %v", mpc.ErrIO, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: cannot write %s: %v", mpc.ErrIO, path, err)
	}
	return nil
}

// retrieveValidOriginalAdIDs collects the distinct nonzero original ad ids
// across all touchpoint slots, sorted ascending. Under XOR input the ids
// are first revealed to the publisher only, and the revealed lanes replace
// the share lanes in place.
func retrieveValidOriginalAdIDs(b mpc.Backend, touchpoints []Touchpoint, enc mpc.InputEncryption) ([]uint64, error) {
	set := map[uint64]bool{}
	for j := range touchpoints {
		tp := &touchpoints[j]
		if enc == mpc.Xor {
			secAdID, err := mpc.NewSecIntFromShares(b, mpc.WidthID, tp.OriginalAdID)
			if err != nil {
				return nil, err
			}
			revealed, err := secAdID.OpenTo(mpc.Publisher)
			if err != nil {
				return nil, err
			}
			tp.OriginalAdID = revealed
		}
		for _, adID := range tp.OriginalAdID {
			if adID > 0 {
				set[adID] = true
			}
		}
	}
	if len(set) > MaxAdIDs {
		return nil, fmt.Errorf("%w: %d distinct ad ids exceed the compressed id space of %d",
			mpc.ErrCapacity, len(set), MaxAdIDs)
	}
	out := make([]uint64, 0, len(set))
	for adID := range set {
		out = append(out, adID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// buildMapping assigns sequential 1-based compressed ids; 0 stays reserved
// for "no ad".
func buildMapping(validOriginalAdIDs []uint64) CompressedAdIDMapping {
	mapping := CompressedAdIDMapping{}
	for i, adID := range validOriginalAdIDs {
		mapping[strconv.Itoa(i+1)] = adID
	}
	return mapping
}

// replaceAdIDWithCompressedAdID relabels the touchpoint lanes with the
// compressed ids in place.
func replaceAdIDWithCompressedAdID(touchpoints []Touchpoint, validOriginalAdIDs []uint64) {
	toCompressed := make(map[uint64]uint64, len(validOriginalAdIDs))
	for i, adID := range validOriginalAdIDs {
		toCompressed[adID] = uint64(i + 1)
	}
	for j := range touchpoints {
		tp := &touchpoints[j]
		for i, adID := range tp.OriginalAdID {
			tp.AdID[i] = toCompressed[adID]
		}
	}
}
