package attribution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Game runs the attribution computation for one party over one shard.
type Game struct {
	backend      mpc.Backend
	log          *zap.SugaredLogger
	inputEnc     mpc.InputEncryption
	useNewFormat bool
	useXorOutput bool
}

// NewGame returns a game bound to one backend instance. useNewFormat
// selects the reformatted (adId, convValue, isAttributed) output;
// useXorOutput reveals every output field as an XOR share instead of
// cleartext.
func NewGame(b mpc.Backend, enc mpc.InputEncryption, useNewFormat, useXorOutput bool, log *zap.SugaredLogger) *Game {
	return &Game{
		backend:      b,
		log:          log,
		inputEnc:     enc,
		useNewFormat: useNewFormat,
		useXorOutput: useXorOutput,
	}
}

// reformattedSlot is one conversion's reformatted result, still secret.
type reformattedSlot struct {
	adID         mpc.SecInt
	convValue    mpc.SecInt
	isAttributed mpc.SecBit
}

// ComputeAttributions runs every selected rule over the shard and returns
// the revealed output together with the compressed-ad-id mapping (empty
// unless the reformatted output format is in use).
func (g *Game) ComputeAttributions(in *Input) (*OutputMetrics, CompressedAdIDMapping, error) {
	batch := len(in.IDs)
	if batch == 0 {
		return nil, nil, fmt.Errorf("%w: empty shard", mpc.ErrProtocolState)
	}
	g.log.Infow("running attribution", "rows", batch)

	mapping := CompressedAdIDMapping{}
	if g.useNewFormat {
		g.log.Info("retrieving original ad ids")
		validAdIDs, err := retrieveValidOriginalAdIDs(g.backend, in.Touchpoints, g.inputEnc)
		if err != nil {
			return nil, nil, err
		}
		mapping = buildMapping(validAdIDs)
		replaceAdIDWithCompressedAdID(in.Touchpoints, validAdIDs)
	}

	g.log.Info("privately sharing touchpoints")
	tps := make([]PrivateTouchpoint, len(in.Touchpoints))
	for j, tp := range in.Touchpoints {
		var err error
		if tps[j], err = shareTouchpoint(g.backend, g.inputEnc, tp); err != nil {
			return nil, nil, err
		}
	}
	g.log.Info("privately sharing conversions")
	convs := make([]PrivateConversion, len(in.Conversions))
	for j, conv := range in.Conversions {
		var err error
		if convs[j], err = shareConversion(g.backend, g.inputEnc, conv); err != nil {
			return nil, nil, err
		}
	}

	rules, err := g.shareRules(in.Rules)
	if err != nil {
		return nil, nil, err
	}

	out := newOutputMetrics(g.useNewFormat)
	for _, rule := range rules {
		g.log.Infow("computing thresholds", "rule", rule.Name)
		thresholds, err := g.shareThresholds(in.Touchpoints, tps, rule, batch)
		if err != nil {
			return nil, nil, err
		}

		g.log.Infow("computing attributions", "rule", rule.Name)
		if g.useNewFormat {
			slots, err := g.computeReformatted(tps, convs, rule, thresholds, batch)
			if err != nil {
				return nil, nil, err
			}
			if err := out.addReformatted(g, rule.Name, in.IDs, slots); err != nil {
				return nil, nil, err
			}
		} else {
			bits, err := g.computeDefault(tps, convs, rule, thresholds, batch)
			if err != nil {
				return nil, nil, err
			}
			if err := out.addDefault(g, rule.Name, in.IDs, bits); err != nil {
				return nil, nil, err
			}
		}
		g.log.Infow("done computing attributions", "rule", rule.Name)
	}
	return out, mapping, nil
}

// shareRules resolves the publisher's rule names and transfers the rule ids
// to the partner through the shared id vector.
func (g *Game) shareRules(names []string) ([]*Rule, error) {
	var rules []*Rule
	var ids []uint64
	if g.backend.Role() == mpc.Publisher {
		for _, name := range names {
			rule, err := RuleFromName(name)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
			ids = append(ids, uint64(rule.ID))
		}
	}

	shared, err := mpc.NewSecInt(g.backend, mpc.Publisher, ruleIDWidth, ids)
	if err != nil {
		return nil, err
	}
	revealed, err := shared.OpenTo(mpc.Partner)
	if err != nil {
		return nil, err
	}
	if g.backend.Role() == mpc.Partner {
		for _, id := range revealed {
			rule, err := RuleFromID(id)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// shareThresholds derives one threshold vector per touchpoint slot. With
// cleartext publisher input the thresholds are computed in the clear and
// entered as publisher inputs; under XOR input they are derived inside the
// computation.
func (g *Game) shareThresholds(clear []Touchpoint, tps []PrivateTouchpoint, rule *Rule, batch int) ([][]mpc.SecInt, error) {
	out := make([][]mpc.SecInt, len(tps))
	if g.inputEnc != mpc.Xor {
		for j := range tps {
			var lanes [][]uint64
			if g.backend.Role() == mpc.Publisher {
				lanes = rule.ComputeThresholdsPlaintext(clear[j])
			} else {
				lanes = make([][]uint64, rule.NumThresholds)
			}
			if len(lanes) != rule.NumThresholds {
				return nil, fmt.Errorf("%w: rule %s produced %d thresholds, want %d",
					mpc.ErrProtocolState, rule.Name, len(lanes), rule.NumThresholds)
			}
			for _, l := range lanes {
				sec, err := mpc.NewSecInt(g.backend, mpc.Publisher, mpc.WidthTimestamp, l)
				if err != nil {
					return nil, err
				}
				out[j] = append(out[j], sec)
			}
		}
		return out, nil
	}

	if batch == 0 {
		return nil, fmt.Errorf("%w: must provide positive batch size for batch execution", mpc.ErrProtocolState)
	}
	for j := range tps {
		isClick, err := shareIsClick(g.backend, g.inputEnc, clear[j])
		if err != nil {
			return nil, err
		}
		out[j] = rule.ComputeThresholdsPrivate(g.backend, tps[j], isClick, batch)
	}
	return out, nil
}

// computeDefault walks conversions and touchpoints newest to oldest so the
// first attributable touchpoint found is also the preferred (most recent)
// one; the !hasAttributed guard then keeps every later candidate out. The
// result is one bit per (conversion, touchpoint) pair, restored to
// oldest-first order.
func (g *Game) computeDefault(tps []PrivateTouchpoint, convs []PrivateConversion,
	rule *Rule, thresholds [][]mpc.SecInt, batch int) ([]mpc.SecBit, error) {

	if err := checkScanInputs(tps, thresholds, batch); err != nil {
		return nil, err
	}

	var attributions []mpc.SecBit
	for c := len(convs) - 1; c >= 0; c-- {
		conv := convs[c]
		hasAttributed := mpc.NewPublicBit(g.backend, make([]bool, batch))

		for j := len(tps) - 1; j >= 0; j-- {
			attributable := rule.IsAttributable(tps[j], conv, thresholds[j])
			isAttributed := attributable.And(hasAttributed.Not())
			hasAttributed = isAttributed.Or(hasAttributed)
			attributions = append(attributions, isAttributed)
		}
	}
	reverseBits(attributions)
	return attributions, nil
}

// computeReformatted is the reverse scan carrying the winning compressed ad
// id through a mux chain, one result per conversion.
func (g *Game) computeReformatted(tps []PrivateTouchpoint, convs []PrivateConversion,
	rule *Rule, thresholds [][]mpc.SecInt, batch int) ([]reformattedSlot, error) {

	if err := checkScanInputs(tps, thresholds, batch); err != nil {
		return nil, err
	}

	var slots []reformattedSlot
	for c := len(convs) - 1; c >= 0; c-- {
		conv := convs[c]
		hasAttributed := mpc.NewPublicBit(g.backend, make([]bool, batch))
		attributedAdID := mpc.NewPublicInt(g.backend, mpc.WidthAdID, make([]uint64, batch))

		for j := len(tps) - 1; j >= 0; j-- {
			attributable := rule.IsAttributable(tps[j], conv, thresholds[j])
			isAttributed := attributable.And(hasAttributed.Not())
			hasAttributed = isAttributed.Or(hasAttributed)
			attributedAdID = attributedAdID.Mux(isAttributed, tps[j].AdID)
		}
		slots = append(slots, reformattedSlot{
			adID:         attributedAdID,
			convValue:    conv.ConvValue,
			isAttributed: hasAttributed,
		})
	}
	reverseSlots(slots)
	return slots, nil
}

func checkScanInputs(tps []PrivateTouchpoint, thresholds [][]mpc.SecInt, batch int) error {
	if batch == 0 {
		return fmt.Errorf("%w: must provide positive batch size for batch execution", mpc.ErrProtocolState)
	}
	if len(thresholds) != len(tps) {
		return fmt.Errorf("%w: touchpoints and thresholds are not the same length (%d vs %d)",
			mpc.ErrProtocolState, len(tps), len(thresholds))
	}
	for _, th := range thresholds {
		if len(th) == 0 {
			return fmt.Errorf("%w: empty threshold vector", mpc.ErrProtocolState)
		}
	}
	return nil
}

func reverseBits(v []mpc.SecBit) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

func reverseSlots(v []reformattedSlot) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// revealBits applies the output visibility policy to one secret bit batch.
func (g *Game) revealBits(x mpc.SecBit) ([]bool, error) {
	if g.useXorOutput {
		return x.ExtractShares(), nil
	}
	return revealPublicBits(g.backend, x)
}

func (g *Game) revealInts(x mpc.SecInt) ([]uint64, error) {
	if g.useXorOutput {
		return x.ExtractShares(), nil
	}
	return revealPublicInts(g.backend, x)
}

func revealPublicBits(b mpc.Backend, x mpc.SecBit) ([]bool, error) {
	toPub, err := x.OpenTo(mpc.Publisher)
	if err != nil {
		return nil, err
	}
	toPar, err := x.OpenTo(mpc.Partner)
	if err != nil {
		return nil, err
	}
	if b.Role() == mpc.Publisher {
		return toPub, nil
	}
	return toPar, nil
}

func revealPublicInts(b mpc.Backend, x mpc.SecInt) ([]uint64, error) {
	toPub, err := x.OpenTo(mpc.Publisher)
	if err != nil {
		return nil, err
	}
	toPar, err := x.OpenTo(mpc.Partner)
	if err != nil {
		return nil, err
	}
	if b.Role() == mpc.Publisher {
		return toPub, nil
	}
	return toPar, nil
}
