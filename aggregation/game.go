package aggregation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/attribution"
	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/oram"
)

// ConvMetrics is one revealed ad bucket.
type ConvMetrics struct {
	Convs uint32 `json:"convs"`
	Sales uint32 `json:"sales"`
}

// OutputMetrics maps rule -> aggregation format -> original ad id ->
// bucket.
type OutputMetrics map[string]map[string]map[string]ConvMetrics

// WriteFile persists the output JSON.
func (o OutputMetrics) WriteFile(path string) error {
	buf, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: cannot marshal aggregation output: %v", mpc.ErrIO, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: cannot write %s: %v", mpc.ErrIO, path, err)
	}
	return nil
}

// Game runs the aggregation computation for one party over one shard.
type Game struct {
	backend      mpc.Backend
	log          *zap.SugaredLogger
	inputEnc     mpc.InputEncryption
	visibility   mpc.Visibility
	useXorOutput bool
	useNewFormat bool
	concurrency  int
	oramFactory  oram.Factory
}

// NewGame binds a game to one backend instance. With visibility
// PublisherOnly buckets are read publicly to the publisher; otherwise they
// are read as additive shares, re-entered and revealed per useXorOutput.
func NewGame(b mpc.Backend, enc mpc.InputEncryption, visibility mpc.Visibility,
	useXorOutput, useNewFormat bool, concurrency int, factory oram.Factory,
	log *zap.SugaredLogger) *Game {
	return &Game{
		backend:      b,
		log:          log,
		inputEnc:     enc,
		visibility:   visibility,
		useXorOutput: useXorOutput,
		useNewFormat: useNewFormat,
		concurrency:  concurrency,
		oramFactory:  factory,
	}
}

// aggregationSlot is one (conversion x rows) batch of writes headed for the
// ORAM.
type aggregationSlot struct {
	hasAttributed mpc.SecBit
	adID          mpc.SecInt
	convValue     mpc.SecInt
}

type supportedFormat struct {
	id   uint64
	name string
}

var supportedFormats = []supportedFormat{{id: 1, name: Measurement}}

func formatFromName(name string) (supportedFormat, error) {
	for _, f := range supportedFormats {
		if f.name == name {
			return f, nil
		}
	}
	return supportedFormat{}, fmt.Errorf("%w: unknown aggregation format name %q", mpc.ErrPolicy, name)
}

func formatFromID(id uint64) (supportedFormat, error) {
	for _, f := range supportedFormats {
		if f.id == id {
			return f, nil
		}
	}
	return supportedFormat{}, fmt.Errorf("%w: unknown aggregation format id %d", mpc.ErrPolicy, id)
}

// shareFormats mirrors the rule-id exchange: the publisher names formats,
// the partner learns them by id.
func (g *Game) shareFormats(names []string) ([]supportedFormat, error) {
	var formats []supportedFormat
	var ids []uint64
	if g.backend.Role() == mpc.Publisher {
		for _, name := range names {
			f, err := formatFromName(name)
			if err != nil {
				return nil, err
			}
			formats = append(formats, f)
			ids = append(ids, f.id)
		}
	}
	shared, err := mpc.NewSecInt(g.backend, mpc.Publisher, formatIDWidth, ids)
	if err != nil {
		return nil, err
	}
	revealed, err := shared.OpenTo(mpc.Partner)
	if err != nil {
		return nil, err
	}
	if g.backend.Role() == mpc.Partner {
		for _, id := range revealed {
			f, err := formatFromID(id)
			if err != nil {
				return nil, err
			}
			formats = append(formats, f)
		}
	}
	return formats, nil
}

// retrieveValidOriginalAdIDs reveals the original ad ids to both parties
// (the buckets are keyed by them in the output) and returns the distinct
// sorted universe.
func (g *Game) retrieveValidOriginalAdIDs(touchpoints []attribution.Touchpoint) ([]uint64, error) {
	set := map[uint64]bool{}
	for j := range touchpoints {
		tp := &touchpoints[j]
		var sec mpc.SecInt
		var err error
		if g.inputEnc == mpc.Xor {
			sec, err = mpc.NewSecIntFromShares(g.backend, mpc.WidthID, tp.OriginalAdID)
		} else {
			sec, err = mpc.NewSecInt(g.backend, mpc.Publisher, mpc.WidthID, publisherLanes(g.backend, tp.OriginalAdID))
		}
		if err != nil {
			return nil, err
		}
		toPub, err := sec.OpenTo(mpc.Publisher)
		if err != nil {
			return nil, err
		}
		toPar, err := sec.OpenTo(mpc.Partner)
		if err != nil {
			return nil, err
		}
		if g.backend.Role() == mpc.Publisher {
			tp.OriginalAdID = toPub
		} else {
			tp.OriginalAdID = toPar
		}
		for _, adID := range tp.OriginalAdID {
			if adID > 0 {
				set[adID] = true
			}
		}
	}
	if len(set) > attribution.MaxAdIDs {
		return nil, fmt.Errorf("%w: %d distinct ad ids exceed the compressed id space of %d",
			mpc.ErrCapacity, len(set), attribution.MaxAdIDs)
	}
	out := make([]uint64, 0, len(set))
	for adID := range set {
		out = append(out, adID)
	}
	sortUint64(out)
	return out, nil
}

func publisherLanes(b mpc.Backend, lanes []uint64) []uint64 {
	if b.Role() == mpc.Publisher {
		return lanes
	}
	return nil
}

func sortUint64(v []uint64) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}

// ComputeAggregations runs the full aggregation game over one shard.
func (g *Game) ComputeAggregations(in *Input) (OutputMetrics, error) {
	batch := len(in.IDs)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty shard", mpc.ErrProtocolState)
	}
	g.log.Infow("running private aggregation", "rows", batch)

	formats, err := g.shareFormats(in.Formats)
	if err != nil {
		return nil, err
	}

	g.log.Info("sharing original ad ids")
	validAdIDs, err := g.retrieveValidOriginalAdIDs(in.Touchpoints)
	if err != nil {
		return nil, err
	}
	g.log.Infow("replacing original ad ids with compressed ad ids", "adIds", len(validAdIDs))
	replaceAdIDs(in.Touchpoints, validAdIDs)

	g.log.Info("sharing touchpoint and conversion metadata")
	tpAdIDs := make([]mpc.SecInt, len(in.Touchpoints))
	for j, tp := range in.Touchpoints {
		if tpAdIDs[j], err = mpc.NewSecInt(g.backend, mpc.Publisher, mpc.WidthAdID,
			publisherLanes(g.backend, tp.AdID)); err != nil {
			return nil, err
		}
	}
	convValues := make([]mpc.SecInt, len(in.Conversions))
	for j, conv := range in.Conversions {
		if g.inputEnc == mpc.Plaintext {
			convValues[j], err = mpc.NewSecInt(g.backend, mpc.Partner, mpc.WidthValue,
				partnerLanes(g.backend, conv.ConvValue))
		} else {
			convValues[j], err = mpc.NewSecIntFromShares(g.backend, mpc.WidthValue, conv.ConvValue)
		}
		if err != nil {
			return nil, err
		}
	}

	out := OutputMetrics{}
	for _, rule := range in.Rules {
		var slots []aggregationSlot
		if g.useNewFormat {
			slots, err = g.shareReformattedSlots(in.ReformattedShares[rule])
		} else {
			slots, err = g.foldDefaultShares(in.DefaultShares[rule], tpAdIDs, convValues, batch)
		}
		if err != nil {
			return nil, err
		}

		metrics, err := g.aggregateSlots(slots, validAdIDs, batch)
		if err != nil {
			return nil, err
		}
		out[rule] = map[string]map[string]ConvMetrics{formats[0].name: metrics}
		g.log.Infow("done computing aggregation", "format", formats[0].name, "rule", rule)
	}
	return out, nil
}

func partnerLanes(b mpc.Backend, lanes []uint64) []uint64 {
	if b.Role() == mpc.Partner {
		return lanes
	}
	return nil
}

func replaceAdIDs(touchpoints []attribution.Touchpoint, validAdIDs []uint64) {
	toCompressed := make(map[uint64]uint64, len(validAdIDs))
	for i, adID := range validAdIDs {
		toCompressed[adID] = uint64(i + 1)
	}
	for j := range touchpoints {
		tp := &touchpoints[j]
		for i, adID := range tp.OriginalAdID {
			tp.AdID[i] = toCompressed[adID]
		}
	}
}

// foldDefaultShares rebuilds per-conversion winners from the per-pair
// attribution bits, walking conversions and touchpoints newest to oldest
// exactly as the attribution scan emitted them.
func (g *Game) foldDefaultShares(pairs [][]bool, tpAdIDs, convValues []mpc.SecInt, batch int) ([]aggregationSlot, error) {
	numTP := len(tpAdIDs)
	numConv := len(convValues)
	if len(pairs) != numTP*numConv {
		return nil, fmt.Errorf("%w: attribution results length %d does not match %d pairs",
			mpc.ErrProtocolState, len(pairs), numTP*numConv)
	}

	pairBits := make([]mpc.SecBit, len(pairs))
	for p, lanes := range pairs {
		var err error
		if pairBits[p], err = mpc.NewSecBitFromShares(g.backend, lanes); err != nil {
			return nil, err
		}
	}

	var slots []aggregationSlot
	atIndex := len(pairBits) - 1
	for convIndex := numConv - 1; convIndex >= 0; convIndex-- {
		hasAttributed := mpc.NewPublicBit(g.backend, make([]bool, batch))
		attributedAdID := mpc.NewPublicInt(g.backend, mpc.WidthAdID, make([]uint64, batch))
		for tpIndex := numTP - 1; tpIndex >= 0; tpIndex-- {
			isAttributed := hasAttributed.Not().And(pairBits[atIndex])
			hasAttributed = hasAttributed.Or(isAttributed)
			attributedAdID = attributedAdID.Mux(isAttributed, tpAdIDs[tpIndex])
			atIndex--
		}
		slots = append(slots, aggregationSlot{
			hasAttributed: hasAttributed,
			adID:          attributedAdID,
			convValue:     convValues[convIndex],
		})
	}
	return slots, nil
}

// shareReformattedSlots enters the reformatted attribution shares; the
// winners were already resolved by the attribution stage.
func (g *Game) shareReformattedSlots(shared []ReformattedShareSlot) ([]aggregationSlot, error) {
	var slots []aggregationSlot
	for _, s := range shared {
		adID, err := mpc.NewSecIntFromShares(g.backend, mpc.WidthAdID, s.AdID)
		if err != nil {
			return nil, err
		}
		convValue, err := mpc.NewSecIntFromShares(g.backend, mpc.WidthValue, s.ConvValue)
		if err != nil {
			return nil, err
		}
		isAttributed, err := mpc.NewSecBitFromShares(g.backend, s.IsAttributed)
		if err != nil {
			return nil, err
		}
		slots = append(slots, aggregationSlot{
			hasAttributed: isAttributed,
			adID:          adID,
			convValue:     convValue,
		})
	}
	return slots, nil
}

// aggregateSlots writes every slot into the ORAM in transposed share
// layout, splitting into sequential batches under the factory's declared
// limit, then reads the buckets back per the visibility policy.
func (g *Game) aggregateSlots(slots []aggregationSlot, validAdIDs []uint64, batch int) (map[string]ConvMetrics, error) {
	oramSize := len(validAdIDs) + 1
	ram, err := g.oramFactory.Create(oramSize)
	if err != nil {
		return nil, err
	}
	maxBatch := g.oramFactory.MaxBatchSize(oramSize, g.concurrency)
	g.log.Infow("ORAM created", "size", oramSize, "maxBatchSize", maxBatch)

	zero := mpc.NewPublicInt(g.backend, oram.ConvWidth, make([]uint64, batch))
	one := mpc.NewPublicInt(g.backend, oram.SalesWidth, repeatLane(1, batch))

	for _, slot := range slots {
		sales := zero.Mux(slot.hasAttributed, one)
		convValue := zero.Mux(slot.hasAttributed, slot.convValue)

		indexShares := transposeShares(slot.adID.ExtractShares(), ram.IndexWidth())
		salesShares := transposeShares(sales.ExtractShares(), oram.SalesWidth)
		convShares := transposeShares(convValue.ExtractShares(), oram.ConvWidth)
		valueShares := append(salesShares, convShares...)

		for start := 0; start < batch; start += maxBatch {
			end := start + maxBatch
			if end > batch {
				end = batch
			}
			if err := ram.ObliviousAddBatch(
				sliceColumns(indexShares, start, end),
				sliceColumns(valueShares, start, end)); err != nil {
				return nil, err
			}
		}
	}
	return g.revealBuckets(ram, validAdIDs)
}

func repeatLane(x uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = x
	}
	return out
}

// transposeShares turns per-lane share words into width bit rows, LSB
// first.
func transposeShares(shares []uint64, width int) [][]bool {
	rows := make([][]bool, width)
	for k := range rows {
		rows[k] = make([]bool, len(shares))
		for i, s := range shares {
			rows[k][i] = (s>>uint(k))&1 == 1
		}
	}
	return rows
}

func sliceColumns(rows [][]bool, start, end int) [][]bool {
	out := make([][]bool, len(rows))
	for k := range rows {
		out[k] = rows[k][start:end]
	}
	return out
}

func (g *Game) revealBuckets(ram oram.WriteOnlyORAM, validAdIDs []uint64) (map[string]ConvMetrics, error) {
	out := map[string]ConvMetrics{}
	for i := 1; i <= len(validAdIDs); i++ {
		key := strconv.FormatUint(validAdIDs[i-1], 10)
		if g.visibility == mpc.PublisherOnly {
			v, err := ram.PublicRead(i, mpc.Publisher)
			if err != nil {
				return nil, err
			}
			out[key] = ConvMetrics{Convs: v.ConversionCount, Sales: v.ConversionValue}
			continue
		}

		// Convert the additive shares back into the computation by entering
		// each party's share as its private input and summing.
		share, err := ram.SecretRead(i)
		if err != nil {
			return nil, err
		}
		convs, err := g.recombineAdditive(uint64(share.ConversionCount))
		if err != nil {
			return nil, err
		}
		sales, err := g.recombineAdditive(uint64(share.ConversionValue))
		if err != nil {
			return nil, err
		}
		out[key] = ConvMetrics{Convs: uint32(convs), Sales: uint32(sales)}
	}
	return out, nil
}

func (g *Game) recombineAdditive(myShare uint64) (uint64, error) {
	fromPublisher, err := mpc.NewSecInt(g.backend, mpc.Publisher, oram.ConvWidth,
		publisherLanes(g.backend, []uint64{myShare}))
	if err != nil {
		return 0, err
	}
	fromPartner, err := mpc.NewSecInt(g.backend, mpc.Partner, oram.ConvWidth,
		partnerLanes(g.backend, []uint64{myShare}))
	if err != nil {
		return 0, err
	}
	sum := fromPublisher.Add(fromPartner)
	if g.useXorOutput {
		return sum.ExtractShares()[0], nil
	}
	toPub, err := sum.OpenTo(mpc.Publisher)
	if err != nil {
		return 0, err
	}
	toPar, err := sum.OpenTo(mpc.Partner)
	if err != nil {
		return 0, err
	}
	if g.backend.Role() == mpc.Publisher {
		return toPub[0], nil
	}
	return toPar[0], nil
}
