package lift

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

const (
	quickBits = 32
	fullBits  = 64
)

// purchaseValiditySlackSeconds is the contracted slack of the
// valid-purchase predicate: a purchase counts iff
// purchaseTs + 10s > opportunityTs.
const purchaseValiditySlackSeconds = 10

// Game runs the lift computation for one party over one shard.
type Game struct {
	backend      mpc.Backend
	log          *zap.SugaredLogger
	data         *InputData
	useXorOutput bool

	n       int
	numConv int

	numBreakdowns  int
	numCohorts     int
	publisherMasks []mpc.SecBit
	partnerMasks   []mpc.SecBit

	shouldSkipValues  bool
	valueWidth        int
	valueSquaredWidth int
}

// NewGame binds a lift game to one backend instance and this party's
// parsed shard.
func NewGame(b mpc.Backend, data *InputData, useXorOutput bool, log *zap.SugaredLogger) *Game {
	return &Game{
		backend:      b,
		log:          log,
		data:         data,
		useXorOutput: useXorOutput,
		numConv:      data.NumConversionsPerUser,
	}
}

// groupStreams holds the per-row intermediates of one population group,
// from which the overall metrics and every cohort and breakdown are
// reduced.
type groupStreams struct {
	isTest           bool
	population       mpc.SecBit
	events           []mpc.SecBit
	converter        mpc.SecBit
	numConvSquared   mpc.SecInt
	histBins         []mpc.SecBit
	match            mpc.SecBit
	impressions      mpc.SecInt
	clicks           mpc.SecInt
	spend            mpc.SecInt
	reach            mpc.SecBit
	reachedConv      []mpc.SecBit
	valueRows        []mpc.SecInt
	reachedValueRows []mpc.SecInt
	valueSquaredAcc  mpc.SecInt
}

type groupTotals struct {
	population         int64
	conversions        int64
	converters         int64
	value              int64
	valueSquared       int64
	numConvSquared     int64
	matchCount         int64
	impressions        int64
	clicks             int64
	spend              int64
	reach              int64
	reachedConversions int64
	reachedValue       int64
	convHistogram      []int64
}

// Play runs the full lift protocol and returns the grouped metrics under
// the configured output visibility.
func (g *Game) Play() (*GroupedLiftMetrics, error) {
	if err := g.validateNumRows(); err != nil {
		return nil, err
	}
	if err := g.initNumGroups(); err != nil {
		return nil, err
	}
	if err := g.initShouldSkipValues(); err != nil {
		return nil, err
	}
	if err := g.initBitsForValues(); err != nil {
		return nil, err
	}

	g.log.Infow("start calculation of lift metrics", "rows", g.n,
		"breakdowns", g.numBreakdowns, "cohorts", g.numCohorts)

	testPop, err := mpc.NewSecBit(g.backend, mpc.Publisher, g.publisherBits(g.data.TestPopulation))
	if err != nil {
		return nil, err
	}
	controlPop, err := mpc.NewSecBit(g.backend, mpc.Publisher, g.publisherBits(g.data.ControlPopulation))
	if err != nil {
		return nil, err
	}
	oppTs, err := mpc.NewSecInt(g.backend, mpc.Publisher, quickBits, g.publisherLanes(g.data.OpportunityTs))
	if err != nil {
		return nil, err
	}
	impressions, err := mpc.NewSecInt(g.backend, mpc.Publisher, fullBits, g.publisherLanes(g.data.NumImpressions))
	if err != nil {
		return nil, err
	}
	clicks, err := mpc.NewSecInt(g.backend, mpc.Publisher, fullBits, g.publisherLanes(g.data.NumClicks))
	if err != nil {
		return nil, err
	}
	spend, err := mpc.NewSecInt(g.backend, mpc.Publisher, fullBits, g.publisherLanes(g.data.TotalSpend))
	if err != nil {
		return nil, err
	}

	purchaseTs, err := g.sharePartnerColumns(g.data.PurchaseTs, quickBits)
	if err != nil {
		return nil, err
	}
	var purchaseValues, purchaseValuesSquared []mpc.SecInt
	if !g.shouldSkipValues {
		if purchaseValues, err = g.sharePartnerColumns(g.data.PurchaseValues, g.valueWidth); err != nil {
			return nil, err
		}
		if purchaseValuesSquared, err = g.sharePartnerColumns(g.data.PurchaseValuesSquared, g.valueSquaredWidth); err != nil {
			return nil, err
		}
	}

	valid := g.calculateValidPurchases(oppTs, purchaseTs)

	out := &GroupedLiftMetrics{
		CohortMetrics:       make([]LiftMetrics, g.numCohorts),
		PublisherBreakdowns: make([]LiftMetrics, g.numBreakdowns),
	}

	for _, group := range []struct {
		isTest bool
		pop    mpc.SecBit
	}{
		{isTest: true, pop: testPop},
		{isTest: false, pop: controlPop},
	} {
		streams := g.buildStreams(group.isTest, group.pop, valid, oppTs, purchaseTs,
			purchaseValues, purchaseValuesSquared, impressions, clicks, spend)

		totals, err := g.reduceGroup(streams, nil)
		if err != nil {
			return nil, err
		}
		applyTotals(&out.Metrics, totals, group.isTest)

		for i := 0; i < g.numBreakdowns; i++ {
			mask := g.publisherMasks[i]
			totals, err := g.reduceGroup(streams, &mask)
			if err != nil {
				return nil, err
			}
			applyTotals(&out.PublisherBreakdowns[i], totals, group.isTest)
		}
		for i := 0; i < g.numCohorts; i++ {
			mask := g.partnerMasks[i]
			totals, err := g.reduceGroup(streams, &mask)
			if err != nil {
				return nil, err
			}
			applyTotals(&out.CohortMetrics[i], totals, group.isTest)
		}
	}
	return out, nil
}

func (g *Game) publisherBits(v []bool) []bool {
	if g.backend.Role() == mpc.Publisher {
		return v
	}
	return nil
}

func (g *Game) publisherLanes(v []uint64) []uint64 {
	if g.backend.Role() == mpc.Publisher {
		return v
	}
	return nil
}

// validateNumRows exchanges and asserts the two parties' row counts.
func (g *Game) validateNumRows() error {
	mine := uint64(g.data.NumRows)
	pubRows, err := g.exchangeScalar(mpc.Publisher, mine)
	if err != nil {
		return err
	}
	parRows, err := g.exchangeScalar(mpc.Partner, mine)
	if err != nil {
		return err
	}
	if pubRows != parRows {
		return fmt.Errorf("%w: publisher has %d rows, partner has %d rows",
			mpc.ErrProtocolState, pubRows, parRows)
	}
	g.n = int(pubRows)
	return nil
}

// exchangeScalar enters owner's value and reveals it to both parties.
func (g *Game) exchangeScalar(owner mpc.Party, mine uint64) (uint64, error) {
	var lanes []uint64
	if g.backend.Role() == owner {
		lanes = []uint64{mine}
	}
	sec, err := mpc.NewSecInt(g.backend, owner, fullBits, lanes)
	if err != nil {
		return 0, err
	}
	return revealPublicScalar(g.backend, sec)
}

func revealPublicScalar(b mpc.Backend, x mpc.SecInt) (uint64, error) {
	toPub, err := x.OpenTo(mpc.Publisher)
	if err != nil {
		return 0, err
	}
	toPar, err := x.OpenTo(mpc.Partner)
	if err != nil {
		return 0, err
	}
	if b.Role() == mpc.Publisher {
		return toPub[0], nil
	}
	return toPar[0], nil
}

// initNumGroups shares the group counts and pre-shares the per-group
// bitmasks used throughout the computation.
func (g *Game) initNumGroups() error {
	numBreakdowns, err := g.exchangeScalar(mpc.Publisher, uint64(g.data.NumBreakdowns))
	if err != nil {
		return err
	}
	numCohorts, err := g.exchangeScalar(mpc.Partner, uint64(g.data.NumCohorts))
	if err != nil {
		return err
	}
	g.numBreakdowns = int(numBreakdowns)
	g.numCohorts = int(numCohorts)

	for i := 0; i < g.numBreakdowns; i++ {
		var lanes []bool
		if g.backend.Role() == mpc.Publisher {
			lanes = g.data.BitmaskForBreakdown(i)
		}
		mask, err := mpc.NewSecBit(g.backend, mpc.Publisher, lanes)
		if err != nil {
			return err
		}
		g.publisherMasks = append(g.publisherMasks, mask)
	}
	for i := 0; i < g.numCohorts; i++ {
		var lanes []bool
		if g.backend.Role() == mpc.Partner {
			lanes = g.data.BitmaskForCohort(i)
		}
		mask, err := mpc.NewSecBit(g.backend, mpc.Partner, lanes)
		if err != nil {
			return err
		}
		g.partnerMasks = append(g.partnerMasks, mask)
	}
	return nil
}

// initShouldSkipValues shares the partner's single bit indicating the
// values column was omitted.
func (g *Game) initShouldSkipValues() error {
	var lanes []bool
	if g.backend.Role() == mpc.Partner {
		lanes = []bool{!g.data.HasValues}
	}
	bit, err := mpc.NewSecBit(g.backend, mpc.Partner, lanes)
	if err != nil {
		return err
	}
	toPub, err := bit.OpenTo(mpc.Publisher)
	if err != nil {
		return err
	}
	toPar, err := bit.OpenTo(mpc.Partner)
	if err != nil {
		return err
	}
	if g.backend.Role() == mpc.Publisher {
		g.shouldSkipValues = toPub[0]
	} else {
		g.shouldSkipValues = toPar[0]
	}
	g.log.Infow("determined value handling", "shouldSkipValues", g.shouldSkipValues)
	return nil
}

// initBitsForValues negotiates the accumulator widths for values and
// squared values: 32 bits when they fit, 64 otherwise.
func (g *Game) initBitsForValues() error {
	g.valueWidth = quickBits
	g.valueSquaredWidth = quickBits
	if g.shouldSkipValues {
		return nil
	}
	valueBits, err := g.exchangeScalar(mpc.Partner, uint64(g.data.NumBitsForValue()))
	if err != nil {
		return err
	}
	valueSquaredBits, err := g.exchangeScalar(mpc.Partner, uint64(g.data.NumBitsForValueSquared()))
	if err != nil {
		return err
	}
	if valueBits > quickBits {
		g.valueWidth = fullBits
	}
	if valueSquaredBits > quickBits {
		g.valueSquaredWidth = fullBits
	}
	g.log.Infow("negotiated value widths", "value", g.valueWidth, "valueSquared", g.valueSquaredWidth)
	return nil
}

// sharePartnerColumns enters one partner-owned purchase column set, one
// secret batch per conversion slot.
func (g *Game) sharePartnerColumns(rows [][]uint64, width int) ([]mpc.SecInt, error) {
	out := make([]mpc.SecInt, g.numConv)
	for k := 0; k < g.numConv; k++ {
		var lanes []uint64
		if g.backend.Role() == mpc.Partner {
			lanes = make([]uint64, len(rows))
			for i, row := range rows {
				lanes[i] = row[k]
			}
		}
		sec, err := mpc.NewSecInt(g.backend, mpc.Partner, width, lanes)
		if err != nil {
			return nil, err
		}
		out[k] = sec
	}
	return out, nil
}

// calculateValidPurchases computes the validity bit of every purchase slot:
// purchaseTs + 10 > opportunityTs.
func (g *Game) calculateValidPurchases(oppTs mpc.SecInt, purchaseTs []mpc.SecInt) []mpc.SecBit {
	slack := mpc.NewPublicInt(g.backend, quickBits, repeatLanes(purchaseValiditySlackSeconds, g.n))
	out := make([]mpc.SecBit, len(purchaseTs))
	for k, ts := range purchaseTs {
		out[k] = oppTs.Lt(ts.Add(slack))
	}
	return out
}

func repeatLanes(x uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = x
	}
	return out
}

// buildStreams computes every per-row intermediate of one population
// group. Walking the ordered purchase slots, the squared-conversion-count
// accumulator freezes at the first valid purchase, at the square of the
// number of slots from that purchase to the end of the padded purchase
// array (that purchase included); the histogram bin of that slot count is
// set. Later slots are counted whether or not they are valid purchases.
func (g *Game) buildStreams(isTest bool, pop mpc.SecBit, valid []mpc.SecBit,
	oppTs mpc.SecInt, purchaseTs, purchaseValues, purchaseValuesSquared []mpc.SecInt,
	impressions, clicks, spend mpc.SecInt) *groupStreams {

	s := &groupStreams{isTest: isTest, population: pop}
	b := g.backend

	zero64 := mpc.NewPublicInt(b, fullBits, make([]uint64, g.n))
	zero32 := mpc.NewPublicInt(b, quickBits, make([]uint64, g.n))

	seen := mpc.NewPublicBit(b, make([]bool, g.n))
	numConvSquared := zero64
	s.histBins = make([]mpc.SecBit, g.numConv+1)
	for k := 0; k < g.numConv; k++ {
		cond := pop.And(valid[k])
		newPurchase := cond.And(seen.Not())
		s.events = append(s.events, cond)

		remaining := uint64(g.numConv - k)
		frozen := mpc.NewPublicInt(b, fullBits, repeatLanes(remaining*remaining, g.n))
		numConvSquared = numConvSquared.Mux(newPurchase, frozen)

		s.histBins[remaining] = newPurchase
		seen = seen.Or(cond)
	}
	s.histBins[0] = pop.And(seen.Not())
	s.converter = seen
	s.numConvSquared = numConvSquared

	// A match is a row with a real opportunity and any nonzero purchase.
	validOpp := pop.And(zero32.Lt(oppTs))
	anyPurchase := mpc.NewPublicBit(b, make([]bool, g.n))
	for _, ts := range purchaseTs {
		anyPurchase = anyPurchase.Or(zero32.Lt(ts))
	}
	s.match = validOpp.And(anyPurchase)

	s.impressions = zero64.Mux(pop, impressions)
	s.clicks = zero64.Mux(pop, clicks)
	s.spend = zero64.Mux(pop, spend)
	s.reach = pop.And(zero64.Lt(impressions))

	if isTest {
		for k := 0; k < g.numConv; k++ {
			s.reachedConv = append(s.reachedConv, valid[k].And(s.reach))
		}
	}

	if !g.shouldSkipValues {
		zeroV := mpc.NewPublicInt(b, g.valueWidth, make([]uint64, g.n))
		for k := 0; k < g.numConv; k++ {
			row := zeroV.Mux(s.events[k], purchaseValues[k])
			s.valueRows = append(s.valueRows, row)
			if isTest {
				s.reachedValueRows = append(s.reachedValueRows, zeroV.Mux(s.reach, row))
			}
		}

		zeroSq := mpc.NewPublicInt(b, g.valueSquaredWidth, make([]uint64, g.n))
		acc := zeroSq
		took := mpc.NewPublicBit(b, make([]bool, g.n))
		for k := 0; k < g.numConv; k++ {
			cond := s.events[k].And(took.Not())
			acc = acc.Mux(cond, purchaseValuesSquared[k])
			took = took.Or(s.events[k])
		}
		s.valueSquaredAcc = acc
	}
	return s
}

func (g *Game) maskBit(x mpc.SecBit, mask *mpc.SecBit) mpc.SecBit {
	if mask == nil {
		return x
	}
	return x.And(*mask)
}

func (g *Game) maskInt(x mpc.SecInt, mask *mpc.SecBit) mpc.SecInt {
	if mask == nil {
		return x
	}
	zero := mpc.NewPublicInt(g.backend, x.Width(), make([]uint64, x.Lanes()))
	return zero.Mux(*mask, x)
}

// sumBits counts set bits across a set of per-row bit streams.
func (g *Game) sumBits(streams []mpc.SecBit, mask *mpc.SecBit) (int64, error) {
	total := mpc.NewPublicInt(g.backend, fullBits, make([]uint64, g.n))
	for _, s := range streams {
		total = total.Add(g.maskBit(s, mask).ToInt(fullBits))
	}
	return g.revealSum(total.LaneSum())
}

func (g *Game) sumInts(streams []mpc.SecInt, mask *mpc.SecBit) (int64, error) {
	if len(streams) == 0 {
		return 0, nil
	}
	total := mpc.NewPublicInt(g.backend, streams[0].Width(), make([]uint64, g.n))
	for _, s := range streams {
		total = total.Add(g.maskInt(s, mask))
	}
	return g.revealSum(total.LaneSum())
}

// revealSum applies the output visibility to one single-lane total.
func (g *Game) revealSum(x mpc.SecInt) (int64, error) {
	if g.useXorOutput {
		return int64(x.ExtractShares()[0]), nil
	}
	v, err := revealPublicScalar(g.backend, x)
	return int64(v), err
}

// reduceGroup reduces one group's streams into scalar totals, AND-masking
// every stream when a cohort or breakdown mask is given.
func (g *Game) reduceGroup(s *groupStreams, mask *mpc.SecBit) (groupTotals, error) {
	var t groupTotals
	var err error

	if t.population, err = g.sumBits([]mpc.SecBit{s.population}, mask); err != nil {
		return t, err
	}
	if t.conversions, err = g.sumBits(s.events, mask); err != nil {
		return t, err
	}
	if t.converters, err = g.sumBits([]mpc.SecBit{s.converter}, mask); err != nil {
		return t, err
	}
	if t.numConvSquared, err = g.sumInts([]mpc.SecInt{s.numConvSquared}, mask); err != nil {
		return t, err
	}
	t.convHistogram = make([]int64, len(s.histBins))
	for bin, bits := range s.histBins {
		if t.convHistogram[bin], err = g.sumBits([]mpc.SecBit{bits}, mask); err != nil {
			return t, err
		}
	}
	if t.matchCount, err = g.sumBits([]mpc.SecBit{s.match}, mask); err != nil {
		return t, err
	}
	if t.impressions, err = g.sumInts([]mpc.SecInt{s.impressions}, mask); err != nil {
		return t, err
	}
	if t.clicks, err = g.sumInts([]mpc.SecInt{s.clicks}, mask); err != nil {
		return t, err
	}
	if t.spend, err = g.sumInts([]mpc.SecInt{s.spend}, mask); err != nil {
		return t, err
	}
	if t.reach, err = g.sumBits([]mpc.SecBit{s.reach}, mask); err != nil {
		return t, err
	}
	if s.isTest {
		if t.reachedConversions, err = g.sumBits(s.reachedConv, mask); err != nil {
			return t, err
		}
	}
	if !g.shouldSkipValues {
		if t.value, err = g.sumInts(s.valueRows, mask); err != nil {
			return t, err
		}
		if t.valueSquared, err = g.sumInts([]mpc.SecInt{s.valueSquaredAcc}, mask); err != nil {
			return t, err
		}
		if s.isTest {
			if t.reachedValue, err = g.sumInts(s.reachedValueRows, mask); err != nil {
				return t, err
			}
		}
	}
	return t, nil
}

func applyTotals(m *LiftMetrics, t groupTotals, isTest bool) {
	if isTest {
		m.TestPopulation = t.population
		m.TestConversions = t.conversions
		m.TestConverters = t.converters
		m.TestValue = t.value
		m.TestValueSquared = t.valueSquared
		m.TestNumConvSquared = t.numConvSquared
		m.TestMatchCount = t.matchCount
		m.TestImpressions = t.impressions
		m.TestClicks = t.clicks
		m.TestSpend = t.spend
		m.TestReach = t.reach
		m.ReachedConversions = t.reachedConversions
		m.ReachedValue = t.reachedValue
		m.TestConvHistogram = t.convHistogram
	} else {
		m.ControlPopulation = t.population
		m.ControlConversions = t.conversions
		m.ControlConverters = t.converters
		m.ControlValue = t.value
		m.ControlValueSquared = t.valueSquared
		m.ControlNumConvSquared = t.numConvSquared
		m.ControlMatchCount = t.matchCount
		m.ControlImpressions = t.impressions
		m.ControlClicks = t.clicks
		m.ControlSpend = t.spend
		m.ControlReach = t.reach
		m.ControlConvHistogram = t.convHistogram
	}
}
