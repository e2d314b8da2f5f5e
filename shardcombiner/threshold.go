package shardcombiner

import (
	"fmt"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// HiddenMetricSentinel is the public value masked-out leaves reveal as.
const HiddenMetricSentinel = -1

// DefaultAnonymityThreshold is the default k-anonymity bar.
const DefaultAnonymityThreshold = 100

// thresholdGate masks small-population lift leaves: for every metrics
// dict, pass := (testConverters + controlConverters) >= threshold, and each
// scalar leaf other than the populations becomes sentinel unless pass
// holds. The gate applies independently to the overall metrics, each
// cohort, and each breakdown. Ad-object shards pass through untouched.
type thresholdGate struct {
	backend   mpc.Backend
	schema    ShardSchemaType
	threshold *Metric
	sentinel  *Metric
}

func newThresholdGate(b mpc.Backend, schema ShardSchemaType, threshold, sentinel int64, xorInput bool) *thresholdGate {
	g := &thresholdGate{
		backend:   b,
		schema:    schema,
		threshold: NewValue(threshold),
		sentinel:  NewValue(sentinel),
	}
	if xorInput {
		g.threshold.UpdateSecFromPublic(b)
		g.sentinel.UpdateSecFromPublic(b)
	}
	return g
}

func (g *thresholdGate) apply(result *Metric) error {
	if g.schema != GroupedLiftMetricsFormat {
		return nil
	}
	if result.Type() != DictMetric {
		return fmt.Errorf("%w: threshold gate expects a dict root", mpc.ErrSchema)
	}

	if err := g.gateMetricsDict(result.At("metrics")); err != nil {
		return err
	}
	for _, listKey := range []string{"cohortMetrics", "publisherBreakdowns"} {
		for _, child := range result.At(listKey).List() {
			if err := g.gateMetricsDict(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *thresholdGate) gateMetricsDict(metrics *Metric) error {
	if metrics == nil || metrics.Type() != DictMetric {
		return fmt.Errorf("%w: lift metrics node must be a dict", mpc.ErrSchema)
	}
	pass, err := g.checkThreshold(metrics)
	if err != nil {
		return err
	}
	for _, k := range metrics.Keys() {
		if k == "testPopulation" || k == "controlPopulation" {
			continue
		}
		leaf := metrics.At(k)
		if leaf.Type() != ValueMetric {
			continue
		}
		leaf.Mux(pass, g.sentinel)
	}
	return nil
}

func (g *thresholdGate) checkThreshold(metrics *Metric) (condBit, error) {
	testConverters := metrics.At("testConverters")
	controlConverters := metrics.At("controlConverters")
	if testConverters == nil || controlConverters == nil {
		return condBit{}, fmt.Errorf("%w: lift metrics miss the converter counters", mpc.ErrSchema)
	}

	sum := NewLike(testConverters)
	if testConverters.hasSec {
		sum.UpdateSecFromPublic(g.backend)
	}
	if err := Accumulate(sum, controlConverters); err != nil {
		return condBit{}, err
	}
	if err := Accumulate(sum, testConverters); err != nil {
		return condBit{}, err
	}
	return sum.GreaterOrEqual(g.threshold), nil
}
