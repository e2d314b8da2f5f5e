package shardcombiner

import (
	"fmt"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// ShardSchemaType names the two shard file schemas the combiner accepts.
type ShardSchemaType int

const (
	// AdObjectFormat is the aggregation output tree:
	// rule -> {"measurement": {adId: {convs, sales}}}.
	AdObjectFormat ShardSchemaType = iota
	// GroupedLiftMetricsFormat is the grouped lift output:
	// {metrics, cohortMetrics, publisherBreakdowns}.
	GroupedLiftMetricsFormat
)

// ValidateShard checks one parsed shard against the schema, before any
// combining happens. Violations are fatal.
func ValidateShard(schema ShardSchemaType, shard *Metric) error {
	switch schema {
	case AdObjectFormat:
		return validateAdObject(shard)
	case GroupedLiftMetricsFormat:
		return validateGroupedLift(shard)
	default:
		return fmt.Errorf("%w: unknown shard schema %d", mpc.ErrPolicy, schema)
	}
}

func validateAdObject(shard *Metric) error {
	if shard.Type() != DictMetric {
		return fmt.Errorf("%w: ad-object shard root must be a dict", mpc.ErrSchema)
	}
	for _, rule := range shard.Keys() {
		ruleNode := shard.At(rule)
		if ruleNode.Type() != DictMetric {
			return fmt.Errorf("%w: rule %q must map to a dict", mpc.ErrSchema, rule)
		}
		measurement := ruleNode.At(Measurement)
		if measurement == nil {
			return fmt.Errorf("%w: rule %q misses the %q key", mpc.ErrSchema, rule, Measurement)
		}
		if measurement.Type() != DictMetric {
			return fmt.Errorf("%w: rule %q measurement must be a dict", mpc.ErrSchema, rule)
		}
		for _, adID := range measurement.Keys() {
			entry := measurement.At(adID)
			if entry.Type() != DictMetric {
				return fmt.Errorf("%w: rule %q ad id %q must map to a dict", mpc.ErrSchema, rule, adID)
			}
			for _, field := range entry.Keys() {
				if entry.At(field).Type() != ValueMetric {
					return fmt.Errorf("%w: rule %q ad id %q field %q must be a value",
						mpc.ErrSchema, rule, adID, field)
				}
			}
		}
	}
	return nil
}

// Measurement is the aggregation format key inside ad-object shards.
const Measurement = "measurement"

var groupedLiftKeys = []string{"metrics", "cohortMetrics", "publisherBreakdowns"}

func validateGroupedLift(shard *Metric) error {
	if shard.Type() != DictMetric {
		return fmt.Errorf("%w: grouped-lift shard root must be a dict", mpc.ErrSchema)
	}
	keys := shard.Keys()
	if len(keys) != len(groupedLiftKeys) {
		return fmt.Errorf("%w: grouped-lift shard root must hold exactly %v, got %v",
			mpc.ErrSchema, groupedLiftKeys, keys)
	}
	for _, k := range groupedLiftKeys {
		if shard.At(k) == nil {
			return fmt.Errorf("%w: grouped-lift shard misses required key %q", mpc.ErrSchema, k)
		}
	}

	if err := validateLiftMetricsDict(shard.At("metrics")); err != nil {
		return err
	}
	for _, k := range []string{"cohortMetrics", "publisherBreakdowns"} {
		node := shard.At(k)
		if node.Type() != ListMetric {
			return fmt.Errorf("%w: %q must be a list", mpc.ErrSchema, k)
		}
		for _, child := range node.List() {
			if err := validateLiftMetricsDict(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLiftMetricsDict(node *Metric) error {
	if node.Type() != DictMetric {
		return fmt.Errorf("%w: lift metrics must be a dict of counters", mpc.ErrSchema)
	}
	for _, k := range node.Keys() {
		child := node.At(k)
		switch child.Type() {
		case ValueMetric:
		case ListMetric:
			// Histogram vectors hold scalars only.
			for _, leaf := range child.List() {
				if leaf.Type() != ValueMetric {
					return fmt.Errorf("%w: lift metric %q must be a vector of values", mpc.ErrSchema, k)
				}
			}
		default:
			return fmt.Errorf("%w: lift metric %q has an unsupported type", mpc.ErrSchema, k)
		}
	}
	return nil
}
