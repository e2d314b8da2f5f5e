package shardcombiner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Game combines the shards of one run: parse, validate, tree-reduce, gate,
// reveal. With xorInput set the shard payloads are this party's XOR shares
// and the reduction runs on the secure backend; otherwise it runs on the
// raw integers.
type Game struct {
	backend    mpc.Backend
	log        *zap.SugaredLogger
	schema     ShardSchemaType
	threshold  int64
	visibility mpc.Visibility
	xorInput   bool
}

// NewGame binds a combiner game to one backend instance.
func NewGame(b mpc.Backend, schema ShardSchemaType, threshold int64,
	visibility mpc.Visibility, xorInput bool, log *zap.SugaredLogger) *Game {
	return &Game{
		backend:    b,
		log:        log,
		schema:     schema,
		threshold:  threshold,
		visibility: visibility,
		xorInput:   xorInput,
	}
}

// ReadShards parses and validates every shard file, entering the payloads
// into the computation when the shards are XOR-shared.
func (g *Game) ReadShards(paths []string) ([]*Metric, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: empty shard list", mpc.ErrProtocolState)
	}
	shards := make([]*Metric, 0, len(paths))
	for _, path := range paths {
		shard, err := FromJSON(path)
		if err != nil {
			return nil, err
		}
		if err := ValidateShard(g.schema, shard); err != nil {
			return nil, fmt.Errorf("shard %s: %w", path, err)
		}
		if g.xorInput {
			if err := shard.UpdateSecFromRawShare(g.backend); err != nil {
				return nil, err
			}
		}
		g.log.Infow("parsed shard", "path", path)
		shards = append(shards, shard)
	}
	return shards, nil
}

// Play reduces the shards into index 0, applies the threshold gate, and
// returns the combined tree.
func (g *Game) Play(shards []*Metric) (*Metric, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: empty shard list", mpc.ErrProtocolState)
	}
	if err := g.reduce(shards); err != nil {
		return nil, err
	}
	result := shards[0]

	gate := newThresholdGate(g.backend, g.schema, g.threshold, HiddenMetricSentinel, g.xorInput)
	if err := gate.apply(result); err != nil {
		return nil, err
	}
	return result, nil
}

// reduce runs the sequential-pairwise tree reduction with strides 1, 2,
// 4, ... leaving the sum in index 0. The stride schedule exposes the
// independent additions so a lazy backend can batch them without explicit
// threads.
func (g *Game) reduce(shards []*Metric) error {
	limit := len(shards)
	if limit%2 != 0 {
		limit++
	}
	for step := 1; step < limit; step <<= 1 {
		for i := 0; i < limit; i += 2 * step {
			if i+step < len(shards) {
				if err := Accumulate(shards[i], shards[i+step]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RevealJSON reveals the combined tree under the configured visibility.
func (g *Game) RevealJSON(result *Metric) ([]byte, error) {
	return result.RevealJSON(g.backend, g.visibility)
}
