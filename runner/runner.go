// Package runner fans one measurement binary out over a contiguous range
// of shard files: each worker owns a disjoint sub-range, its own socket
// pair at a deterministic port offset, and a fresh backend per file.
package runner

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
)

// MaxConcurrency bounds the worker fan-out.
const MaxConcurrency = 16

// portStride is the port distance between neighboring workers.
const portStride = 100

// IOFilenames expands the base paths into per-shard input and output file
// lists. With usePostfix the shard index is appended as "_<i>".
func IOFilenames(numFiles int, inputBase, outputBase string, fileStartIndex int, usePostfix bool) ([]string, []string) {
	if !usePostfix {
		return []string{inputBase}, []string{outputBase}
	}
	inputs := make([]string, 0, numFiles)
	outputs := make([]string, 0, numFiles)
	for i := 0; i < numFiles; i++ {
		inputs = append(inputs, fmt.Sprintf("%s_%d", inputBase, fileStartIndex+i))
		outputs = append(outputs, fmt.Sprintf("%s_%d", outputBase, fileStartIndex+i))
	}
	return inputs, outputs
}

// ShardFunc processes one worker's file sub-range over an established
// agent and returns the worker's accumulated backend statistics.
type ShardFunc func(worker int, agent transport.Agent, inputs, outputs []string) (mpc.SchedulerStatistics, error)

// Config carries the connection parameters of a sharded run.
type Config struct {
	Party       mpc.Party
	ServerIP    string
	Port        int
	Concurrency int
	TLS         *transport.TLSConfig
	Log         *zap.SugaredLogger
}

// RunSharded splits the files across workers, connects worker w at
// port + 100*w (publisher listening, partner dialing), runs fn on every
// worker and returns the summed statistics. A failing shard stops its own
// worker at once; the run waits for the other workers to finish and
// returns the first error.
func RunSharded(cfg Config, inputs, outputs []string, fn ShardFunc) (mpc.SchedulerStatistics, error) {
	numWorkers := cfg.Concurrency
	if numWorkers > len(inputs) {
		numWorkers = len(inputs)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	runID := uuid.NewString()
	cfg.Log.Infow("starting sharded run", "runId", runID, "files", len(inputs), "workers", numWorkers)

	var mu sync.Mutex
	var total mpc.SchedulerStatistics
	var perWorkerGates []float64

	var group errgroup.Group
	start := 0
	base := len(inputs) / numWorkers
	extra := len(inputs) % numWorkers
	for w := 0; w < numWorkers; w++ {
		count := base
		if w < extra {
			count++
		}
		worker := w
		lo, hi := start, start+count
		start = hi

		group.Go(func() error {
			agent, err := transport.Connect(cfg.Party == mpc.Publisher, cfg.ServerIP,
				cfg.Port+portStride*worker, cfg.TLS)
			if err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
			defer agent.Close()

			workerStats, err := fn(worker, agent, inputs[lo:hi], outputs[lo:hi])
			if err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
			mu.Lock()
			total.Add(workerStats)
			perWorkerGates = append(perWorkerGates, float64(workerStats.NonFreeGates))
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return total, err
	}

	logSummary(cfg.Log, runID, total, perWorkerGates)
	return total, nil
}

func logSummary(log *zap.SugaredLogger, runID string, total mpc.SchedulerStatistics, perWorkerGates []float64) {
	meanGates, _ := stats.Mean(perWorkerGates)
	maxGates, _ := stats.Max(perWorkerGates)
	log.Infow("run complete",
		"runId", runID,
		"nonFreeGates", total.NonFreeGates,
		"freeGates", total.FreeGates,
		"sentBytes", total.SentBytes,
		"receivedBytes", total.ReceivedBytes,
		"meanWorkerNonFreeGates", meanGates,
		"maxWorkerNonFreeGates", maxGates,
	)
}
