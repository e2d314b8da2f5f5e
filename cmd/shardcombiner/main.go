// The shardcombiner binary reduces per-shard result trees into one tree,
// applies the k-anonymity threshold gate, and reveals the result under the
// configured visibility.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
	"github.com/openmeasurement/mpcmeasure/runner"
	"github.com/openmeasurement/mpcmeasure/shardcombiner"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts runner.CommonOptions
	var visibility int
	var threshold int64
	var metricsFormat string

	cmd := &cobra.Command{
		Use:           "shardcombiner",
		Short:         "combine per-shard result trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			var schema shardcombiner.ShardSchemaType
			switch metricsFormat {
			case "ad_object":
				schema = shardcombiner.AdObjectFormat
			case "lift":
				schema = shardcombiner.GroupedLiftMetricsFormat
			default:
				return fmt.Errorf("%w: unknown metrics_format %q", mpc.ErrPolicy, metricsFormat)
			}
			vis, err := parseVisibility(visibility)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			role := opts.Role()
			log.Infow("starting shard combiner", "party", role.String(),
				"shards", opts.NumFiles, "threshold", threshold)

			agent, err := transport.Connect(role == mpc.Publisher, opts.ServerIP,
				opts.Port, opts.TLSConfig())
			if err != nil {
				return err
			}
			defer agent.Close()

			engine, err := mpc.NewInsecureEngine(role, agent)
			if err != nil {
				return err
			}

			inputs, _ := runner.IOFilenames(opts.NumFiles, opts.InputBasePath,
				opts.OutputBasePath, opts.FileStartIndex, opts.UsePostfix)

			game := shardcombiner.NewGame(engine, schema, threshold, vis,
				opts.UseXorEncryption, log)
			shards, err := game.ReadShards(inputs)
			if err != nil {
				return err
			}
			result, err := game.Play(shards)
			if err != nil {
				return err
			}
			revealed, err := game.RevealJSON(result)
			if err != nil {
				return err
			}
			if err := os.WriteFile(opts.OutputBasePath, revealed, 0o644); err != nil {
				return fmt.Errorf("%w: cannot write %s: %v", mpc.ErrIO, opts.OutputBasePath, err)
			}

			stats := engine.Statistics()
			log.Infow("shard combiner complete",
				"nonFreeGates", stats.NonFreeGates, "freeGates", stats.FreeGates,
				"sentBytes", stats.SentBytes, "receivedBytes", stats.ReceivedBytes)
			return nil
		},
	}
	opts.Bind(cmd)
	cmd.Flags().IntVar(&visibility, "visibility", 0, "0 = public, 1 = publisher, 2 = partner")
	cmd.Flags().Int64Var(&threshold, "threshold", shardcombiner.DefaultAnonymityThreshold,
		"k-anonymity threshold")
	cmd.Flags().StringVar(&metricsFormat, "metrics_format", "lift",
		"shard schema: ad_object or lift")
	return cmd
}

func parseVisibility(v int) (mpc.Visibility, error) {
	switch v {
	case 0:
		return mpc.Public, nil
	case 1:
		return mpc.PublisherOnly, nil
	case 2:
		return mpc.PartnerOnly, nil
	default:
		return mpc.Public, fmt.Errorf("%w: invalid visibility %d", mpc.ErrPolicy, v)
	}
}
