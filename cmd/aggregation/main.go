// The aggregation binary folds secret-shared attribution results into
// per-ad totals through the write-only ORAM.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/aggregation"
	"github.com/openmeasurement/mpcmeasure/attribution"
	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
	"github.com/openmeasurement/mpcmeasure/oram"
	"github.com/openmeasurement/mpcmeasure/runner"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts runner.CommonOptions
	var aggregators string
	var attributionBasePath string
	var useNewInputFormat bool
	var maxTouchpoints, maxConversions int

	cmd := &cobra.Command{
		Use:           "aggregation",
		Short:         "private aggregation game",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			if attributionBasePath == "" {
				return fmt.Errorf("%w: attribution_base_path is required", mpc.ErrPolicy)
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			role := opts.Role()
			log.Infow("starting aggregation", "party", role.String(),
				"serverIp", opts.ServerIP, "port", opts.Port,
				"inputBasePath", opts.InputBasePath, "outputBasePath", opts.OutputBasePath)

			inputs, outputs := runner.IOFilenames(opts.NumFiles, opts.InputBasePath,
				opts.OutputBasePath, opts.FileStartIndex, opts.UsePostfix)
			shareInputs, _ := runner.IOFilenames(opts.NumFiles, attributionBasePath,
				opts.OutputBasePath, opts.FileStartIndex, opts.UsePostfix)

			cfg := runner.Config{
				Party:       role,
				ServerIP:    opts.ServerIP,
				Port:        opts.Port,
				Concurrency: opts.Concurrency,
				TLS:         opts.TLSConfig(),
				Log:         log,
			}
			_, err = runner.RunSharded(cfg, inputs, outputs,
				func(worker int, agent transport.Agent, workerInputs, workerOutputs []string) (mpc.SchedulerStatistics, error) {
					var total mpc.SchedulerStatistics
					for i := range workerInputs {
						sharePath := sharePathFor(inputs, shareInputs, workerInputs[i])
						stats, err := runFile(role, agent, opts, aggregators,
							useNewInputFormat, maxTouchpoints, maxConversions,
							workerInputs[i], sharePath, workerOutputs[i], log)
						if err != nil {
							return total, fmt.Errorf("input %s: %w", workerInputs[i], err)
						}
						total.Add(stats)
					}
					return total, nil
				})
			return err
		},
	}
	opts.Bind(cmd)
	cmd.Flags().StringVar(&aggregators, "aggregators", aggregation.Measurement,
		"comma-separated aggregation formats (publisher only)")
	cmd.Flags().StringVar(&attributionBasePath, "attribution_base_path", "",
		"base path of this party's attribution share files")
	cmd.Flags().BoolVar(&useNewInputFormat, "use_new_output_format", false,
		"attribution shares use the reformatted output format")
	cmd.Flags().IntVar(&maxTouchpoints, "max_num_touchpoints", attribution.DefaultMaxTouchpoints,
		"per-user touchpoint cap")
	cmd.Flags().IntVar(&maxConversions, "max_num_conversions", attribution.DefaultMaxConversions,
		"per-user conversion cap")
	return cmd
}

// sharePathFor maps one worker input path back to its share file.
func sharePathFor(allInputs, allShares []string, input string) string {
	for i := range allInputs {
		if allInputs[i] == input {
			return allShares[i]
		}
	}
	return input
}

func runFile(role mpc.Party, agent transport.Agent, opts runner.CommonOptions,
	aggregators string, useNewInputFormat bool, maxTP, maxConv int,
	metadataPath, sharePath, outputPath string, log *zap.SugaredLogger) (mpc.SchedulerStatistics, error) {

	var stats mpc.SchedulerStatistics
	engine, err := mpc.NewInsecureEngine(role, agent)
	if err != nil {
		return stats, err
	}

	formats := aggregators
	if role != mpc.Publisher {
		formats = ""
	}
	input, err := aggregation.ReadInput(metadataPath, sharePath, formats,
		maxTP, maxConv, opts.Encryption(), useNewInputFormat, log)
	if err != nil {
		return engine.Statistics(), err
	}

	visibility := mpc.PublisherOnly
	if opts.UseXorEncryption {
		visibility = mpc.Public
	}
	game := aggregation.NewGame(engine, opts.Encryption(), visibility,
		opts.UseXorEncryption, useNewInputFormat, opts.Concurrency,
		oram.NewLinearFactory(engine), log)
	output, err := game.ComputeAggregations(input)
	if err != nil {
		return engine.Statistics(), err
	}
	if err := output.WriteFile(outputPath); err != nil {
		return engine.Statistics(), err
	}
	return engine.Statistics(), nil
}
