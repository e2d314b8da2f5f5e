// The lift binary computes population-level counterfactual statistics over
// the opportunity/conversion joined dataset.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/lift"
	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
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
	var numConversionsPerUser int

	cmd := &cobra.Command{
		Use:           "lift",
		Short:         "private lift game",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			role := opts.Role()
			log.Infow("starting lift", "party", role.String(),
				"serverIp", opts.ServerIP, "port", opts.Port,
				"inputBasePath", opts.InputBasePath, "outputBasePath", opts.OutputBasePath)

			inputs, outputs := runner.IOFilenames(opts.NumFiles, opts.InputBasePath,
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
				func(worker int, agent transport.Agent, inputs, outputs []string) (mpc.SchedulerStatistics, error) {
					var total mpc.SchedulerStatistics
					for i := range inputs {
						stats, err := runFile(role, agent, opts.UseXorEncryption,
							numConversionsPerUser, inputs[i], outputs[i], log)
						if err != nil {
							return total, fmt.Errorf("input %s: %w", inputs[i], err)
						}
						total.Add(stats)
					}
					return total, nil
				})
			return err
		},
	}
	opts.Bind(cmd)
	cmd.Flags().IntVar(&numConversionsPerUser, "max_num_conversions", 4,
		"per-user purchase cap")
	return cmd
}

func runFile(role mpc.Party, agent transport.Agent, useXorOutput bool,
	numConversionsPerUser int, inputPath, outputPath string,
	log *zap.SugaredLogger) (mpc.SchedulerStatistics, error) {

	var stats mpc.SchedulerStatistics
	engine, err := mpc.NewInsecureEngine(role, agent)
	if err != nil {
		return stats, err
	}

	data, err := lift.ReadInputData(inputPath, numConversionsPerUser, log)
	if err != nil {
		return engine.Statistics(), err
	}

	game := lift.NewGame(engine, data, useXorOutput, log)
	grouped, err := game.Play()
	if err != nil {
		return engine.Statistics(), err
	}
	if err := grouped.WriteFile(outputPath); err != nil {
		return engine.Statistics(), err
	}
	return engine.Statistics(), nil
}
