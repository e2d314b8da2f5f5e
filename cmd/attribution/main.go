// The attribution binary runs the private attribution game for one party
// over a set of shard files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmeasurement/mpcmeasure/attribution"
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
	var attributionRules string
	var useNewOutputFormat bool
	var maxTouchpoints, maxConversions int

	cmd := &cobra.Command{
		Use:           "attribution",
		Short:         "private attribution game",
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
			log.Infow("starting attribution", "party", role.String(),
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
						stats, err := runFile(role, agent, opts, attributionRules,
							useNewOutputFormat, maxTouchpoints, maxConversions,
							inputs[i], outputs[i], log)
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
	cmd.Flags().StringVar(&attributionRules, "attribution_rules", "",
		"comma-separated rule names (publisher only)")
	cmd.Flags().BoolVar(&useNewOutputFormat, "use_new_output_format", false,
		"emit (ad_id, conv_value, is_attributed) triples")
	cmd.Flags().IntVar(&maxTouchpoints, "max_num_touchpoints", attribution.DefaultMaxTouchpoints,
		"per-user touchpoint cap")
	cmd.Flags().IntVar(&maxConversions, "max_num_conversions", attribution.DefaultMaxConversions,
		"per-user conversion cap")
	return cmd
}

func runFile(role mpc.Party, agent transport.Agent, opts runner.CommonOptions,
	attributionRules string, useNewOutputFormat bool, maxTP, maxConv int,
	inputPath, outputPath string, log *zap.SugaredLogger) (mpc.SchedulerStatistics, error) {

	var stats mpc.SchedulerStatistics
	engine, err := mpc.NewInsecureEngine(role, agent)
	if err != nil {
		return stats, err
	}

	rules := attributionRules
	if role != mpc.Publisher {
		rules = ""
	}
	input, err := attribution.ReadInput(inputPath, rules, maxTP, maxConv, opts.Encryption(), log)
	if err != nil {
		return engine.Statistics(), err
	}

	game := attribution.NewGame(engine, opts.Encryption(), useNewOutputFormat,
		opts.UseXorEncryption, log)
	output, mapping, err := game.ComputeAttributions(input)
	if err != nil {
		return engine.Statistics(), err
	}
	if err := output.WriteFile(outputPath); err != nil {
		return engine.Statistics(), err
	}
	if useNewOutputFormat {
		if err := mapping.WriteFile(outputPath + "_compressionMapping.json"); err != nil {
			return engine.Statistics(), err
		}
	}
	return engine.Statistics(), nil
}
