package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Bidon15/popdeploy/internal/config"
)

var (
	cfgFile string
	logFile string
)

var rootCmd = &cobra.Command{
	Use:   "popdeploy",
	Short: "Deploy an ordered set of contracts to an EVM chain",
	Long: `popdeploy reads a deployment plan, then builds, signs, broadcasts and
confirms one contract creation transaction per step, strictly in order.
Later steps may pass the addresses of earlier contracts to their
constructors.

Settings come from the plan file and POPDEPLOY_* environment variables,
for example POPDEPLOY_NETWORK_PRIVATE_KEY.

Examples:
  popdeploy plan -c deploy.yaml
  popdeploy deploy -c deploy.yaml --report out/report.json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "plan file (default: ./popdeploy.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
}

// loadConfig reads the plan with flag overrides taking precedence over file
// and environment values.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	bindings := map[string]string{
		"log.level":           "log-level",
		"log.format":          "log-format",
		"output.report":       "report",
		"output.metrics_file": "metrics-file",
	}
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return config.LoadWith(v, cfgFile)
}
