package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swelldb/swell/internal/common"
	"github.com/swelldb/swell/internal/scheduler/configuration"
)

const customConfigLocation string = "config"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "The swell fault tolerant query scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(customConfigLocation, cmd.PersistentFlags().Lookup(customConfigLocation))

	cmd.AddCommand(
		runCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	config := configuration.Default()
	userSpecifiedConfigs := viper.GetStringSlice(customConfigLocation)

	common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfigs)

	err := config.Scheduling.Validate()
	return config, err
}
