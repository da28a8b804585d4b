package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/armadaproject/jobsubmitter/internal/common"
	commonconfig "github.com/armadaproject/jobsubmitter/internal/common/config"
	"github.com/armadaproject/jobsubmitter/internal/submitter/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/jobsubmitter"
	envPrefix            string = "JOBSUBMITTER"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobsubmitter",
		SilenceUsage: true,
		Short:        "Submits pending jobs to the grid sites with free capacity",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		cycleCmd(),
		migrateDbCmd(),
	)

	return cmd
}

func bindFlags(flags *pflag.FlagSet) error {
	return viper.BindPFlags(flags)
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return config, err
	}

	return config, commonconfig.Validate(config)
}
