package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobsubmitter/internal/common/logging"
	"github.com/armadaproject/jobsubmitter/internal/submitter"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs submission cycles until stopped",
		RunE:  runSubmitter,
	}
	return cmd
}

func runSubmitter(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.ConfigureLogging(config.Logging); err != nil {
		return err
	}
	return submitter.Run(config)
}
