package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobsubmitter/internal/common/app"
	"github.com/armadaproject/jobsubmitter/internal/common/logging"
	"github.com/armadaproject/jobsubmitter/internal/submitter"
)

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Runs a single submission cycle and prints what it did",
		RunE:  runCycle,
	}
	return cmd
}

func runCycle(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	logging.ConfigureCommandLineLogging()
	result, err := submitter.RunOnce(app.CreateContextWithShutdown(), config)
	if err != nil {
		return err
	}
	log.Infof("Cycle %s finished in %s", result.CycleID, result.Duration)
	log.Infof("Ingested:       %d", result.Ingested)
	log.Infof("Pruned:         %d", result.Pruned)
	log.Infof("Unplaceable:    %d", result.Unplaceable)
	log.Infof("Selected:       %d", result.Selected)
	log.Infof("Succeeded:      %d", result.Succeeded)
	log.Infof("Failed:         %d", result.Failed)
	log.Infof("Indeterminate:  %d", result.Indeterminate)
	log.Infof("Reconciled:     %d", result.Reconciled)
	log.Infof("Cached:         %d", result.CacheSize)
	if result.CacheInvalidated {
		log.Info("Job cache was rebuilt because site state changed")
	}
	return nil
}
