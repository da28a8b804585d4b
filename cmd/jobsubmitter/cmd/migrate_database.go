package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobsubmitter/internal/common/database"
	submitterdb "github.com/armadaproject/jobsubmitter/internal/submitter/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the job submitter tables to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning job submitter database migration")
	ctx := context.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to database")
	}
	defer db.Close()
	err = submitterdb.Migrate(ctx, db)
	if err != nil {
		return errors.WithMessage(err, "Failed to migrate job submitter database")
	}
	log.Infof("Job submitter database migrated in %s", time.Since(start))
	return nil
}
