package logging

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Log level, e.g. info, debug.
	Level string
	// Either text or json.
	Format string
}

// ConfigureLogging sets up the global logrus logger for a long-running process.
func ConfigureLogging(config Config) error {
	log.SetOutput(os.Stdout)
	switch config.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q; valid formats are text and json", config.Format)
	}
	if config.Level == "" {
		log.SetLevel(log.InfoLevel)
		return nil
	}
	level, err := log.ParseLevel(config.Level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(level)
	return nil
}

// ConfigureCommandLineLogging sets up the global logger for one-shot subcommands.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}
