package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dbcore/config"
)

var (
	rootCmd = &cobra.Command{
		Use:               "dbcore",
		Short:             "A page-oriented storage engine",
		Long:              "dbcore drives a buffer pool and an extendible hash index directly from the command line.",
		PersistentPreRunE: rootPreRun,
	}

	configFile string
	logLevel   = "info"

	cfg *config.Config
)

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&configFile, "config", "", "`file` to load configuration from (yaml)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error")
}

// Execute runs the dbcore CLI.
func Execute() error {
	return rootCmd.Execute()
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("dbcore: %w", err)
	}
	log.SetLevel(ll)
	log.SetFormatter(&log.TextFormatter{DisableLevelTruncation: true})

	cfg, err = config.Load(configFile)
	if err != nil {
		return fmt.Errorf("dbcore: %w", err)
	}

	log.WithFields(log.Fields{
		"pid":        os.Getpid(),
		"num_shards": cfg.NumShards,
		"data_dir":   cfg.DataDir,
	}).Info("dbcore starting")
	return nil
}
