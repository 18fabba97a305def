package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rapidmux/config"
	"rapidmux/internal/storage"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "rapidmux",
		Short: "RTMP and MPEG-TS streaming toolkit",
		Long: `rapidmux ingests RTMP publishes, records them as TS segments with an HLS
playlist, and re-publishes live sources to RTMP servers or SRT listeners.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default searches ./config.yaml, $HOME/.rapidmux, /etc/rapidmux)")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewPublishCommand())
}

// setup loads the configuration and builds the shared logger
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(cfg.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return cfg, logger, nil
}

func newStorage(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (storage.Storage, func(), error) {
	if cfg.StorageType == "gcs" {
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucket, cfg.GCSBaseDir, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.WithFields(logrus.Fields{"bucket": cfg.GCSBucket, "project": cfg.GCSProjectID}).Info("storage: GCS")
		return gcs, func() { gcs.Close() }, nil
	}

	local, err := storage.NewLocalStorage(cfg.StorageDir, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("dir", cfg.StorageDir).Info("storage: local directory")
	return local, func() {}, nil
}
