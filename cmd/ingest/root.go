package main

import (
	"github.com/bitrise-io/go-ingest/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	verbose    bool
	envRepo    env.Repository
	logger     log.Logger
}

func newRootCmd(logger log.Logger) *cobra.Command {
	opts := &rootOptions{
		envRepo: env.NewRepository(),
		logger:  logger,
	}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Compress and upload media files",
		Long: `ingest uploads files to a REST upload API or an S3 bucket.

Large files are split into chunks that are uploaded in parallel, retried
and resumed after an interruption. Images are downscaled and re-encoded
before upload and the results are cached locally.

Configuration is read from the file given by --config and from INGEST_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger.EnableDebugLog(opts.verbose)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logs")

	cmd.AddCommand(newUploadCmd(opts))
	cmd.AddCommand(newCacheCmd(opts))
	cmd.AddCommand(newMockServerCmd(opts))
	cmd.CompletionOptions.DisableDefaultCmd = true

	return cmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.envRepo, o.configFile)
	if err != nil {
		return config.Config{}, err
	}
	o.logger.Debugf("Configuration:\n%s", cfg)
	return cfg, nil
}
