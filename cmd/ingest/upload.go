package main

import (
	"fmt"

	"github.com/bitrise-io/go-ingest/ingest"
	"github.com/bitrise-io/go-ingest/source"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var noCompress bool

	cmd := &cobra.Command{
		Use:   "upload [paths or URLs...]",
		Short: "Upload files",
		Long: `Upload local files, glob patterns (photos/**/*.jpg) or http(s) URLs.
Each uploaded file's URL is printed to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if noCompress {
				cfg.Compression.Enabled = false
			}

			p, err := ingest.Build(cmd.Context(), cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := p.Close(); err != nil {
					opts.logger.Warnf("Failed to close: %s", err)
				}
			}()

			var local, paths []string
			for _, arg := range args {
				if source.IsRemote(arg) {
					paths = append(paths, arg)
				} else {
					local = append(local, arg)
				}
			}
			evaluated, err := p.EvaluatePaths(local)
			if err != nil {
				return err
			}
			paths = append(paths, evaluated...)
			if len(paths) == 0 {
				return fmt.Errorf("no files to upload")
			}

			var failed int
			p.UploadBatch(cmd.Context(), paths, func(index int, r ingest.BatchResult) {
				if r.Err != nil {
					failed++
					return
				}
				opts.logger.Donef("(%d/%d) %s uploaded (%s)", index+1, len(paths), r.Path, units.HumanSize(float64(r.Result.Size)))
				fmt.Fprintln(cmd.OutOrStdout(), r.Result.URL)
			})
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "upload images as they are")

	return cmd
}
