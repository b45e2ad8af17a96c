package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bitrise-io/go-ingest/network/mockserver"
	"github.com/spf13/cobra"
)

func newMockServerCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		token     string
		publicURL string
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory upload API for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}

			mock := mockserver.New(token, opts.logger)
			if publicURL == "" {
				publicURL = "http://" + listener.Addr().String()
			}
			mock.SetPublicURL(publicURL)

			return serve(cmd.Context(), listener, mock.Handler(), opts, publicURL)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "required bearer token, empty disables authentication")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "origin of returned file URLs (default: the listen address)")

	return cmd
}

func serve(ctx context.Context, listener net.Listener, handler http.Handler, opts *rootOptions, publicURL string) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	opts.logger.Infof("Mock upload API listening on %s/api", publicURL)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
