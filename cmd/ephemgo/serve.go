package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/ephemgo/internal/api"
	"github.com/star/ephemgo/internal/health"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve ephemerides and plots over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	c, store, err := a.newClient()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	var ready []health.Check
	if store != nil {
		ready = append(ready, store.Ping)
	}

	cfg := a.cfg
	srv := api.NewServer(api.Config{
		Addr:             cfg.Server.Addr,
		TrustProxy:       cfg.Server.TrustProxy,
		Auth:             cfg.Auth.Auth(),
		UpstreamTimeout:  cfg.HTTP.TimeoutDuration(),
		Defaults:         cfg.Query.Apply,
		Ready:            ready,
		MaxInflightPerIP: cfg.Server.MaxInflightPerIP,
	}, c, a.logger)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server",
			"addr", cfg.Server.Addr,
			"auth_enabled", cfg.Auth.Enabled,
			"default_provider", c.DefaultProvider(),
			"cache_enabled", store != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error("server listen error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
		return err
	}

	a.logger.Info("server stopped")
	return nil
}
