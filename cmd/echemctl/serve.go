package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-gsioc/config"
	"github.com/arloliu/go-gsioc/controlplane"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control-plane variables over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Control.Listen = listen
			}
			if cfg.Control.Store == config.StoreHTTP {
				// serving the http store would point the server at itself
				cfg.Control.Store = config.StoreMemory
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			srv, err := controlplane.NewServer(store, controlplane.WithServerLogger(l))
			if err != nil {
				return err
			}
			if err := srv.Start(ctx, cfg.Control.Listen); err != nil {
				return err
			}

			<-ctx.Done()
			l.Info("echemctl: shutting down control plane")

			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()

			return srv.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides [control] listen")

	return cmd
}
