// Command echemctl operates the electrochemical flow platform.
//
//	echemctl run   --config platform.toml                  closed loop against the control plane
//	echemctl run   --config platform.toml --recipe 500,...  one recipe, no control plane
//	echemctl serve --config platform.toml                  control-plane HTTP server
//	echemctl probe --config platform.toml --addr 33        handshake one GSIOC slave
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-gsioc/config"
	"github.com/arloliu/go-gsioc/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "echemctl",
		Short:         "Operate the electrochemical flow platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "platform configuration file (TOML)")

	root.AddCommand(newRunCmd(flags), newServeCmd(flags), newProbeCmd(flags))

	return root
}

// loadConfig reads the configuration file, or the defaults when none is
// given, and installs its logger as the process default.
func (f *rootFlags) loadConfig() (config.Platform, logger.Logger, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Platform{}, nil, err
		}
	}

	l, err := cfg.Logger()
	if err != nil {
		return config.Platform{}, nil, err
	}
	logger.SetLogger(l)

	return cfg, l, nil
}

// signalContext is cancelled on SIGINT, SIGTERM or SIGHUP.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
}
