package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-gsioc/gsioc"
)

func newProbeCmd(flags *rootFlags) *cobra.Command {
	var (
		addr      int
		immediate string
		buffered  string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect one GSIOC slave and print its identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := flags.loadConfig()
			if err != nil {
				return err
			}

			slave := gsioc.Slave{Name: fmt.Sprintf("unit%d", addr), Addr: addr}
			if err := slave.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg.Bus.Heartbeat.Duration = 0
			p, err := openGSIOC(ctx, cfg, l)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			identity, err := p.dispatcher.Connect(ctx, slave)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", slave, identity)

			var cmds []gsioc.Command
			if immediate != "" {
				cmds = append(cmds, gsioc.Immediate(immediate))
			}
			if buffered != "" {
				cmds = append(cmds, gsioc.Buffered(buffered))
			}

			for _, c := range cmds {
				reply, err := p.dispatcher.Send(ctx, slave, c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %q: %q (mismatches %d)\n", c.Kind, c.Text, reply.Data, reply.Mismatches)
			}

			m := p.engine.Metrics()
			l.Debug("echemctl: probe metrics",
				"connects", m.ConnectCount.Load(),
				"retries", m.ConnectRetryCount.Load(),
				"readTimeouts", m.ReadTimeoutCount.Load(),
			)

			return nil
		},
	}
	cmd.Flags().IntVar(&addr, "addr", 33, "slave unit ID (0-63)")
	cmd.Flags().StringVar(&immediate, "immediate", "", "immediate command to send after connecting")
	cmd.Flags().StringVar(&buffered, "buffered", "", "buffered command to send after connecting")

	return cmd
}
