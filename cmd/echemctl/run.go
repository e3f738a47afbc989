package main

import (
	"github.com/spf13/cobra"

	"github.com/arloliu/go-gsioc/controlplane"
	"github.com/arloliu/go-gsioc/procedure"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var recipe string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run recipes from the control plane, or a single recipe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := flags.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			p, err := openPlatform(ctx, cfg, store, l)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if recipe != "" {
				values, err := procedure.ParseValues(recipe)
				if err != nil {
					return err
				}
				r, err := procedure.ParseRecipe(values)
				if err != nil {
					return err
				}

				return p.orchestrator.RunRecipe(ctx, r)
			}

			opts := append(cfg.RunnerOptions(l), controlplane.WithRecipeCheck(p.orchestrator.ValidateRecipe))
			runner, err := controlplane.NewRunner(store, p.orchestrator.RunRecipe, opts...)
			if err != nil {
				return err
			}

			err = runner.Run(ctx)
			if ctx.Err() != nil {
				l.Info("echemctl: closed loop stopped")
				return nil
			}

			return err
		},
	}
	cmd.Flags().StringVar(&recipe, "recipe", "", "run one recipe: flowRate,duration,voltage,current*100,vial,volume,...")

	return cmd
}
