// Package main provides the radiology service entry point.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-hospital/internal/api/handlers"
	"github.com/drfirst/go-hospital/internal/app"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/radiology"
	"github.com/drfirst/go-hospital/internal/seed"
)

func main() {
	root, envFile := app.RootCommand(config.ServiceRadiology, "Radiology imaging orders service", serve)
	root.AddCommand(
		app.MigrateCommand(config.ServiceRadiology, envFile, radiology.Schema),
		seedCommand(envFile),
	)
	app.Execute(root)
}

func serve(ctx context.Context, envFile string) error {
	rt, err := app.Start(ctx, config.ServiceRadiology, envFile, radiology.Schema)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.Serve(ctx, handlers.NewRadiologyHandler(radiology.NewRepository(rt.DB, rt.Logger), rt.Logger).Routes())
}

func seedCommand(envFile *string) *cobra.Command {
	var count int
	var seedValue uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create fake imaging orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Start(cmd.Context(), config.ServiceRadiology, *envFile, radiology.Schema)
			if err != nil {
				return err
			}
			defer rt.Close()

			_, err = seed.New(seedValue, rt.Logger).Radiology(cmd.Context(), radiology.NewRepository(rt.DB, rt.Logger), count)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of orders to create")
	cmd.Flags().Uint64Var(&seedValue, "seed", 1, "random seed for the generated records")
	return cmd
}
