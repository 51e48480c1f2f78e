// Package main provides the pharmacy service entry point.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-hospital/internal/api/handlers"
	"github.com/drfirst/go-hospital/internal/app"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/pharmacy"
	"github.com/drfirst/go-hospital/internal/seed"
)

func main() {
	root, envFile := app.RootCommand(config.ServicePharmacy, "Pharmacy medications and prescriptions service", serve)
	root.AddCommand(
		app.MigrateCommand(config.ServicePharmacy, envFile, pharmacy.Schema),
		seedCommand(envFile),
	)
	app.Execute(root)
}

func serve(ctx context.Context, envFile string) error {
	rt, err := app.Start(ctx, config.ServicePharmacy, envFile, pharmacy.Schema)
	if err != nil {
		return err
	}
	defer rt.Close()

	repo := pharmacy.NewRepository(rt.DB, rt.Logger)
	return rt.Serve(ctx, handlers.NewPharmacyHandler(repo, rt.Metrics, rt.Logger).Routes())
}

func seedCommand(envFile *string) *cobra.Command {
	var count int
	var seedValue uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Stock the formulary with fake medications",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Start(cmd.Context(), config.ServicePharmacy, *envFile, pharmacy.Schema)
			if err != nil {
				return err
			}
			defer rt.Close()

			_, err = seed.New(seedValue, rt.Logger).Pharmacy(cmd.Context(), pharmacy.NewRepository(rt.DB, rt.Logger), count)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of medications to create")
	cmd.Flags().Uint64Var(&seedValue, "seed", 1, "random seed for the generated records")
	return cmd
}
