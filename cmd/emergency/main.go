// Package main provides the emergency department service entry point.
package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/handlers"
	"github.com/drfirst/go-hospital/internal/app"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/emergency"
	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
	"github.com/drfirst/go-hospital/internal/peer"
	"github.com/drfirst/go-hospital/internal/seed"
)

func main() {
	root, envFile := app.RootCommand(config.ServiceEmergency, "Emergency department records service", serve)
	root.AddCommand(
		app.MigrateCommand(config.ServiceEmergency, envFile, emergency.Schema),
		seedCommand(envFile),
		outboxCommand(envFile),
	)
	app.Execute(root)
}

// department wires the pieces every emergency command needs: the runtime,
// the repository and an outbox relay that is not yet started.
type department struct {
	rt      *app.Runtime
	repo    *emergency.Repository
	relay   *outbox.Relay
	release func()
}

func open(ctx context.Context, envFile string) (*department, error) {
	rt, err := app.Start(ctx, config.ServiceEmergency, envFile, emergency.Schema)
	if err != nil {
		return nil, err
	}
	if err := rt.EnsureSyncTopic(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	peers, err := peer.NewSet(rt.Config, rt.Metrics, rt.Logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	publisher, release, err := rt.SyncPublisher(peers.Coordinator)
	if err != nil {
		rt.Close()
		return nil, err
	}
	relay, err := rt.NewRelay(publisher)
	if err != nil {
		release()
		rt.Close()
		return nil, err
	}

	return &department{
		rt:      rt,
		repo:    emergency.NewRepository(rt.DB, rt.Config.DepartmentName, rt.Logger),
		relay:   relay,
		release: release,
	}, nil
}

func (d *department) close() {
	d.relay.Stop()
	d.release()
	d.rt.Close()
}

func serve(ctx context.Context, envFile string) error {
	d, err := open(ctx, envFile)
	if err != nil {
		return err
	}
	defer d.close()

	d.relay.Start()
	d.rt.Logger.Info("emergency service starting",
		zap.String("department", d.rt.Config.DepartmentName),
		zap.String("sync_transport", d.rt.Config.SyncTransport))

	return d.rt.Serve(ctx, handlers.NewEmergencyHandler(d.repo, d.relay, d.rt.Logger).Routes())
}

func seedCommand(envFile *string) *cobra.Command {
	var count int
	var seedValue uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create fake patients with one visit each and sync them",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer d.close()

			_, err = seed.New(seedValue, d.rt.Logger).Emergency(cmd.Context(), d.repo, d.relay, count)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of patients to create")
	cmd.Flags().Uint64Var(&seedValue, "seed", 1, "random seed for the generated records")
	return cmd
}

func outboxCommand(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the patient sync outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending, delivered and failed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer d.close()

			stats, err := d.relay.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue",
		Short: "Reset failed entries so the relay retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer d.close()

			n, err := d.relay.Requeue(cmd.Context())
			if err != nil {
				return err
			}
			d.rt.Logger.Info("outbox entries requeued", zap.Int64("count", n))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Run only the outbox relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer d.close()

			d.relay.Start()
			<-cmd.Context().Done()
			d.rt.Logger.Info("shutting down")
			return nil
		},
	})
	return cmd
}
