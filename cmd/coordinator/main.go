// Package main provides the coordinator service entry point.
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/handlers"
	"github.com/drfirst/go-hospital/internal/app"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/domain/patientindex"
	"github.com/drfirst/go-hospital/internal/peer"
	"github.com/drfirst/go-hospital/pkg/idempotency"
)

func main() {
	root, envFile := app.RootCommand(config.ServiceCoordinator, "Hospital coordinator: global patient index and department views", serve)
	root.AddCommand(app.MigrateCommand(config.ServiceCoordinator, envFile, patientindex.Schema))
	app.Execute(root)
}

func serve(ctx context.Context, envFile string) error {
	rt, err := app.Start(ctx, config.ServiceCoordinator, envFile, patientindex.Schema)
	if err != nil {
		return err
	}
	defer rt.Close()

	inbox := idempotency.NewInbox(rt.DB, idempotency.DefaultInboxConfig(), rt.Logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	repo := patientindex.NewRepository(rt.DB, inbox, rt.Metrics, rt.Logger)

	if err := rt.EnsureSyncTopic(ctx); err != nil {
		return err
	}
	consumer, err := rt.StartSyncConsumer(repo)
	if err != nil {
		return err
	}
	if consumer != nil {
		defer func() {
			if err := consumer.Stop(); err != nil {
				rt.Logger.Warn("sync consumer stop", zap.Error(err))
			}
		}()
	}

	peers, err := peer.NewSet(rt.Config, rt.Metrics, rt.Logger)
	if err != nil {
		return err
	}
	h := handlers.NewCoordinatorHandler(repo, handlers.Peers{
		Emergency: peers.Emergency,
		Pharmacy:  peers.Pharmacy,
		Radiology: peers.Radiology,
		Breakers:  peers.Breakers,
	}, rt.Logger)

	rt.Logger.Info("coordinator starting",
		zap.String("emergency", rt.Config.Peers.Emergency),
		zap.String("pharmacy", rt.Config.Peers.Pharmacy),
		zap.String("radiology", rt.Config.Peers.Radiology),
		zap.String("sync_transport", rt.Config.SyncTransport))

	return rt.Serve(ctx, h.Routes())
}
