package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
	"github.com/drfirst/go-hospital/internal/infrastructure/redpanda"
	"github.com/drfirst/go-hospital/internal/patientsync"
	"github.com/drfirst/go-hospital/internal/peer"
)

const syncConsumerGroup = "coordinator-patient-sync"

// EnsureSyncTopic creates the sync topic when Kafka is the transport and
// adds a broker check to /ready.
func (rt *Runtime) EnsureSyncTopic(ctx context.Context) error {
	if rt.Config.SyncTransport != config.TransportKafka {
		return nil
	}
	admin, err := redpanda.NewAdmin(rt.Config.KafkaBrokers, rt.Logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	if err := admin.EnsureTopics(ctx, redpanda.SyncTopicConfig(rt.Config.SyncTopic)); err != nil {
		return err
	}
	brokers := rt.Config.KafkaBrokers
	rt.AddReadyCheck(func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, brokers)
	})
	return nil
}

// SyncPublisher returns the outbox publisher for the configured transport
// and a func that releases it.
func (rt *Runtime) SyncPublisher(coordinator *peer.Client) (outbox.Publisher, func(), error) {
	switch rt.Config.SyncTransport {
	case config.TransportKafka:
		producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(rt.Config.KafkaBrokers), rt.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create producer: %w", err)
		}
		release := func() {
			if err := producer.Close(); err != nil {
				rt.Logger.Warn("producer close", zap.Error(err))
			}
		}
		return patientsync.NewKafkaPublisher(producer, rt.Config.SyncTopic), release, nil
	default:
		return peer.NewSyncPublisher(coordinator), func() {}, nil
	}
}

// NewRelay builds the outbox relay for a department service.
func (rt *Runtime) NewRelay(publisher outbox.Publisher) (*outbox.Relay, error) {
	ob := rt.Config.Outbox
	return outbox.NewRelay(rt.DB, publisher, outbox.Config{
		Transport:       rt.Config.SyncTransport,
		BatchSize:       ob.BatchSize,
		PollInterval:    ob.PollInterval,
		MaxAttempts:     ob.MaxAttempts,
		Workers:         ob.Workers,
		DeliveryTimeout: rt.Config.SyncTimeout,
	}, rt.Metrics, rt.Logger)
}

// StartSyncConsumer applies sync records from Kafka to s. It returns nil
// when HTTP is the transport.
func (rt *Runtime) StartSyncConsumer(s patientsync.Syncer) (*redpanda.Consumer, error) {
	if rt.Config.SyncTransport != config.TransportKafka {
		return nil, nil
	}
	cfg := redpanda.DefaultConsumerConfig(rt.Config.KafkaBrokers, syncConsumerGroup, rt.Config.SyncTopic)
	consumer, err := redpanda.NewConsumer(cfg, patientsync.ConsumerHandler(s, rt.Logger), rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()
	rt.Logger.Info("sync consumer started",
		zap.String("topic", rt.Config.SyncTopic),
		zap.String("group", syncConsumerGroup))
	return consumer, nil
}
