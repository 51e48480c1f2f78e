// Package config loads the per-process configuration of the hospital services.
//
// Values come from the process environment, optionally seeded from a .env file.
// A Config is built once at startup and treated as read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Service names. They double as the default department name and the
// prefix of the port variable (EMERGENCY_PORT, ...).
const (
	ServiceCoordinator = "coordinator"
	ServiceEmergency   = "emergency"
	ServicePharmacy    = "pharmacy"
	ServiceRadiology   = "radiology"
)

// Sync transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

var defaultPorts = map[string]string{
	ServiceCoordinator: "5050",
	ServiceEmergency:   "5001",
	ServicePharmacy:    "5002",
	ServiceRadiology:   "5003",
}

// Peers holds the static base URLs of the other services.
type Peers struct {
	Coordinator string
	Emergency   string
	Pharmacy    string
	Radiology   string
}

// Outbox holds the relay settings of a department service.
type Outbox struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	Workers      int
}

// Config is the configuration of one service process.
type Config struct {
	Service        string
	Port           string
	DatabaseURL    string
	SecretKey      string
	DepartmentName string

	LogLevel  string
	LogFormat string

	Peers           Peers
	SyncTimeout     time.Duration
	PeerReadTimeout time.Duration
	BreakerTimeout  time.Duration

	SyncTransport string
	KafkaBrokers  []string
	SyncTopic     string

	Outbox Outbox

	OTLPEndpoint string
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Load reads envFile (when present) into the environment and builds the
// configuration of the named service. Variables already set in the
// environment win over the file.
func Load(service, envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v, service)
}

// FromViper builds the configuration of the named service from v.
func FromViper(v *viper.Viper, service string) (*Config, error) {
	port, ok := defaultPorts[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	portKey := strings.ToUpper(service) + "_PORT"

	v.SetDefault(portKey, port)
	v.SetDefault("DATABASE_URL", "sqlite:///"+service+".db")
	v.SetDefault("SECRET_KEY", "dev-key")
	v.SetDefault("DEPARTMENT_NAME", service)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("COORDINATOR_URL", "http://127.0.0.1:"+defaultPorts[ServiceCoordinator])
	v.SetDefault("EMERGENCY_URL", "http://127.0.0.1:"+defaultPorts[ServiceEmergency])
	v.SetDefault("PHARMACY_URL", "http://127.0.0.1:"+defaultPorts[ServicePharmacy])
	v.SetDefault("RADIOLOGY_URL", "http://127.0.0.1:"+defaultPorts[ServiceRadiology])
	v.SetDefault("SYNC_TIMEOUT", 3*time.Second)
	v.SetDefault("PEER_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("BREAKER_TIMEOUT", 30*time.Second)
	v.SetDefault("SYNC_TRANSPORT", TransportHTTP)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SYNC_TOPIC", "patient.sync")
	v.SetDefault("OUTBOX_POLL_INTERVAL", 2*time.Second)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_WORKERS", 4)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := &Config{
		Service:        service,
		Port:           v.GetString(portKey),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		SecretKey:      v.GetString("SECRET_KEY"),
		DepartmentName: v.GetString("DEPARTMENT_NAME"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		Peers: Peers{
			Coordinator: strings.TrimRight(v.GetString("COORDINATOR_URL"), "/"),
			Emergency:   strings.TrimRight(v.GetString("EMERGENCY_URL"), "/"),
			Pharmacy:    strings.TrimRight(v.GetString("PHARMACY_URL"), "/"),
			Radiology:   strings.TrimRight(v.GetString("RADIOLOGY_URL"), "/"),
		},
		SyncTimeout:     v.GetDuration("SYNC_TIMEOUT"),
		PeerReadTimeout: v.GetDuration("PEER_READ_TIMEOUT"),
		BreakerTimeout:  v.GetDuration("BREAKER_TIMEOUT"),
		SyncTransport:   strings.ToLower(v.GetString("SYNC_TRANSPORT")),
		KafkaBrokers:    splitList(v.GetString("KAFKA_BROKERS")),
		SyncTopic:       v.GetString("SYNC_TOPIC"),
		Outbox: Outbox{
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
			MaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
			BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
			Workers:      v.GetInt("OUTBOX_WORKERS"),
		},
		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL must not be empty")
	}
	switch c.SyncTransport {
	case TransportHTTP:
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("SYNC_TRANSPORT=kafka requires KAFKA_BROKERS")
		}
		if c.SyncTopic == "" {
			return errors.New("SYNC_TOPIC must not be empty")
		}
	default:
		return fmt.Errorf("unknown SYNC_TRANSPORT %q", c.SyncTransport)
	}

	durations := map[string]time.Duration{
		"SYNC_TIMEOUT":         c.SyncTimeout,
		"PEER_READ_TIMEOUT":    c.PeerReadTimeout,
		"BREAKER_TIMEOUT":      c.BreakerTimeout,
		"OUTBOX_POLL_INTERVAL": c.Outbox.PollInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Outbox.MaxAttempts <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.Workers <= 0 {
		return errors.New("OUTBOX_MAX_ATTEMPTS, OUTBOX_BATCH_SIZE and OUTBOX_WORKERS must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
