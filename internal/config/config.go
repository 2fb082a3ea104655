package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type Config struct {
	ListenAddr     string            `env:"QUORUM_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL    string            `env:"QUORUM_DATABASE_URL"`
	JWTSecret      string            `env:"QUORUM_JWT_SECRET"`
	OperatorKey    string            `env:"QUORUM_OPERATOR_KEY"`
	ActivationMode string            `env:"QUORUM_ACTIVATION_MODE" envDefault:"time_gated"`
	RawTierRates   map[string]uint64 `env:"QUORUM_TIER_RATES" envDefault:"small:1,medium:2,large:4" envSeparator:"," envKeyValSeparator:":"`
	CustodyAccount string            `env:"QUORUM_CUSTODY_ACCOUNT" envDefault:"ledger:custody"`
	OwnerAccount   string            `env:"QUORUM_OWNER_ACCOUNT" envDefault:"ledger:owner"`
	EventSinks     []string          `env:"QUORUM_EVENT_SINKS" envDefault:"log" envSeparator:","`
	KafkaBrokers   []string          `env:"QUORUM_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic     string            `env:"QUORUM_KAFKA_TOPIC" envDefault:"quorum-ledger-events"`
	AMQPURL        string            `env:"QUORUM_AMQP_URL"`
	AMQPExchange   string            `env:"QUORUM_AMQP_EXCHANGE" envDefault:"quorum.ledger.events"`
	RelayProvider  string            `env:"QUORUM_RELAY_PROVIDER" envDefault:"fake"`
	DefaultRegion  string            `env:"QUORUM_DEFAULT_REGION" envDefault:"us-east-1"`
	AWSAMIMap      map[string]string `env:"QUORUM_AWS_AMI_MAP" envSeparator:"," envKeyValSeparator:":"`
	RawAWSTypes    map[string]string `env:"QUORUM_AWS_INSTANCE_TYPES" envDefault:"small:t4g.small,medium:t4g.medium,large:t4g.large" envSeparator:"," envKeyValSeparator:":"`
	AWSSubnetID    string            `env:"QUORUM_AWS_SUBNET_ID"`
	AWSSecurityIDs []string          `env:"QUORUM_AWS_SECURITY_GROUP_IDS" envSeparator:","`
	AWSKeyName     string            `env:"QUORUM_AWS_KEY_NAME"`
	WatchInterval  time.Duration     `env:"QUORUM_WATCH_INTERVAL" envDefault:"30s"`
	LogLevel       string            `env:"QUORUM_LOG_LEVEL" envDefault:"info"`
	LogFormat      string            `env:"QUORUM_LOG_FORMAT" envDefault:"text"`

	// Derived from the raw maps above by LoadFromEnv.
	TierRates        map[model.Tier]uint64 `env:"-"`
	AWSInstanceTypes map[model.Tier]string `env:"-"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.EventSinks = trimAll(cfg.EventSinks)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.AWSSecurityIDs = trimAll(cfg.AWSSecurityIDs)

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("QUORUM_JWT_SECRET is required")
	}
	if cfg.OperatorKey == "" {
		return Config{}, fmt.Errorf("QUORUM_OPERATOR_KEY is required")
	}
	if cfg.ActivationMode != "time_gated" && cfg.ActivationMode != "threshold" {
		return Config{}, fmt.Errorf("QUORUM_ACTIVATION_MODE must be one of time_gated|threshold")
	}
	if cfg.ActivationMode == "threshold" && cfg.OwnerAccount == "" {
		return Config{}, fmt.Errorf("QUORUM_OWNER_ACCOUNT is required for threshold activation")
	}
	if cfg.CustodyAccount == "" {
		return Config{}, fmt.Errorf("QUORUM_CUSTODY_ACCOUNT must not be empty")
	}

	rates, err := tierMap(cfg.RawTierRates)
	if err != nil {
		return Config{}, fmt.Errorf("QUORUM_TIER_RATES: %w", err)
	}
	cfg.TierRates = rates
	types, err := tierMap(cfg.RawAWSTypes)
	if err != nil {
		return Config{}, fmt.Errorf("QUORUM_AWS_INSTANCE_TYPES: %w", err)
	}
	cfg.AWSInstanceTypes = types

	for _, sink := range cfg.EventSinks {
		switch sink {
		case "log", "db":
		case "kafka":
			if len(cfg.KafkaBrokers) == 0 {
				return Config{}, fmt.Errorf("QUORUM_KAFKA_BROKERS is required for kafka event sink")
			}
		case "amqp":
			if cfg.AMQPURL == "" {
				return Config{}, fmt.Errorf("QUORUM_AMQP_URL is required for amqp event sink")
			}
		default:
			return Config{}, fmt.Errorf("QUORUM_EVENT_SINKS entries must be one of log|kafka|amqp|db, got %q", sink)
		}
	}

	if cfg.RelayProvider != "fake" && cfg.RelayProvider != "aws" {
		return Config{}, fmt.Errorf("QUORUM_RELAY_PROVIDER must be one of fake|aws")
	}
	if cfg.RelayProvider == "aws" && len(cfg.AWSAMIMap) == 0 {
		return Config{}, fmt.Errorf("QUORUM_AWS_AMI_MAP is required for aws relay provider")
	}
	if cfg.WatchInterval <= 0 {
		return Config{}, fmt.Errorf("QUORUM_WATCH_INTERVAL must be positive")
	}
	return cfg, nil
}

// HasSink reports whether name is one of the configured event sinks.
func (c Config) HasSink(name string) bool {
	for _, s := range c.EventSinks {
		if s == name {
			return true
		}
	}
	return false
}

func tierMap[V any](raw map[string]V) (map[model.Tier]V, error) {
	out := make(map[model.Tier]V, len(raw))
	for k, v := range raw {
		tier, err := model.ParseTier(k)
		if err != nil {
			return nil, err
		}
		out[tier] = v
	}
	return out, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
