package main

import (
	"flag"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/logging"
	"github.com/telemyapp/quorum-control-plane/internal/store"
)

// migrateConfig is the subset of the service environment the migrator needs.
type migrateConfig struct {
	DatabaseURL string `env:"QUORUM_DATABASE_URL,required"`
	LogLevel    string `env:"QUORUM_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"QUORUM_LOG_FORMAT" envDefault:"text"`
}

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("init logging: %v", err)
	}
	if err := store.Migrate(cfg.DatabaseURL, *direction); err != nil {
		log.Fatalf("migrate %s: %v", *direction, err)
	}
	log.WithField("direction", *direction).Info("migrations applied")
}
