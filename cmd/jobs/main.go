package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/config"
	"github.com/telemyapp/quorum-control-plane/internal/jobs"
	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/logging"
	"github.com/telemyapp/quorum-control-plane/internal/notify"
	"github.com/telemyapp/quorum-control-plane/internal/relay"
	"github.com/telemyapp/quorum-control-plane/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("init logging: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("QUORUM_DATABASE_URL is required for the watcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	rates, err := ledger.NewRateTable(cfg.TierRates)
	if err != nil {
		log.Fatalf("rate table: %v", err)
	}
	policy, err := ledger.PolicyFor(ledger.Mode(cfg.ActivationMode))
	if err != nil {
		log.Fatalf("activation policy: %v", err)
	}
	prov, err := buildProvisioner(cfg, log)
	if err != nil {
		log.Fatalf("init provisioner: %v", err)
	}

	st := store.New(pool)
	eng := ledger.New(st, st, rates, policy,
		ledger.WithLogger(log.WithField("component", "watcher")),
		ledger.WithNotifier(notify.NewMulti(notify.NewLog(log), store.NewEventLog(pool))),
		ledger.WithCustodyAccount(cfg.CustodyAccount),
		ledger.WithOwnerAccount(cfg.OwnerAccount),
	)
	jobs.NewRunner(eng, st, prov, jobs.Options{
		Provider: cfg.RelayProvider,
		Region:   cfg.DefaultRegion,
		Interval: cfg.WatchInterval,
		Logger:   log,
	}).Start(ctx)

	log.WithFields(logrus.Fields{
		"activation_mode": cfg.ActivationMode,
		"provider":        cfg.RelayProvider,
		"interval":        cfg.WatchInterval.String(),
	}).Info("quorum-jobs watcher started")
	<-ctx.Done()
	log.Info("quorum-jobs watcher stopping")
}

func buildProvisioner(cfg config.Config, log logrus.FieldLogger) (relay.Provisioner, error) {
	switch cfg.RelayProvider {
	case "aws":
		awsProv, err := relay.NewAWSProvisioner(relay.AWSProvisionerOptions{
			AMIByRegion:   cfg.AWSAMIMap,
			InstanceTypes: cfg.AWSInstanceTypes,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return awsProv, nil
	case "fake", "":
		return relay.NewFakeProvisioner(), nil
	default:
		return nil, fmt.Errorf("unknown relay provider %q", cfg.RelayProvider)
	}
}
