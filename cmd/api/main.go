package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/api"
	"github.com/telemyapp/quorum-control-plane/internal/config"
	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/logging"
	"github.com/telemyapp/quorum-control-plane/internal/notify"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rates, err := ledger.NewRateTable(cfg.TierRates)
	if err != nil {
		log.Fatalf("rate table: %v", err)
	}
	policy, err := ledger.PolicyFor(ledger.Mode(cfg.ActivationMode))
	if err != nil {
		log.Fatalf("activation policy: %v", err)
	}

	var (
		repo     ledger.Repository
		transfer ledger.Transferer
		funder   api.Funder
		db       store.DB
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st := store.New(pool)
		repo, transfer, funder, db = st, st, st, pool
	} else {
		log.Warn("QUORUM_DATABASE_URL is empty; using the in-memory ledger")
		vault := ledger.NewVault()
		repo, transfer, funder = ledger.NewMemoryRepository(), vault, vault
	}

	sinks, err := buildSinks(cfg, log, db)
	if err != nil {
		log.Fatalf("event sinks: %v", err)
	}
	var history api.EventHistory
	if cfg.HasSink("db") {
		history = store.NewEventLog(db)
	} else {
		mem := notify.NewHistory(256)
		sinks = append(sinks, mem)
		history = mem
	}
	notifier := notify.NewMulti(sinks...)
	defer func() {
		if err := notifier.Close(); err != nil {
			log.WithError(err).Warn("close event sinks")
		}
	}()

	eng := ledger.New(repo, transfer, rates, policy,
		ledger.WithLogger(log),
		ledger.WithNotifier(notifier),
		ledger.WithCustodyAccount(cfg.CustodyAccount),
		ledger.WithOwnerAccount(cfg.OwnerAccount),
	)
	handler := api.NewRouter(cfg, eng, funder, history, log)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"addr":            cfg.ListenAddr,
		"activation_mode": cfg.ActivationMode,
		"sinks":           cfg.EventSinks,
	}).Info("quorum-control-plane listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

// buildSinks turns QUORUM_EVENT_SINKS into notification sinks. The db sink
// needs a database; the in-memory ledger cannot use it.
func buildSinks(cfg config.Config, log logrus.FieldLogger, db store.DB) ([]notify.Sink, error) {
	sinks := make([]notify.Sink, 0, len(cfg.EventSinks))
	for _, name := range cfg.EventSinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.NewLog(log))
		case "kafka":
			sinks = append(sinks, notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic))
		case "amqp":
			sink, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				return nil, fmt.Errorf("amqp: %w", err)
			}
			sinks = append(sinks, sink)
		case "db":
			if db == nil {
				return nil, fmt.Errorf("db event sink requires QUORUM_DATABASE_URL")
			}
			sinks = append(sinks, store.NewEventLog(db))
		default:
			return nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	return sinks, nil
}
