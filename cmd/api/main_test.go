package main

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/telemyapp/quorum-control-plane/internal/config"
)

func TestBuildSinks_LogAndKafka(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := config.Config{
		EventSinks:   []string{"log", "kafka"},
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "quorum-ledger-events",
	}

	got, err := buildSinks(cfg, log, nil)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(got))
	}
	if got[0].Name() != "log" || got[1].Name() != "kafka" {
		t.Fatalf("unexpected sinks: %s, %s", got[0].Name(), got[1].Name())
	}
}

func TestBuildSinks_DBSinkRequiresDatabase(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := config.Config{EventSinks: []string{"log", "db"}}

	_, err := buildSinks(cfg, log, nil)
	if err == nil || !strings.Contains(err.Error(), "QUORUM_DATABASE_URL") {
		t.Fatalf("expected database error, got %v", err)
	}
}

func TestBuildSinks_UnknownSink(t *testing.T) {
	log, _ := test.NewNullLogger()
	if _, err := buildSinks(config.Config{EventSinks: []string{"smtp"}}, log, nil); err == nil {
		t.Fatal("expected error for unknown sink")
	}
}
