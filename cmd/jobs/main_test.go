package main

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/telemyapp/quorum-control-plane/internal/config"
	"github.com/telemyapp/quorum-control-plane/internal/model"
	"github.com/telemyapp/quorum-control-plane/internal/relay"
)

func TestBuildProvisioner(t *testing.T) {
	log, _ := test.NewNullLogger()

	prov, err := buildProvisioner(config.Config{RelayProvider: "fake"}, log)
	if err != nil {
		t.Fatalf("fake provisioner: %v", err)
	}
	if _, ok := prov.(*relay.FakeProvisioner); !ok {
		t.Fatalf("expected fake provisioner, got %T", prov)
	}

	prov, err = buildProvisioner(config.Config{
		RelayProvider:    "aws",
		AWSAMIMap:        map[string]string{"us-east-1": "ami-real-1"},
		AWSInstanceTypes: map[model.Tier]string{model.TierSmall: "t4g.micro"},
	}, log)
	if err != nil {
		t.Fatalf("aws provisioner: %v", err)
	}
	if _, ok := prov.(*relay.AWSProvisioner); !ok {
		t.Fatalf("expected aws provisioner, got %T", prov)
	}

	if _, err := buildProvisioner(config.Config{RelayProvider: "aws"}, log); err == nil {
		t.Fatal("expected error for aws without AMI map")
	}
	if _, err := buildProvisioner(config.Config{RelayProvider: "gcp"}, log); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
