// Package relay starts and stops the compute backing an active session.
package relay

import (
	"context"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type ProvisionRequest struct {
	SessionID  uint64
	InstanceID uint64
	Tier       model.Tier
	Region     string
}

type ProvisionResult struct {
	ComputeID    string
	ImageID      string
	InstanceType string
	PublicIP     string
}

type DeprovisionRequest struct {
	SessionID uint64
	Region    string
	ComputeID string
}

type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	Deprovision(ctx context.Context, req DeprovisionRequest) error
}
