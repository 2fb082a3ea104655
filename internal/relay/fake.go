package relay

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvisioner hands out placeholder compute without touching a cloud
// provider. It remembers which compute ids are running.
type FakeProvisioner struct {
	mu      sync.Mutex
	running map[string]uint64
}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{running: make(map[string]uint64)}
}

func (f *FakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (ProvisionResult, error) {
	if !req.Tier.Valid() {
		return ProvisionResult{}, fmt.Errorf("unknown tier %q", req.Tier)
	}
	id := fmt.Sprintf("i-fake-%d", req.SessionID)
	f.mu.Lock()
	f.running[id] = req.SessionID
	f.mu.Unlock()
	return ProvisionResult{
		ComputeID:    id,
		ImageID:      "ami-placeholder-" + req.Region,
		InstanceType: "fake." + string(req.Tier),
		PublicIP:     fmt.Sprintf("203.0.113.%d", 10+req.SessionID%200),
	}, nil
}

func (f *FakeProvisioner) Deprovision(_ context.Context, req DeprovisionRequest) error {
	f.mu.Lock()
	delete(f.running, req.ComputeID)
	f.mu.Unlock()
	return nil
}

// Running reports how many fake compute instances are up.
func (f *FakeProvisioner) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}
