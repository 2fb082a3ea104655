// Package jobs runs the reference watcher: it triggers the permissionless
// finalize and close operations once their boundaries pass, and starts and
// stops the compute behind active sessions. It is best-effort; a failed run is
// logged and retried on the next tick.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/metrics"
	"github.com/telemyapp/quorum-control-plane/internal/model"
	"github.com/telemyapp/quorum-control-plane/internal/relay"
)

type Ledger interface {
	Mode() ledger.Mode
	DueSessions(ctx context.Context, limit int) ([]model.Session, error)
	Finalize(ctx context.Context, sessionID uint64) (*model.Session, error)
	CloseIfExpired(ctx context.Context, sessionID uint64) (*model.Session, error)
}

type ComputeStore interface {
	PendingLaunches(ctx context.Context, now time.Time, limit int) ([]model.ComputeLaunch, error)
	PendingTerminations(ctx context.Context, now time.Time, limit int) ([]model.ComputeLaunch, error)
	RecordLaunch(ctx context.Context, l model.ComputeLaunch) error
	RecordTermination(ctx context.Context, sessionID uint64, at time.Time) error
}

type Options struct {
	Provider  string
	Region    string
	Interval  time.Duration
	BatchSize int
	Logger    logrus.FieldLogger
	Clock     func() time.Time
}

type Runner struct {
	ledger   Ledger
	compute  ComputeStore
	prov     relay.Provisioner
	provider string
	region   string
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
	clock    func() time.Time
}

func NewRunner(l Ledger, compute ComputeStore, prov relay.Provisioner, opts Options) *Runner {
	r := &Runner{
		ledger:   l,
		compute:  compute,
		prov:     prov,
		provider: opts.Provider,
		region:   opts.Region,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		log:      opts.Logger,
		clock:    opts.Clock,
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.batch <= 0 {
		r.batch = 100
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.provider == "" {
		r.provider = "fake"
	}
	return r
}

func (r *Runner) Start(ctx context.Context) {
	if r.ledger.Mode() == ledger.ModeTimeGated {
		go r.runEvery(ctx, "session_settle", r.interval, r.settleDue)
	}
	go r.runEvery(ctx, "compute_launch", r.interval, r.launchPending)
	go r.runEvery(ctx, "compute_terminate", r.interval, r.terminateExpired)
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{"job": name, "status": "ok"}
	entry := r.log.WithFields(logrus.Fields{
		"metric":      "job_run",
		"name":        name,
		"duration_ms": int64(durMs),
	})
	if err != nil {
		labels["status"] = "error"
		entry.WithFields(logrus.Fields{"status": "error", "err": err}).Error("job run failed")
	} else {
		entry.WithField("status", "ok").Debug("job run finished")
		metrics.Default().Set("quorum_job_last_success_seconds", float64(time.Now().Unix()), metrics.Labels{"job": name})
	}
	metrics.Default().Inc("quorum_job_runs_total", labels)
	metrics.Default().Observe("quorum_job_duration_ms", durMs, map[string]string{"job": name})
}

// settleDue finalizes Funding sessions past startAt and closes Active sessions
// past their stop boundary. A session that another caller already moved is
// skipped.
func (r *Runner) settleDue(ctx context.Context) error {
	due, err := r.ledger.DueSessions(ctx, r.batch)
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range due {
		var op string
		switch sess.Status {
		case model.SessionFunding:
			op = "finalize"
			_, err = r.ledger.Finalize(ctx, sess.ID)
		case model.SessionActive:
			op = "close"
			_, err = r.ledger.CloseIfExpired(ctx, sess.ID)
		default:
			continue
		}
		switch ledger.CodeOf(err) {
		case "":
			if err != nil {
				errs = append(errs, err)
				continue
			}
			r.log.WithFields(logrus.Fields{"op": op, "session_id": sess.ID}).Info("watcher triggered transition")
		case ledger.CodeWrongStatus, ledger.CodeTooEarly:
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) launchPending(ctx context.Context) error {
	pending, err := r.compute.PendingLaunches(ctx, r.clock().UTC(), r.batch)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range pending {
		start := time.Now()
		res, err := r.prov.Provision(ctx, relay.ProvisionRequest{
			SessionID:  l.SessionID,
			InstanceID: l.InstanceID,
			Tier:       l.Tier,
			Region:     r.region,
		})
		r.observeProvision(l.Tier, err, time.Since(start))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.Region = r.region
		l.ComputeID = res.ComputeID
		l.InstanceType = res.InstanceType
		l.PublicIP = res.PublicIP
		l.LaunchedAt = r.clock().UTC()
		if err := r.compute.RecordLaunch(ctx, l); err != nil {
			// Compute is running but unrecorded; stop it so the next tick starts clean.
			if derr := r.prov.Deprovision(ctx, relay.DeprovisionRequest{SessionID: l.SessionID, Region: l.Region, ComputeID: l.ComputeID}); derr != nil {
				r.log.WithFields(logrus.Fields{"session_id": l.SessionID, "compute_id": l.ComputeID, "err": derr}).Warn("compensating deprovision failed")
			}
			errs = append(errs, err)
			continue
		}
		r.log.WithFields(logrus.Fields{
			"session_id":    l.SessionID,
			"compute_id":    l.ComputeID,
			"instance_type": l.InstanceType,
			"public_ip":     l.PublicIP,
		}).Info("session compute started")
	}
	return errors.Join(errs...)
}

func (r *Runner) terminateExpired(ctx context.Context) error {
	pending, err := r.compute.PendingTerminations(ctx, r.clock().UTC(), r.batch)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range pending {
		start := time.Now()
		err := r.prov.Deprovision(ctx, relay.DeprovisionRequest{SessionID: l.SessionID, Region: l.Region, ComputeID: l.ComputeID})
		r.observeDeprovision(err, time.Since(start))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.compute.RecordTermination(ctx, l.SessionID, r.clock().UTC()); err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.WithFields(logrus.Fields{"session_id": l.SessionID, "compute_id": l.ComputeID}).Info("session compute stopped")
	}
	return errors.Join(errs...)
}

func (r *Runner) observeProvision(tier model.Tier, err error, dur time.Duration) {
	labels := map[string]string{"provider": r.provider, "tier": string(tier), "status": "ok"}
	if err != nil {
		labels["status"] = "error"
	}
	metrics.Default().Inc("quorum_compute_provision_total", labels)
	metrics.Default().Observe("quorum_compute_provision_latency_ms", float64(dur.Milliseconds()), labels)
}

func (r *Runner) observeDeprovision(err error, dur time.Duration) {
	labels := map[string]string{"provider": r.provider, "status": "ok"}
	if err != nil {
		labels["status"] = "error"
	}
	metrics.Default().Inc("quorum_compute_deprovision_total", labels)
	metrics.Default().Observe("quorum_compute_deprovision_latency_ms", float64(dur.Milliseconds()), labels)
}
