// Package ledger implements the session funding and settlement state machine.
//
// Every operation that changes a session runs inside Repository.Mutate, which
// serializes it against all other operations on the same session. Bookkeeping
// is applied to the session copy first and the value transfer is always the
// final step, so a failing transfer discards the whole operation.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/metrics"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type Engine struct {
	repo     Repository
	transfer Transferer
	notifier Notifier
	policy   ActivationPolicy
	rates    RateTable
	custody  string
	owner    string
	clock    func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithCustodyAccount names the account that holds deposited funds.
func WithCustodyAccount(account string) Option {
	return func(e *Engine) { e.custody = account }
}

// WithOwnerAccount names the implicit payout recipient used in threshold mode.
func WithOwnerAccount(account string) Option {
	return func(e *Engine) { e.owner = account }
}

func New(repo Repository, transfer Transferer, rates RateTable, policy ActivationPolicy, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		transfer: transfer,
		notifier: discardNotifier{},
		policy:   policy,
		rates:    rates,
		custody:  "ledger:custody",
		clock:    time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Mode() Mode {
	return e.policy.Mode()
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Second)
}

func (e *Engine) CreateInstance(ctx context.Context, tier model.Tier, recipient string) (*model.Instance, error) {
	const op = "create_instance"
	if _, ok := e.rates.Price(tier); !ok {
		return nil, e.observe(op, reject(ErrInvalidArgument, "tier %q has no rate", tier))
	}
	payTo, err := e.policy.Recipient(recipient, e.owner)
	if err != nil {
		return nil, e.observe(op, err)
	}
	inst := &model.Instance{
		Tier:            tier,
		PayoutRecipient: payTo,
		Enabled:         true,
		CreatedAt:       e.now(),
	}
	if err := e.repo.CreateInstance(ctx, inst); err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{
		Type:       model.EventInstanceCreated,
		InstanceID: inst.ID,
		Tier:       inst.Tier,
		Recipient:  inst.PayoutRecipient,
	})
	return inst, nil
}

// SetInstanceEnabled toggles whether new sessions may be created on an instance.
// Sessions that already exist are unaffected.
func (e *Engine) SetInstanceEnabled(ctx context.Context, instanceID uint64, enabled bool) (*model.Instance, error) {
	const op = "set_instance_enabled"
	inst, err := e.repo.SetInstanceEnabled(ctx, instanceID, enabled)
	if err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{
		Type:       model.EventInstanceToggled,
		InstanceID: inst.ID,
		Enabled:    &enabled,
	})
	return inst, nil
}

type CreateSessionInput struct {
	InstanceID      uint64
	MaxParticipants uint32
	StartAt         time.Time
	DurationSeconds uint64
}

// MaxDurationSeconds is the longest session whose stop time is representable
// as a time.Duration offset from its start.
const MaxDurationSeconds = uint64(math.MaxInt64 / int64(time.Second))

func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	const op = "create_session"
	now := e.now()
	inst, err := e.repo.Instance(ctx, in.InstanceID)
	if err != nil {
		return nil, e.observe(op, err)
	}
	if !inst.Enabled {
		return nil, e.observe(op, reject(ErrInstanceDisabled, "instance %d", inst.ID))
	}
	if in.MaxParticipants == 0 {
		return nil, e.observe(op, reject(ErrInvalidArgument, "max_participants must be positive"))
	}
	if in.DurationSeconds == 0 {
		return nil, e.observe(op, reject(ErrInvalidArgument, "duration_seconds must be positive"))
	}
	if in.DurationSeconds > MaxDurationSeconds {
		return nil, e.observe(op, reject(ErrInvalidArgument, "duration_seconds must be at most %d", MaxDurationSeconds))
	}
	startAt := in.StartAt.UTC().Truncate(time.Second)
	if err := e.policy.ValidateStart(startAt, now); err != nil {
		return nil, e.observe(op, err)
	}
	price, _ := e.rates.Price(inst.Tier)
	if price == 0 {
		return nil, e.observe(op, reject(ErrZeroPrice, "tier %s", inst.Tier))
	}
	total, ok := mulChecked(price, in.DurationSeconds)
	if !ok {
		return nil, e.observe(op, reject(ErrOverflow, "price %d * duration %d", price, in.DurationSeconds))
	}

	sess := &model.Session{
		InstanceID:      inst.ID,
		MaxParticipants: in.MaxParticipants,
		StartAt:         startAt,
		DurationSeconds: in.DurationSeconds,
		PricePerSecond:  price,
		RequiredPerUser: RequiredPerUser(total, in.MaxParticipants),
		Status:          model.SessionFunding,
		CreatedAt:       now,
	}
	if err := e.repo.CreateSession(ctx, sess); err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.log.WithFields(logrus.Fields{
		"session_id":        sess.ID,
		"instance_id":       sess.InstanceID,
		"required_per_user": sess.RequiredPerUser,
		"start_at":          sess.StartAt.Format(time.RFC3339),
	}).Info("session created")
	e.publish(ctx, model.Event{
		Type:            model.EventSessionCreated,
		SessionID:       sess.ID,
		InstanceID:      sess.InstanceID,
		StartAt:         &startAt,
		DurationSeconds: sess.DurationSeconds,
		MaxParticipants: sess.MaxParticipants,
		RequiredPerUser: sess.RequiredPerUser,
	})
	return sess, nil
}

func (e *Engine) Instance(ctx context.Context, id uint64) (*model.Instance, error) {
	return e.repo.Instance(ctx, id)
}

func (e *Engine) Session(ctx context.Context, id uint64) (*model.Session, error) {
	return e.repo.Session(ctx, id)
}

func (e *Engine) Participant(ctx context.Context, sessionID uint64, account string) (*model.Participant, error) {
	return e.repo.Participant(ctx, sessionID, account)
}

func (e *Engine) Participants(ctx context.Context, sessionID uint64) ([]model.Participant, error) {
	if _, err := e.repo.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.repo.Participants(ctx, sessionID)
}

// DueSessions lists sessions whose finalize or close boundary has passed.
func (e *Engine) DueSessions(ctx context.Context, limit int) ([]model.Session, error) {
	return e.repo.DueSessions(ctx, e.now(), limit)
}

type heldKey struct{}

type heldSession struct {
	id     uint64
	parent *heldSession
}

func holding(ctx context.Context, sessionID uint64) bool {
	for h, _ := ctx.Value(heldKey{}).(*heldSession); h != nil; h = h.parent {
		if h.id == sessionID {
			return true
		}
	}
	return false
}

// mutate runs fn under the session lock. A call arriving through the context of
// an operation that already holds the same session, such as from inside a
// transfer, is rejected instead of deadlocking.
func (e *Engine) mutate(ctx context.Context, sessionID uint64, account string, fn MutateFunc) error {
	if holding(ctx, sessionID) {
		return reject(ErrReentrantCall, "session %d", sessionID)
	}
	parent, _ := ctx.Value(heldKey{}).(*heldSession)
	ctx = context.WithValue(ctx, heldKey{}, &heldSession{id: sessionID, parent: parent})
	return e.repo.Mutate(ctx, sessionID, account, fn)
}

func (e *Engine) move(ctx context.Context, from, to string, amount uint64, direction string) error {
	labels := map[string]string{"direction": direction}
	if err := e.transfer.Transfer(ctx, from, to, amount); err != nil {
		labels["status"] = "error"
		metrics.Default().Inc("quorum_ledger_transfers_total", labels)
		return &Error{Code: CodeTransferFailed, Message: "value transfer failed: " + direction, Cause: err}
	}
	labels["status"] = "ok"
	metrics.Default().Inc("quorum_ledger_transfers_total", labels)
	return nil
}

func (e *Engine) observe(op string, err error) error {
	labels := map[string]string{"op": op, "status": "ok"}
	if err != nil {
		labels["status"] = "rejected"
		code := CodeOf(err)
		if code == "" {
			labels["status"] = "error"
			e.log.WithFields(logrus.Fields{"op": op, "err": err}).Error("ledger operation failed")
		} else {
			e.log.WithFields(logrus.Fields{"op": op, "code": code, "err": err}).Debug("ledger operation rejected")
		}
	}
	metrics.Default().Inc("quorum_ledger_operations_total", labels)
	return err
}

func (e *Engine) publish(ctx context.Context, events ...model.Event) {
	now := e.now()
	for _, ev := range events {
		ev.ID = "evt_" + uuid.NewString()
		ev.At = now
		if err := e.notifier.Publish(ctx, ev); err != nil {
			e.log.WithFields(logrus.Fields{
				"event":      ev.Type,
				"session_id": ev.SessionID,
				"err":        err,
			}).Warn("notification publish failed")
		}
	}
}

func (e *Engine) logTransition(sess *model.Session, op string) {
	e.log.WithFields(logrus.Fields{
		"op":              op,
		"session_id":      sess.ID,
		"status":          sess.Status,
		"total_deposited": sess.TotalDeposited,
		"ready_count":     sess.ReadyCount,
	}).Info("session updated")
}

func requireAccount(account string) error {
	if account == "" {
		return reject(ErrInvalidArgument, "account is required")
	}
	return nil
}
