package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// MutateFunc applies one operation to a locked session. part is nil when the
// operation has no caller-scoped participant, and a zero record with Joined
// false when the caller has never joined. Returning an error discards every
// change made to sess and part.
type MutateFunc func(ctx context.Context, sess *model.Session, part *model.Participant) error

// Repository persists instances, sessions and participants.
//
// Mutate is the only write path for existing sessions: it serializes all calls
// for the same session, hands fn private copies, and commits them only when fn
// returns nil. The ctx passed to fn must be the one handed to the Transferer so
// transactional implementations can enlist the transfer.
type Repository interface {
	CreateInstance(ctx context.Context, inst *model.Instance) error
	Instance(ctx context.Context, id uint64) (*model.Instance, error)
	SetInstanceEnabled(ctx context.Context, id uint64, enabled bool) (*model.Instance, error)
	CreateSession(ctx context.Context, sess *model.Session) error
	Session(ctx context.Context, id uint64) (*model.Session, error)
	Participant(ctx context.Context, sessionID uint64, account string) (*model.Participant, error)
	Participants(ctx context.Context, sessionID uint64) ([]model.Participant, error)
	DueSessions(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
	Mutate(ctx context.Context, sessionID uint64, account string, fn MutateFunc) error
}

// Transferer moves value between accounts. It must fail atomically: either the
// full amount moves or nothing does.
type Transferer interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
}

// Notifier receives committed state change notifications.
type Notifier interface {
	Publish(ctx context.Context, ev model.Event) error
}

type discardNotifier struct{}

func (discardNotifier) Publish(context.Context, model.Event) error { return nil }

// RateTable maps tiers to a per-second price. It is fixed at construction.
type RateTable struct {
	prices map[model.Tier]uint64
}

func NewRateTable(prices map[model.Tier]uint64) (RateTable, error) {
	cp := make(map[model.Tier]uint64, len(prices))
	for tier, price := range prices {
		if !tier.Valid() {
			return RateTable{}, fmt.Errorf("rate table: unknown tier %q", tier)
		}
		cp[tier] = price
	}
	return RateTable{prices: cp}, nil
}

func (r RateTable) Price(t model.Tier) (uint64, bool) {
	p, ok := r.prices[t]
	return p, ok
}
