package ledger

import (
	"fmt"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type Mode string

const (
	ModeTimeGated Mode = "time_gated"
	ModeThreshold Mode = "threshold"
)

// ActivationPolicy is the part of the session state machine that differs between
// time-gated all-or-nothing funding and threshold-triggered funding.
type ActivationPolicy interface {
	Mode() Mode
	// Recipient resolves the payout recipient for a new instance.
	Recipient(requested, owner string) (string, error)
	ValidateStart(startAt, now time.Time) error
	// CheckFundingWindow gates join and deposit while the session is Funding.
	CheckFundingWindow(sess *model.Session, now time.Time) error
	AutoJoin() bool
	// AfterDeposit may activate the session once a deposit has been booked.
	AfterDeposit(sess *model.Session, now time.Time) bool
	Finalize(sess *model.Session, now time.Time) error
	CheckActivation(sess *model.Session, now time.Time) error
	SupportsClose() bool
	// Payable reports whether the provider may withdraw in the session's status.
	Payable(status model.SessionStatus) bool
	Unlocked(sess model.Session, now time.Time) uint64
	// NotStarted gates withdrawIfNotStarted.
	NotStarted(sess *model.Session, now time.Time) error
	// Settled reports whether pro-rata refunds of unused funds are open.
	Settled(status model.SessionStatus) bool
}

func PolicyFor(mode Mode) (ActivationPolicy, error) {
	switch mode {
	case ModeTimeGated, "":
		return TimeGated{}, nil
	case ModeThreshold:
		return Threshold{}, nil
	default:
		return nil, fmt.Errorf("unknown activation mode %q", mode)
	}
}

// TimeGated activates at startAt only if every seat is fully funded, and
// otherwise cancels. Deposits close at startAt, so readyCount is frozen by the
// time finalize can run.
type TimeGated struct{}

func (TimeGated) Mode() Mode { return ModeTimeGated }

func (TimeGated) Recipient(requested, _ string) (string, error) {
	if requested == "" {
		return "", ErrZeroRecipient
	}
	return requested, nil
}

func (TimeGated) ValidateStart(startAt, now time.Time) error {
	if !startAt.After(now) {
		return reject(ErrStartNotInFuture, "start_at %s is not after %s", startAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

func (TimeGated) CheckFundingWindow(sess *model.Session, now time.Time) error {
	if !now.Before(sess.StartAt) {
		return reject(ErrTooLate, "session %d started at %s", sess.ID, sess.StartAt.Format(time.RFC3339))
	}
	return nil
}

func (TimeGated) AutoJoin() bool { return false }

func (TimeGated) AfterDeposit(*model.Session, time.Time) bool { return false }

func (TimeGated) Finalize(sess *model.Session, now time.Time) error {
	if now.Before(sess.StartAt) {
		return reject(ErrTooEarly, "session %d starts at %s", sess.ID, sess.StartAt.Format(time.RFC3339))
	}
	if sess.ReadyCount == sess.MaxParticipants {
		start := sess.StartAt
		sess.StartTime = &start
		sess.Status = model.SessionActive
		return nil
	}
	sess.Status = model.SessionCancelled
	return nil
}

func (TimeGated) CheckActivation(*model.Session, time.Time) error {
	return reject(ErrNotSupported, "time-gated sessions activate through finalize")
}

func (TimeGated) SupportsClose() bool { return true }

func (TimeGated) Payable(status model.SessionStatus) bool {
	return status == model.SessionActive || status == model.SessionClosed
}

func (TimeGated) Unlocked(sess model.Session, now time.Time) uint64 {
	return Vested(sess, now)
}

func (TimeGated) NotStarted(sess *model.Session, now time.Time) error {
	if now.Before(sess.StartAt) {
		return reject(ErrTooEarly, "session %d starts at %s", sess.ID, sess.StartAt.Format(time.RFC3339))
	}
	switch {
	case sess.Status == model.SessionCancelled:
		return nil
	case sess.Status == model.SessionFunding && sess.ReadyCount != sess.MaxParticipants:
		return nil
	default:
		return reject(ErrWrongStatus, "session %d is %s", sess.ID, sess.Status)
	}
}

func (TimeGated) Settled(status model.SessionStatus) bool {
	return status == model.SessionClosed
}

// Threshold activates the moment total deposits cover the session cost, with no
// time gate. There is no usage window to close, so Active is terminal.
type Threshold struct{}

func (Threshold) Mode() Mode { return ModeThreshold }

func (Threshold) Recipient(_, owner string) (string, error) {
	if owner == "" {
		return "", ErrZeroRecipient
	}
	return owner, nil
}

func (Threshold) ValidateStart(time.Time, time.Time) error { return nil }

func (Threshold) CheckFundingWindow(*model.Session, time.Time) error { return nil }

func (Threshold) AutoJoin() bool { return true }

func (Threshold) AfterDeposit(sess *model.Session, now time.Time) bool {
	return activateIfFunded(sess, now)
}

func (Threshold) Finalize(*model.Session, time.Time) error {
	return reject(ErrNotSupported, "threshold sessions activate on deposit")
}

func (Threshold) CheckActivation(sess *model.Session, now time.Time) error {
	if !activateIfFunded(sess, now) {
		return reject(ErrNotFunded, "session %d has %d of %d", sess.ID, sess.TotalDeposited, sess.TotalRequired())
	}
	return nil
}

func (Threshold) SupportsClose() bool { return false }

func (Threshold) Payable(status model.SessionStatus) bool {
	return status == model.SessionActive
}

func (Threshold) Unlocked(sess model.Session, _ time.Time) uint64 {
	return FinalCost(sess)
}

func (Threshold) NotStarted(sess *model.Session, now time.Time) error {
	if now.Before(sess.StartAt) {
		return reject(ErrTooEarly, "session %d starts at %s", sess.ID, sess.StartAt.Format(time.RFC3339))
	}
	if sess.Status != model.SessionFunding {
		return reject(ErrWrongStatus, "session %d is %s", sess.ID, sess.Status)
	}
	return nil
}

func (Threshold) Settled(status model.SessionStatus) bool {
	return status == model.SessionActive
}

func activateIfFunded(sess *model.Session, now time.Time) bool {
	if sess.Status != model.SessionFunding || sess.TotalDeposited < sess.TotalRequired() {
		return false
	}
	start := now
	sess.StartTime = &start
	sess.Status = model.SessionActive
	return true
}
