package ledger

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// ProviderWithdraw pays the instance's payout recipient whatever has unlocked
// since the last withdrawal. Repeated calls sum to the same total as one call
// made at the end.
func (e *Engine) ProviderWithdraw(ctx context.Context, sessionID uint64, caller string) (uint64, error) {
	const op = "provider_withdraw"
	snap, err := e.repo.Session(ctx, sessionID)
	if err != nil {
		return 0, e.observe(op, err)
	}
	inst, err := e.repo.Instance(ctx, snap.InstanceID)
	if err != nil {
		return 0, e.observe(op, err)
	}
	if caller == "" || caller != inst.PayoutRecipient {
		return 0, e.observe(op, reject(ErrNotRecipient, "instance %d", inst.ID))
	}

	var paid uint64
	err = e.mutate(ctx, sessionID, "", func(ctx context.Context, sess *model.Session, _ *model.Participant) error {
		if !e.policy.Payable(sess.Status) {
			return reject(ErrWrongStatus, "provider withdraw: session %d is %s", sess.ID, sess.Status)
		}
		unlocked := e.policy.Unlocked(*sess, e.now())
		if unlocked <= sess.WithdrawnGross {
			return reject(ErrNothingToWithdraw, "session %d unlocked %d, withdrawn %d", sess.ID, unlocked, sess.WithdrawnGross)
		}
		paid = unlocked - sess.WithdrawnGross
		sess.WithdrawnGross = unlocked
		return e.move(ctx, e.custody, inst.PayoutRecipient, paid, "provider_payout")
	})
	if err != nil {
		return 0, e.observe(op, err)
	}
	e.observe(op, nil)
	e.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"recipient":  inst.PayoutRecipient,
		"amount":     paid,
	}).Info("provider withdrawal")
	e.publish(ctx, model.Event{
		Type:      model.EventProviderWithdrawn,
		SessionID: sessionID,
		Account:   inst.PayoutRecipient,
		Amount:    paid,
	})
	return paid, nil
}

// WithdrawIfNotStarted refunds a caller's full deposit from a session that did
// not activate. Zeroing the deposit makes a replay fail with nothing to refund.
func (e *Engine) WithdrawIfNotStarted(ctx context.Context, sessionID uint64, account string) (uint64, error) {
	const op = "withdraw_if_not_started"
	if err := requireAccount(account); err != nil {
		return 0, e.observe(op, err)
	}
	var refund uint64
	err := e.mutate(ctx, sessionID, account, func(ctx context.Context, sess *model.Session, part *model.Participant) error {
		if err := e.policy.NotStarted(sess, e.now()); err != nil {
			return err
		}
		if part.Deposited == 0 {
			return reject(ErrNothingToRefund, "%s in session %d", account, sess.ID)
		}
		refund = part.Deposited
		part.Deposited = 0
		sess.TotalDeposited -= refund
		return e.move(ctx, e.custody, account, refund, "not_started_refund")
	})
	if err != nil {
		return 0, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{
		Type:      model.EventWithdrawnIfNotStarted,
		SessionID: sessionID,
		Account:   account,
		Amount:    refund,
	})
	return refund, nil
}

// RefundClosed pays a participant their pro-rata share of the unused pool of a
// settled session, once. The deposit itself stays recorded; the claim flag is
// what prevents a second payout.
func (e *Engine) RefundClosed(ctx context.Context, sessionID uint64, account string) (uint64, error) {
	const op = "refund_closed"
	if err := requireAccount(account); err != nil {
		return 0, e.observe(op, err)
	}
	var share uint64
	err := e.mutate(ctx, sessionID, account, func(ctx context.Context, sess *model.Session, part *model.Participant) error {
		if !e.policy.Settled(sess.Status) {
			return reject(ErrWrongStatus, "refund closed: session %d is %s", sess.ID, sess.Status)
		}
		if part.RefundClaimed {
			return reject(ErrAlreadyClaimed, "%s in session %d", account, sess.ID)
		}
		share = RefundShare(*sess, part.Deposited)
		if share == 0 {
			return reject(ErrNothingToRefund, "%s in session %d", account, sess.ID)
		}
		part.RefundClaimed = true
		sess.RefundedTotal += share
		return e.move(ctx, e.custody, account, share, "closed_refund")
	})
	if err != nil {
		return 0, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{
		Type:      model.EventRefundedClosed,
		SessionID: sessionID,
		Account:   account,
		Amount:    share,
	})
	return share, nil
}

// Settlement is a read-only view of what settlement operations would pay now.
type Settlement struct {
	Session              model.Session
	Unlocked             uint64
	ProviderWithdrawable uint64
	FinalCost            uint64
	Refundable           uint64
	Participant          *model.Participant
	RefundShare          uint64
	NotStartedRefund     uint64
}

func (e *Engine) Settlement(ctx context.Context, sessionID uint64, account string) (*Settlement, error) {
	sess, err := e.repo.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := &Settlement{Session: *sess}
	if e.policy.Payable(sess.Status) {
		out.Unlocked = e.policy.Unlocked(*sess, now)
		if out.Unlocked > sess.WithdrawnGross {
			out.ProviderWithdrawable = out.Unlocked - sess.WithdrawnGross
		}
	}
	out.FinalCost = FinalCost(*sess)
	out.Refundable = sess.TotalDeposited - out.FinalCost
	if account == "" {
		return out, nil
	}
	part, err := e.repo.Participant(ctx, sessionID, account)
	if err != nil {
		if CodeOf(err) == CodeNotFound {
			return out, nil
		}
		return nil, err
	}
	out.Participant = part
	if e.policy.Settled(sess.Status) && !part.RefundClaimed {
		out.RefundShare = RefundShare(*sess, part.Deposited)
	}
	if e.policy.NotStarted(sess, now) == nil {
		out.NotStartedRefund = part.Deposited
	}
	return out, nil
}
