package ledger

import (
	"context"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

func (e *Engine) Join(ctx context.Context, sessionID uint64, account string) (*model.Participant, error) {
	const op = "join"
	if err := requireAccount(account); err != nil {
		return nil, e.observe(op, err)
	}
	var out model.Participant
	err := e.mutate(ctx, sessionID, account, func(_ context.Context, sess *model.Session, part *model.Participant) error {
		if sess.Status != model.SessionFunding {
			return reject(ErrWrongStatus, "join: session %d is %s", sess.ID, sess.Status)
		}
		if err := e.policy.CheckFundingWindow(sess, e.now()); err != nil {
			return err
		}
		if part.Joined {
			return reject(ErrAlreadyJoined, "%s in session %d", account, sess.ID)
		}
		if sess.JoinedCount >= sess.MaxParticipants {
			return reject(ErrSessionFull, "session %d has %d seats", sess.ID, sess.MaxParticipants)
		}
		part.Joined = true
		sess.JoinedCount++
		out = *part
		return nil
	})
	if err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{Type: model.EventJoined, SessionID: sessionID, Account: account})
	return &out, nil
}

// Deposit books amount for account and pulls it into custody. A participant
// counts toward readyCount the first time their cumulative deposit reaches
// requiredPerUser.
func (e *Engine) Deposit(ctx context.Context, sessionID uint64, account string, amount uint64) (*model.Participant, error) {
	const op = "deposit"
	if err := requireAccount(account); err != nil {
		return nil, e.observe(op, err)
	}
	if amount == 0 {
		return nil, e.observe(op, ErrZeroAmount)
	}
	var (
		out       model.Participant
		autoJoin  bool
		activated bool
		snapshot  model.Session
	)
	err := e.mutate(ctx, sessionID, account, func(ctx context.Context, sess *model.Session, part *model.Participant) error {
		if sess.Status != model.SessionFunding {
			return reject(ErrWrongStatus, "deposit: session %d is %s", sess.ID, sess.Status)
		}
		now := e.now()
		if err := e.policy.CheckFundingWindow(sess, now); err != nil {
			return err
		}
		if !part.Joined {
			if !e.policy.AutoJoin() {
				return reject(ErrNotJoined, "%s in session %d", account, sess.ID)
			}
			if sess.JoinedCount >= sess.MaxParticipants {
				return reject(ErrSessionFull, "session %d has %d seats", sess.ID, sess.MaxParticipants)
			}
			part.Joined = true
			sess.JoinedCount++
			autoJoin = true
		}

		deposited, ok := addChecked(part.Deposited, amount)
		if !ok {
			return reject(ErrOverflow, "deposit of %d", amount)
		}
		total, ok := addChecked(sess.TotalDeposited, amount)
		if !ok {
			return reject(ErrOverflow, "session total with %d", amount)
		}
		if part.Deposited < sess.RequiredPerUser && deposited >= sess.RequiredPerUser {
			sess.ReadyCount++
		}
		part.Deposited = deposited
		sess.TotalDeposited = total
		activated = e.policy.AfterDeposit(sess, now)

		if err := e.move(ctx, account, e.custody, amount, "deposit"); err != nil {
			return err
		}
		out = *part
		snapshot = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.logTransition(&snapshot, op)

	var events []model.Event
	if autoJoin {
		events = append(events, model.Event{Type: model.EventJoined, SessionID: sessionID, Account: account})
	}
	events = append(events, model.Event{
		Type:            model.EventDeposited,
		SessionID:       sessionID,
		Account:         account,
		Amount:          amount,
		CumulativeTotal: out.Deposited,
	})
	if activated {
		events = append(events, model.Event{Type: model.EventFinalized, SessionID: sessionID, Status: model.SessionActive})
	}
	e.publish(ctx, events...)
	return &out, nil
}

// WithdrawExcess returns deposit above requiredPerUser. The balance can never
// drop below the requirement, so readyCount never has to be decremented.
func (e *Engine) WithdrawExcess(ctx context.Context, sessionID uint64, account string, amount uint64) (*model.Participant, error) {
	const op = "withdraw_excess"
	if err := requireAccount(account); err != nil {
		return nil, e.observe(op, err)
	}
	if amount == 0 {
		return nil, e.observe(op, ErrZeroAmount)
	}
	var out model.Participant
	err := e.mutate(ctx, sessionID, account, func(ctx context.Context, sess *model.Session, part *model.Participant) error {
		if sess.Status != model.SessionFunding {
			return reject(ErrWrongStatus, "withdraw excess: session %d is %s", sess.ID, sess.Status)
		}
		if !part.Joined {
			return reject(ErrNotJoined, "%s in session %d", account, sess.ID)
		}
		if amount > part.Deposited || part.Deposited-amount < sess.RequiredPerUser {
			return reject(ErrBelowRequirement, "%d of %d deposited, %d required", amount, part.Deposited, sess.RequiredPerUser)
		}
		part.Deposited -= amount
		sess.TotalDeposited -= amount
		if err := e.move(ctx, e.custody, account, amount, "excess_withdrawal"); err != nil {
			return err
		}
		out = *part
		return nil
	})
	if err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.publish(ctx, model.Event{
		Type:            model.EventExcessWithdrawn,
		SessionID:       sessionID,
		Account:         account,
		Amount:          amount,
		CumulativeTotal: out.Deposited,
	})
	return &out, nil
}
