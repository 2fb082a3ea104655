package ledger

import (
	"context"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// Finalize resolves a time-gated session at or after startAt: Active when every
// seat reached requiredPerUser, Cancelled otherwise. Anyone may call it; a
// second call fails because the session has left Funding.
func (e *Engine) Finalize(ctx context.Context, sessionID uint64) (*model.Session, error) {
	return e.transition(ctx, "finalize", sessionID, func(sess *model.Session) error {
		if sess.Status != model.SessionFunding {
			return reject(ErrWrongStatus, "finalize: session %d is %s", sess.ID, sess.Status)
		}
		return e.policy.Finalize(sess, e.now())
	}, func(sess *model.Session) []model.Event {
		return []model.Event{{Type: model.EventFinalized, SessionID: sess.ID, Status: sess.Status}}
	})
}

// CheckActivation re-evaluates the funding threshold of a threshold-mode session.
func (e *Engine) CheckActivation(ctx context.Context, sessionID uint64) (*model.Session, error) {
	return e.transition(ctx, "check_activation", sessionID, func(sess *model.Session) error {
		if sess.Status != model.SessionFunding {
			return reject(ErrWrongStatus, "check activation: session %d is %s", sess.ID, sess.Status)
		}
		return e.policy.CheckActivation(sess, e.now())
	}, func(sess *model.Session) []model.Event {
		return []model.Event{{Type: model.EventFinalized, SessionID: sess.ID, Status: sess.Status}}
	})
}

// CloseIfExpired ends the usage window of an active session once
// startTime + duration has passed.
func (e *Engine) CloseIfExpired(ctx context.Context, sessionID uint64) (*model.Session, error) {
	if !e.policy.SupportsClose() {
		return nil, e.observe("close", reject(ErrNotSupported, "threshold sessions have no usage window"))
	}
	return e.transition(ctx, "close", sessionID, func(sess *model.Session) error {
		if sess.Status != model.SessionActive {
			return reject(ErrWrongStatus, "close: session %d is %s", sess.ID, sess.Status)
		}
		if e.now().Before(sess.StopAt()) {
			return reject(ErrTooEarly, "session %d runs until %s", sess.ID, sess.StopAt().Format(time.RFC3339))
		}
		sess.Status = model.SessionClosed
		return nil
	}, func(sess *model.Session) []model.Event {
		return []model.Event{{Type: model.EventClosed, SessionID: sess.ID}}
	})
}

// transition runs a status change that involves no participant and no transfer.
func (e *Engine) transition(ctx context.Context, op string, sessionID uint64, apply func(*model.Session) error, events func(*model.Session) []model.Event) (*model.Session, error) {
	var out model.Session
	err := e.mutate(ctx, sessionID, "", func(_ context.Context, sess *model.Session, _ *model.Participant) error {
		if err := apply(sess); err != nil {
			return err
		}
		out = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, e.observe(op, err)
	}
	e.observe(op, nil)
	e.logTransition(&out, op)
	e.publish(ctx, events(&out)...)
	return &out, nil
}
