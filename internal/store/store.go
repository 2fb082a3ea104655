package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// Store is the PostgreSQL ledger repository. Each Mutate call runs in one
// transaction holding the session row lock, and transfers issued from inside
// that call join the same transaction.
type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

const instanceColumns = `id, tier, payout_recipient, enabled, created_at`

const sessionColumns = `id, instance_id, max_participants, joined_count, start_at, duration_seconds, price_per_second, required_per_user,
       ready_count, total_deposited, withdrawn_gross, refunded_total, start_time, status, created_at`

func scanInstance(row pgx.Row) (*model.Instance, error) {
	var out model.Instance
	if err := row.Scan(&out.ID, &out.Tier, &out.PayoutRecipient, &out.Enabled, &out.CreatedAt); err != nil {
		return nil, err
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	var startTime *time.Time
	if err := row.Scan(
		&out.ID, &out.InstanceID, &out.MaxParticipants, &out.JoinedCount, &out.StartAt, &out.DurationSeconds, &out.PricePerSecond, &out.RequiredPerUser,
		&out.ReadyCount, &out.TotalDeposited, &out.WithdrawnGross, &out.RefundedTotal, &startTime, &out.Status, &out.CreatedAt,
	); err != nil {
		return nil, err
	}
	out.StartAt = out.StartAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	if startTime != nil {
		st := startTime.UTC()
		out.StartTime = &st
	}
	return &out, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, what)
	}
	return err
}

func (s *Store) CreateInstance(ctx context.Context, inst *model.Instance) error {
	const q = `
insert into instances (tier, payout_recipient, enabled, created_at)
values ($1, $2, $3, $4)
returning id`
	return s.db.QueryRow(ctx, q, string(inst.Tier), inst.PayoutRecipient, inst.Enabled, inst.CreatedAt).Scan(&inst.ID)
}

func (s *Store) Instance(ctx context.Context, id uint64) (*model.Instance, error) {
	q := `select ` + instanceColumns + ` from instances where id = $1`
	inst, err := scanInstance(s.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("instance %d", id))
	}
	return inst, nil
}

func (s *Store) SetInstanceEnabled(ctx context.Context, id uint64, enabled bool) (*model.Instance, error) {
	q := `update instances set enabled = $2 where id = $1 returning ` + instanceColumns
	inst, err := scanInstance(s.db.QueryRow(ctx, q, id, enabled))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("instance %d", id))
	}
	return inst, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	const q = `
insert into sessions
  (instance_id, max_participants, joined_count, start_at, duration_seconds, price_per_second, required_per_user,
   ready_count, total_deposited, withdrawn_gross, refunded_total, status, created_at, updated_at)
values
  ($1, $2, 0, $3, $4, $5, $6, 0, 0, 0, 0, $7, $8, $8)
returning id`
	err := s.db.QueryRow(ctx, q,
		sess.InstanceID, sess.MaxParticipants, sess.StartAt, sess.DurationSeconds, sess.PricePerSecond, sess.RequiredPerUser,
		string(sess.Status), sess.CreatedAt,
	).Scan(&sess.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: instance %d", ledger.ErrNotFound, sess.InstanceID)
	}
	return err
}

func (s *Store) Session(ctx context.Context, id uint64) (*model.Session, error) {
	return s.sessionTx(ctx, s.db, id, false)
}

func (s *Store) sessionTx(ctx context.Context, q querier, id uint64, lock bool) (*model.Session, error) {
	sql := `select ` + sessionColumns + ` from sessions where id = $1`
	if lock {
		sql += ` for update`
	}
	sess, err := scanSession(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("session %d", id))
	}
	return sess, nil
}

func (s *Store) Participant(ctx context.Context, sessionID uint64, account string) (*model.Participant, error) {
	return s.participantTx(ctx, s.db, sessionID, account)
}

func (s *Store) participantTx(ctx context.Context, q querier, sessionID uint64, account string) (*model.Participant, error) {
	const sql = `
select session_id, account, deposited, refund_claimed
from participants
where session_id = $1 and account = $2`
	out := model.Participant{Joined: true}
	if err := q.QueryRow(ctx, sql, sessionID, account).Scan(&out.SessionID, &out.Account, &out.Deposited, &out.RefundClaimed); err != nil {
		return nil, notFound(err, fmt.Sprintf("participant %s in session %d", account, sessionID))
	}
	return &out, nil
}

func (s *Store) Participants(ctx context.Context, sessionID uint64) ([]model.Participant, error) {
	const q = `
select session_id, account, deposited, refund_claimed
from participants
where session_id = $1
order by account asc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Participant, 0)
	for rows.Next() {
		p := model.Participant{Joined: true}
		if err := rows.Scan(&p.SessionID, &p.Account, &p.Deposited, &p.RefundClaimed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DueSessions(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	q := `
select ` + sessionColumns + `
from sessions
where (status = 'funding' and start_at <= $1)
   or (status = 'active' and start_time + make_interval(secs => duration_seconds) <= $1)
order by id asc
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Mutate locks the session row, hands fn copies of the session and the caller's
// participant record, and writes both back only when fn succeeds.
func (s *Store) Mutate(ctx context.Context, sessionID uint64, account string, fn ledger.MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sess, err := s.sessionTx(ctx, tx, sessionID, true)
	if err != nil {
		return err
	}
	var part *model.Participant
	if account != "" {
		part, err = s.participantTx(ctx, tx, sessionID, account)
		if errors.Is(err, ledger.ErrNotFound) {
			part, err = &model.Participant{SessionID: sessionID, Account: account}, nil
		}
		if err != nil {
			return err
		}
	}

	if err := fn(withTx(ctx, tx), sess, part); err != nil {
		return err
	}

	const updateSession = `
update sessions
set joined_count = $2,
    ready_count = $3,
    total_deposited = $4,
    withdrawn_gross = $5,
    refunded_total = $6,
    start_time = $7,
    status = $8,
    updated_at = now()
where id = $1`
	if _, err := tx.Exec(ctx, updateSession,
		sess.ID, sess.JoinedCount, sess.ReadyCount, sess.TotalDeposited, sess.WithdrawnGross, sess.RefundedTotal, sess.StartTime, string(sess.Status),
	); err != nil {
		return err
	}
	if part != nil && part.Joined {
		const upsertParticipant = `
insert into participants (session_id, account, deposited, refund_claimed, joined_at, updated_at)
values ($1, $2, $3, $4, now(), now())
on conflict (session_id, account)
do update set deposited = excluded.deposited, refund_claimed = excluded.refund_claimed, updated_at = now()`
		if _, err := tx.Exec(ctx, upsertParticipant, sessionID, account, part.Deposited, part.RefundClaimed); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
