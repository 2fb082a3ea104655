package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/quorum-control-plane/internal/ledger"
)

var (
	_ ledger.Repository = (*Store)(nil)
	_ ledger.Transferer = (*Store)(nil)
)

// Transfer moves amount between two account balances and journals it. Called
// from inside Mutate it joins the session transaction, so the balance change
// commits or rolls back together with the ledger bookkeeping.
func (s *Store) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if tx, ok := txFrom(ctx); ok {
		return s.transfer(ctx, tx, from, to, amount)
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.transfer(ctx, tx, from, to, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) transfer(ctx context.Context, tx pgx.Tx, from, to string, amount uint64) error {
	// Row locks are taken in id order so concurrent transfers between the same
	// pair of accounts cannot deadlock.
	const lockQ = `select id from accounts where id = any($1) order by id for update`
	rows, err := tx.Query(ctx, lockQ, []string{from, to})
	if err != nil {
		return err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const debitQ = `
update accounts
set balance = balance - $2, updated_at = now()
where id = $1 and balance >= $2`
	tag, err := tx.Exec(ctx, debitQ, from, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s cannot cover %d", ledger.ErrInsufficientFunds, from, amount)
	}
	if err := credit(ctx, tx, to, amount); err != nil {
		return err
	}

	const journalQ = `
insert into transfers (id, from_account, to_account, amount, created_at)
values ($1, $2, $3, $4, now())`
	_, err = tx.Exec(ctx, journalQ, "xfr_"+uuid.NewString(), from, to, amount)
	return err
}

func credit(ctx context.Context, q querier, account string, amount uint64) error {
	const creditQ = `
insert into accounts (id, balance, updated_at)
values ($1, $2, now())
on conflict (id)
do update set balance = accounts.balance + excluded.balance, updated_at = now()`
	_, err := q.Exec(ctx, creditQ, account, amount)
	return err
}

// Credit funds an account from outside the ledger and returns the new balance.
func (s *Store) Credit(ctx context.Context, account string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ledger.ErrZeroAmount
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	if err := credit(ctx, tx, account, amount); err != nil {
		return 0, err
	}
	const journalQ = `
insert into transfers (id, from_account, to_account, amount, created_at)
values ($1, 'external', $2, $3, now())`
	if _, err := tx.Exec(ctx, journalQ, "xfr_"+uuid.NewString(), account, amount); err != nil {
		return 0, err
	}
	balance, err := balance(ctx, tx, account)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, account string) (uint64, error) {
	return balance(ctx, s.db, account)
}

func balance(ctx context.Context, q querier, account string) (uint64, error) {
	var out uint64
	err := q.QueryRow(ctx, `select balance from accounts where id = $1`, account).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return out, err
}
