package store

import (
	"context"
	"encoding/json"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// EventLog appends committed ledger events to the ledger_events table.
type EventLog struct {
	db DB
}

func NewEventLog(db DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Name() string { return "db" }

func (l *EventLog) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	const q = `
insert into ledger_events (id, type, session_id, instance_id, account, amount, payload, occurred_at)
values ($1, $2, nullif($3::bigint, 0), nullif($4::bigint, 0), nullif($5::text, ''), $6, $7, $8)
on conflict (id) do nothing`
	_, err = l.db.Exec(ctx, q, ev.ID, string(ev.Type), ev.SessionID, ev.InstanceID, ev.Account, ev.Amount, payload, ev.At)
	return err
}

// SessionEvents returns the recorded history of one session in insertion
// order. Events published together share occurred_at, so seq breaks the tie.
func (l *EventLog) SessionEvents(ctx context.Context, sessionID uint64) ([]model.Event, error) {
	const q = `
select payload
from ledger_events
where session_id = $1
order by seq asc`
	rows, err := l.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
