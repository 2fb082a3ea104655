package store

import (
	"context"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// PendingLaunches lists active sessions inside their usage window that have no
// compute launch recorded yet.
func (s *Store) PendingLaunches(ctx context.Context, now time.Time, limit int) ([]model.ComputeLaunch, error) {
	const q = `
select s.id, s.instance_id, i.tier
from sessions s
join instances i on i.id = s.instance_id
left join compute_launches c on c.session_id = s.id
where s.status = 'active'
  and c.session_id is null
  and s.start_time + make_interval(secs => s.duration_seconds) > $1
order by s.id asc
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ComputeLaunch, 0)
	for rows.Next() {
		var l model.ComputeLaunch
		if err := rows.Scan(&l.SessionID, &l.InstanceID, &l.Tier); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingTerminations lists running compute whose session has left its usage
// window, either by status or because the window elapsed.
func (s *Store) PendingTerminations(ctx context.Context, now time.Time, limit int) ([]model.ComputeLaunch, error) {
	const q = `
select c.session_id, c.instance_id, c.tier, c.region, c.compute_id, c.instance_type, c.public_ip, c.launched_at
from compute_launches c
join sessions s on s.id = c.session_id
where c.terminated_at is null
  and (s.status in ('closed', 'cancelled') or s.start_time + make_interval(secs => s.duration_seconds) <= $1)
order by c.session_id asc
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ComputeLaunch, 0)
	for rows.Next() {
		var l model.ComputeLaunch
		if err := rows.Scan(&l.SessionID, &l.InstanceID, &l.Tier, &l.Region, &l.ComputeID, &l.InstanceType, &l.PublicIP, &l.LaunchedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecordLaunch(ctx context.Context, l model.ComputeLaunch) error {
	const q = `
insert into compute_launches
  (session_id, instance_id, tier, region, compute_id, instance_type, public_ip, launched_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8)
on conflict (session_id) do nothing`
	_, err := s.db.Exec(ctx, q, l.SessionID, l.InstanceID, string(l.Tier), l.Region, l.ComputeID, l.InstanceType, l.PublicIP, l.LaunchedAt)
	return err
}

func (s *Store) RecordTermination(ctx context.Context, sessionID uint64, at time.Time) error {
	const q = `
update compute_launches
set terminated_at = coalesce(terminated_at, $2)
where session_id = $1`
	_, err := s.db.Exec(ctx, q, sessionID, at)
	return err
}
