package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// MemoryRepository keeps ledger state in process. Each session carries its own
// mutex, so operations on different sessions never contend.
type MemoryRepository struct {
	mu           sync.RWMutex
	nextInstance uint64
	nextSession  uint64
	instances    map[uint64]model.Instance
	sessions     map[uint64]*sessionEntry
}

type sessionEntry struct {
	mu    sync.Mutex
	sess  model.Session
	parts map[string]model.Participant
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[uint64]model.Instance),
		sessions:  make(map[uint64]*sessionEntry),
	}
}

func (r *MemoryRepository) CreateInstance(_ context.Context, inst *model.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextInstance++
	inst.ID = r.nextInstance
	r.instances[inst.ID] = *inst
	return nil
}

func (r *MemoryRepository) Instance(_ context.Context, id uint64) (*model.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, reject(ErrNotFound, "instance %d", id)
	}
	return &inst, nil
}

func (r *MemoryRepository) SetInstanceEnabled(_ context.Context, id uint64, enabled bool) (*model.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, reject(ErrNotFound, "instance %d", id)
	}
	inst.Enabled = enabled
	r.instances[id] = inst
	return &inst, nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, sess *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[sess.InstanceID]; !ok {
		return reject(ErrNotFound, "instance %d", sess.InstanceID)
	}
	r.nextSession++
	sess.ID = r.nextSession
	r.sessions[sess.ID] = &sessionEntry{
		sess:  sess.Clone(),
		parts: make(map[string]model.Participant),
	}
	return nil
}

func (r *MemoryRepository) entry(id uint64) (*sessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, reject(ErrNotFound, "session %d", id)
	}
	return e, nil
}

func (r *MemoryRepository) Session(_ context.Context, id uint64) (*model.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.sess.Clone()
	return &out, nil
}

func (r *MemoryRepository) Participant(_ context.Context, sessionID uint64, account string) (*model.Participant, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.parts[account]
	if !ok {
		return nil, reject(ErrNotFound, "participant %s in session %d", account, sessionID)
	}
	return &p, nil
}

func (r *MemoryRepository) Participants(_ context.Context, sessionID uint64) ([]model.Participant, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Participant, 0, len(e.parts))
	for _, p := range e.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (r *MemoryRepository) DueSessions(_ context.Context, now time.Time, limit int) ([]model.Session, error) {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.Session, 0)
	for _, e := range entries {
		e.mu.Lock()
		sess := e.sess.Clone()
		e.mu.Unlock()
		if isDue(sess, now) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isDue(sess model.Session, now time.Time) bool {
	switch sess.Status {
	case model.SessionFunding:
		return !now.Before(sess.StartAt)
	case model.SessionActive:
		return sess.StartTime != nil && !now.Before(sess.StopAt())
	default:
		return false
	}
}

func (r *MemoryRepository) Mutate(ctx context.Context, sessionID uint64, account string, fn MutateFunc) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.sess.Clone()
	var part *model.Participant
	if account != "" {
		p, ok := e.parts[account]
		if !ok {
			p = model.Participant{SessionID: sessionID, Account: account}
		}
		part = &p
	}
	if err := fn(ctx, &sess, part); err != nil {
		return err
	}
	e.sess = sess
	if part != nil && part.Joined {
		e.parts[account] = *part
	}
	return nil
}
