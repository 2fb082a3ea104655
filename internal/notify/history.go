package notify

import (
	"context"
	"sync"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// History keeps the most recent events of each session in memory so the API
// can serve session history without the db sink.
type History struct {
	mu         sync.RWMutex
	perSession int
	bySession  map[uint64][]model.Event
}

func NewHistory(perSession int) *History {
	if perSession <= 0 {
		perSession = 256
	}
	return &History{perSession: perSession, bySession: make(map[uint64][]model.Event)}
}

func (h *History) Name() string { return "history" }

func (h *History) Publish(_ context.Context, ev model.Event) error {
	if ev.SessionID == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := append(h.bySession[ev.SessionID], ev)
	if len(evs) > h.perSession {
		evs = append([]model.Event(nil), evs[len(evs)-h.perSession:]...)
	}
	h.bySession[ev.SessionID] = evs
	return nil
}

// SessionEvents returns the retained events of a session, oldest first.
func (h *History) SessionEvents(_ context.Context, sessionID uint64) ([]model.Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.Event, len(h.bySession[sessionID]))
	copy(out, h.bySession[sessionID])
	return out, nil
}
