package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/model"
	"github.com/telemyapp/quorum-control-plane/internal/notify"
)

type flowClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *flowClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *flowClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type flow struct {
	t      *testing.T
	router http.Handler
	vault  *ledger.Vault
	clock  *flowClock
}

func newFlow(t *testing.T) *flow {
	t.Helper()
	log, _ := test.NewNullLogger()
	clk := &flowClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	rates, err := ledger.NewRateTable(map[model.Tier]uint64{model.TierSmall: 1})
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	vault := ledger.NewVault()
	history := notify.NewHistory(0)
	eng := ledger.New(ledger.NewMemoryRepository(), vault, rates, ledger.TimeGated{},
		ledger.WithClock(clk.Now), ledger.WithLogger(log), ledger.WithNotifier(history))
	return &flow{t: t, router: NewRouter(testConfig(), eng, vault, history, log), vault: vault, clock: clk}
}

func (f *flow) balance(account string) uint64 {
	b, _ := f.vault.Balance(context.Background(), account)
	return b
}

func (f *flow) call(method, path, account string, body any, wantStatus int) map[string]any {
	f.t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = jsonBody(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if account == "operator" {
		req.Header.Set("X-Operator-Auth", "operator-key")
	} else if account != "" {
		req.Header.Set("Authorization", "Bearer "+testJWT(f.t, "test-secret", account))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != wantStatus {
		f.t.Fatalf("%s %s: expected %d, got %d body=%s", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	out := map[string]any{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		f.t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return out
}

func field(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		cur = cur.(map[string]any)[k]
	}
	return cur
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFlow(t)
	start := f.clock.Now().Add(time.Hour)

	f.call(http.MethodPost, "/api/v1/accounts/acct:a/credit", "operator", map[string]any{"amount": 100}, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/accounts/acct:b/credit", "operator", map[string]any{"amount": 100}, http.StatusOK)

	inst := f.call(http.MethodPost, "/api/v1/instances", "acct:provider",
		map[string]any{"tier": "small", "payout_recipient": "acct:provider"}, http.StatusCreated)
	if field(inst, "instance", "instance_id").(float64) != 1 {
		t.Fatalf("unexpected instance: %v", inst)
	}

	sess := f.call(http.MethodPost, "/api/v1/sessions", "acct:provider", map[string]any{
		"instance_id":      1,
		"max_participants": 2,
		"start_at":         start.Format(time.RFC3339),
		"duration_seconds": 100,
	}, http.StatusCreated)
	if field(sess, "session", "required_per_user").(float64) != 50 {
		t.Fatalf("unexpected session: %v", sess)
	}

	f.call(http.MethodPost, "/api/v1/sessions/1/deposit", "acct:a", map[string]any{"amount": 60}, http.StatusForbidden)
	for _, acct := range []string{"acct:a", "acct:b"} {
		f.call(http.MethodPost, "/api/v1/sessions/1/join", acct, nil, http.StatusOK)
	}
	f.call(http.MethodPost, "/api/v1/sessions/1/join", "acct:c", nil, http.StatusConflict)
	f.call(http.MethodPost, "/api/v1/sessions/1/deposit", "acct:a", map[string]any{"amount": 60}, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/sessions/1/deposit", "acct:b", map[string]any{"amount": 50}, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/sessions/1/withdraw-excess", "acct:b", map[string]any{"amount": 1}, http.StatusUnprocessableEntity)

	parts := f.call(http.MethodGet, "/api/v1/sessions/1/participants", "acct:a", nil, http.StatusOK)
	if n := len(parts["participants"].([]any)); n != 2 {
		t.Fatalf("participants = %d", n)
	}

	f.call(http.MethodPost, "/api/v1/sessions/1/finalize", "acct:watcher", nil, http.StatusConflict)
	f.clock.Set(start)
	active := f.call(http.MethodPost, "/api/v1/sessions/1/finalize", "acct:watcher", nil, http.StatusOK)
	if field(active, "session", "status") != "active" {
		t.Fatalf("unexpected status: %v", active)
	}

	f.clock.Set(start.Add(40 * time.Second))
	f.call(http.MethodPost, "/api/v1/sessions/1/provider-withdraw", "acct:a", nil, http.StatusForbidden)
	paid := f.call(http.MethodPost, "/api/v1/sessions/1/provider-withdraw", "acct:provider", nil, http.StatusOK)
	if paid["amount"].(float64) != 40 {
		t.Fatalf("first withdrawal = %v", paid["amount"])
	}

	f.clock.Set(start.Add(100 * time.Second))
	f.call(http.MethodPost, "/api/v1/sessions/1/close", "acct:watcher", nil, http.StatusOK)
	paid = f.call(http.MethodPost, "/api/v1/sessions/1/provider-withdraw", "acct:provider", nil, http.StatusOK)
	if paid["amount"].(float64) != 60 {
		t.Fatalf("second withdrawal = %v", paid["amount"])
	}

	preview := f.call(http.MethodGet, "/api/v1/sessions/1/settlement", "acct:a", nil, http.StatusOK)
	if preview["refund_share"].(float64) != 5 {
		t.Fatalf("refund preview = %v", preview["refund_share"])
	}
	refund := f.call(http.MethodPost, "/api/v1/sessions/1/refund-closed", "acct:a", nil, http.StatusOK)
	if refund["amount"].(float64) != 5 {
		t.Fatalf("refund a = %v", refund["amount"])
	}
	f.call(http.MethodPost, "/api/v1/sessions/1/refund-closed", "acct:a", nil, http.StatusConflict)
	refund = f.call(http.MethodPost, "/api/v1/sessions/1/refund-closed", "acct:b", nil, http.StatusOK)
	if refund["amount"].(float64) != 4 {
		t.Fatalf("refund b = %v", refund["amount"])
	}

	history := f.call(http.MethodGet, "/api/v1/sessions/1/events", "acct:a", nil, http.StatusOK)
	events := history["events"].([]any)
	if first := events[0].(map[string]any)["type"]; first != "session_created" {
		t.Fatalf("first event = %v", first)
	}
	if last := events[len(events)-1].(map[string]any)["type"]; last != "refunded_closed" {
		t.Fatalf("last event = %v", last)
	}
	bal := f.call(http.MethodGet, "/api/v1/accounts/acct:provider/balance", "operator", nil, http.StatusOK)
	if bal["balance"].(float64) != 100 {
		t.Fatalf("balance route = %v", bal["balance"])
	}

	if got := f.balance("acct:provider"); got != 100 {
		t.Fatalf("provider balance = %d", got)
	}
	if got := f.balance("acct:a"); got != 45 {
		t.Fatalf("a balance = %d", got)
	}
	if got := f.balance("ledger:custody"); got != 1 {
		t.Fatalf("custody dust = %d", got)
	}
}

func TestCancelledSessionRefundsOverHTTP(t *testing.T) {
	f := newFlow(t)
	start := f.clock.Now().Add(time.Hour)
	f.call(http.MethodPost, "/api/v1/accounts/acct:a/credit", "operator", map[string]any{"amount": 30}, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/instances", "acct:provider",
		map[string]any{"tier": "small", "payout_recipient": "acct:provider"}, http.StatusCreated)
	f.call(http.MethodPost, "/api/v1/sessions", "acct:provider", map[string]any{
		"instance_id": 1, "max_participants": 2, "start_at": start.Format(time.RFC3339), "duration_seconds": 100,
	}, http.StatusCreated)
	f.call(http.MethodPost, "/api/v1/sessions/1/join", "acct:a", nil, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/sessions/1/deposit", "acct:a", map[string]any{"amount": 30}, http.StatusOK)

	f.clock.Set(start)
	cancelled := f.call(http.MethodPost, "/api/v1/sessions/1/finalize", "acct:watcher", nil, http.StatusOK)
	if field(cancelled, "session", "status") != "cancelled" {
		t.Fatalf("unexpected status: %v", cancelled)
	}
	refund := f.call(http.MethodPost, "/api/v1/sessions/1/refund-not-started", "acct:a", nil, http.StatusOK)
	if refund["amount"].(float64) != 30 || f.balance("acct:a") != 30 {
		t.Fatalf("refund = %v balance = %d", refund["amount"], f.balance("acct:a"))
	}
	f.call(http.MethodPost, "/api/v1/sessions/1/refund-not-started", "acct:a", nil, http.StatusConflict)

	f.call(http.MethodPut, "/api/v1/instances/1/enabled", "operator", map[string]any{"enabled": false}, http.StatusOK)
	f.call(http.MethodPost, "/api/v1/sessions", "acct:provider", map[string]any{
		"instance_id": 1, "max_participants": 1, "start_at": start.Add(time.Hour).Format(time.RFC3339), "duration_seconds": 10,
	}, http.StatusConflict)
}
