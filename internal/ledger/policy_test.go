package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

func TestPolicyFor(t *testing.T) {
	cases := []struct {
		mode    Mode
		want    Mode
		wantErr bool
	}{
		{mode: "", want: ModeTimeGated},
		{mode: ModeTimeGated, want: ModeTimeGated},
		{mode: ModeThreshold, want: ModeThreshold},
		{mode: "lottery", wantErr: true},
	}
	for _, tc := range cases {
		p, err := PolicyFor(tc.mode)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("PolicyFor(%q) expected error", tc.mode)
			}
			continue
		}
		if err != nil {
			t.Fatalf("PolicyFor(%q): %v", tc.mode, err)
		}
		if p.Mode() != tc.want {
			t.Fatalf("PolicyFor(%q).Mode() = %q, want %q", tc.mode, p.Mode(), tc.want)
		}
	}
}

func TestTimeGatedFinalize(t *testing.T) {
	startAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		ready      uint32
		at         time.Time
		wantStatus model.SessionStatus
		wantErr    error
	}{
		{name: "too early", ready: 2, at: startAt.Add(-time.Second), wantStatus: model.SessionFunding, wantErr: ErrTooEarly},
		{name: "all ready", ready: 2, at: startAt, wantStatus: model.SessionActive},
		{name: "short one seat", ready: 1, at: startAt.Add(time.Hour), wantStatus: model.SessionCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &model.Session{ID: 1, MaxParticipants: 2, ReadyCount: tc.ready, StartAt: startAt, Status: model.SessionFunding}
			err := TimeGated{}.Finalize(sess, tc.at)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if sess.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", sess.Status, tc.wantStatus)
			}
			if tc.wantStatus == model.SessionActive && (sess.StartTime == nil || !sess.StartTime.Equal(startAt)) {
				t.Fatalf("start time = %v, want %v", sess.StartTime, startAt)
			}
		})
	}
}

func TestTimeGatedNotStarted(t *testing.T) {
	startAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		status  model.SessionStatus
		ready   uint32
		at      time.Time
		wantErr error
	}{
		{name: "before start", status: model.SessionFunding, ready: 0, at: startAt.Add(-time.Second), wantErr: ErrTooEarly},
		{name: "cancelled", status: model.SessionCancelled, ready: 1, at: startAt},
		{name: "unfinalized short", status: model.SessionFunding, ready: 1, at: startAt},
		{name: "unfinalized full", status: model.SessionFunding, ready: 2, at: startAt, wantErr: ErrWrongStatus},
		{name: "active", status: model.SessionActive, ready: 2, at: startAt, wantErr: ErrWrongStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &model.Session{ID: 1, MaxParticipants: 2, ReadyCount: tc.ready, StartAt: startAt, Status: tc.status}
			err := TimeGated{}.NotStarted(sess, tc.at)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("NotStarted: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestThresholdActivatesOnFunding(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := &model.Session{ID: 3, PricePerSecond: 2, DurationSeconds: 50, TotalDeposited: 99, Status: model.SessionFunding}

	if err := (Threshold{}).CheckActivation(sess, now); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
	sess.TotalDeposited = 100
	if !(Threshold{}).AfterDeposit(sess, now) {
		t.Fatalf("expected activation at threshold")
	}
	if sess.Status != model.SessionActive || sess.StartTime == nil || !sess.StartTime.Equal(now) {
		t.Fatalf("unexpected session after activation: %+v", sess)
	}
	if (Threshold{}).AfterDeposit(sess, now) {
		t.Fatalf("active session activated twice")
	}
}

func TestThresholdRecipientIsOwner(t *testing.T) {
	got, err := Threshold{}.Recipient("someone-else", "ledger:owner")
	if err != nil || got != "ledger:owner" {
		t.Fatalf("Recipient = %q, %v", got, err)
	}
	if _, err := (Threshold{}).Recipient("x", ""); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected ErrZeroRecipient, got %v", err)
	}
	if _, err := (TimeGated{}).Recipient("", "ledger:owner"); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected ErrZeroRecipient, got %v", err)
	}
}
