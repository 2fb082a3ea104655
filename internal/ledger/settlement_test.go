package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/telemyapp/quorum-control-plane/internal/model"
)

func TestRequiredPerUserRoundsUp(t *testing.T) {
	cases := []struct {
		total uint64
		max   uint32
		want  uint64
	}{
		{total: 3600, max: 2, want: 1800},
		{total: 1000, max: 3, want: 334},
		{total: 1, max: 5, want: 1},
		{total: 0, max: 5, want: 0},
		{total: 7, max: 0, want: 0},
		{total: math.MaxUint64, max: 2, want: math.MaxUint64/2 + 1},
	}
	for _, tc := range cases {
		got := RequiredPerUser(tc.total, tc.max)
		if got != tc.want {
			t.Fatalf("RequiredPerUser(%d, %d) = %d, want %d", tc.total, tc.max, got, tc.want)
		}
		if tc.max > 0 && got*uint64(tc.max) < tc.total && tc.total != math.MaxUint64 {
			t.Fatalf("per-user %d * %d does not cover %d", got, tc.max, tc.total)
		}
	}
}

func TestVestedIsLinearAndClamped(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sess := model.Session{
		PricePerSecond:  1,
		DurationSeconds: 3600,
		TotalDeposited:  3600,
		StartTime:       &start,
		Status:          model.SessionActive,
	}
	cases := []struct {
		name string
		at   time.Time
		want uint64
	}{
		{name: "before start", at: start.Add(-time.Minute), want: 0},
		{name: "at start", at: start, want: 0},
		{name: "halfway", at: start.Add(1800 * time.Second), want: 1800},
		{name: "at stop", at: start.Add(3600 * time.Second), want: 3600},
		{name: "after stop", at: start.Add(48 * time.Hour), want: 3600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Vested(sess, tc.at); got != tc.want {
				t.Fatalf("Vested = %d, want %d", got, tc.want)
			}
		})
	}

	short := sess
	short.TotalDeposited = 1000
	if got := Vested(short, start.Add(3600*time.Second)); got != 1000 {
		t.Fatalf("Vested with short deposits = %d, want 1000", got)
	}

	var notStarted model.Session
	if got := Vested(notStarted, start); got != 0 {
		t.Fatalf("Vested without start time = %d, want 0", got)
	}
}

func TestRefundShareLeavesDust(t *testing.T) {
	sess := model.Session{PricePerSecond: 1, DurationSeconds: 1000, TotalDeposited: 1002}
	if got := FinalCost(sess); got != 1000 {
		t.Fatalf("FinalCost = %d, want 1000", got)
	}
	if got := RefundShare(sess, 334); got != 0 {
		t.Fatalf("RefundShare = %d, want 0 (truncated dust)", got)
	}

	over := model.Session{PricePerSecond: 1, DurationSeconds: 100, TotalDeposited: 400}
	// Pool of 300 split 100/300 and 300/400.
	if got := RefundShare(over, 100); got != 75 {
		t.Fatalf("RefundShare(100) = %d, want 75", got)
	}
	if got := RefundShare(over, 300); got != 225 {
		t.Fatalf("RefundShare(300) = %d, want 225", got)
	}
	if got := RefundShare(over, 0); got != 0 {
		t.Fatalf("RefundShare(0) = %d, want 0", got)
	}
}

func TestMulDivDoesNotOverflow(t *testing.T) {
	got := mulDiv(math.MaxUint64-1, math.MaxUint64-1, math.MaxUint64)
	if got != math.MaxUint64-2 {
		t.Fatalf("mulDiv = %d, want %d", got, uint64(math.MaxUint64-2))
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, ok := addChecked(math.MaxUint64, 1); ok {
		t.Fatalf("expected add overflow")
	}
	if v, ok := addChecked(2, 3); !ok || v != 5 {
		t.Fatalf("addChecked(2,3) = %d,%v", v, ok)
	}
	if _, ok := mulChecked(math.MaxUint64, 2); ok {
		t.Fatalf("expected mul overflow")
	}
	if v, ok := mulChecked(1<<32, 1<<31); !ok || v != 1<<63 {
		t.Fatalf("mulChecked = %d,%v", v, ok)
	}
}

func TestLongestSessionStillVests(t *testing.T) {
	start := t0
	sess := model.Session{
		DurationSeconds: MaxDurationSeconds,
		PricePerSecond:  1,
		MaxParticipants: 1,
		TotalDeposited:  MaxDurationSeconds,
		StartTime:       &start,
		Status:          model.SessionActive,
	}
	if !sess.StopAt().After(start) {
		t.Fatalf("stop %s is not after start %s", sess.StopAt(), start)
	}
	if got := Vested(sess, start.Add(time.Minute)); got != 60 {
		t.Fatalf("vested after one minute = %d, want 60", got)
	}
	if got := RefundShare(sess, MaxDurationSeconds); got != 0 {
		t.Fatalf("refund share of a fully used session = %d", got)
	}
}
