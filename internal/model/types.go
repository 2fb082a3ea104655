package model

import (
	"fmt"
	"strings"
	"time"
)

type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

var Tiers = []Tier{TierSmall, TierMedium, TierLarge}

func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", raw)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	switch t {
	case TierSmall, TierMedium, TierLarge:
		return true
	default:
		return false
	}
}

// Instance is a priced, reservable compute slot and the account its earnings are paid to.
type Instance struct {
	ID              uint64    `json:"id"`
	Tier            Tier      `json:"tier"`
	PayoutRecipient string    `json:"payout_recipient"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

type SessionStatus string

const (
	SessionFunding   SessionStatus = "funding"
	SessionActive    SessionStatus = "active"
	SessionCancelled SessionStatus = "cancelled"
	SessionClosed    SessionStatus = "closed"
)

// Session is one funding-then-usage cycle against an Instance.
//
// PricePerSecond and RequiredPerUser are captured at creation and never recalculated.
// RefundedTotal counts closed-session refunds paid out of custody; deposits of
// participants that claimed such a refund stay on the books so totals keep adding up.
type Session struct {
	ID              uint64        `json:"id"`
	InstanceID      uint64        `json:"instance_id"`
	MaxParticipants uint32        `json:"max_participants"`
	JoinedCount     uint32        `json:"joined_count"`
	StartAt         time.Time     `json:"start_at"`
	DurationSeconds uint64        `json:"duration_seconds"`
	PricePerSecond  uint64        `json:"price_per_second"`
	RequiredPerUser uint64        `json:"required_per_user"`
	ReadyCount      uint32        `json:"ready_count"`
	TotalDeposited  uint64        `json:"total_deposited"`
	WithdrawnGross  uint64        `json:"withdrawn_gross"`
	RefundedTotal   uint64        `json:"refunded_total"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// TotalRequired is price * duration. Overflow is rejected when the session is created.
func (s Session) TotalRequired() uint64 {
	return s.PricePerSecond * s.DurationSeconds
}

// StopAt is the end of the usage window. The zero time is returned until the session is active.
func (s Session) StopAt() time.Time {
	if s.StartTime == nil {
		return time.Time{}
	}
	return s.StartTime.Add(time.Duration(s.DurationSeconds) * time.Second)
}

func (s Session) Clone() Session {
	out := s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	return out
}

type Participant struct {
	SessionID     uint64 `json:"session_id"`
	Account       string `json:"account"`
	Joined        bool   `json:"joined"`
	Deposited     uint64 `json:"deposited"`
	RefundClaimed bool   `json:"refund_claimed"`
}

// ComputeLaunch records the compute resource started for an active session.
type ComputeLaunch struct {
	SessionID    uint64
	InstanceID   uint64
	Tier         Tier
	Region       string
	ComputeID    string
	InstanceType string
	PublicIP     string
	LaunchedAt   time.Time
	TerminatedAt *time.Time
}
