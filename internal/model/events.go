package model

import "time"

type EventType string

const (
	EventInstanceCreated       EventType = "instance_created"
	EventInstanceToggled       EventType = "instance_toggled"
	EventSessionCreated        EventType = "session_created"
	EventJoined                EventType = "joined"
	EventDeposited             EventType = "deposited"
	EventExcessWithdrawn       EventType = "excess_withdrawn"
	EventFinalized             EventType = "finalized"
	EventClosed                EventType = "closed"
	EventProviderWithdrawn     EventType = "provider_withdrawn"
	EventWithdrawnIfNotStarted EventType = "withdrawn_if_not_started"
	EventRefundedClosed        EventType = "refunded_closed"
)

// Event is a committed state change notification. Only the fields relevant to
// Type are populated.
type Event struct {
	ID              string        `json:"id"`
	Type            EventType     `json:"type"`
	At              time.Time     `json:"at"`
	InstanceID      uint64        `json:"instance_id,omitempty"`
	SessionID       uint64        `json:"session_id,omitempty"`
	Account         string        `json:"account,omitempty"`
	Tier            Tier          `json:"tier,omitempty"`
	Recipient       string        `json:"recipient,omitempty"`
	Enabled         *bool         `json:"enabled,omitempty"`
	Amount          uint64        `json:"amount,omitempty"`
	CumulativeTotal uint64        `json:"cumulative_total,omitempty"`
	Status          SessionStatus `json:"status,omitempty"`
	StartAt         *time.Time    `json:"start_at,omitempty"`
	DurationSeconds uint64        `json:"duration_seconds,omitempty"`
	MaxParticipants uint32        `json:"max_participants,omitempty"`
	RequiredPerUser uint64        `json:"required_per_user,omitempty"`
}
