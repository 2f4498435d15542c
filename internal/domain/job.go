package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState tracks where a job sits in the queue lifecycle.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
)

// Job type tags. Each tag has exactly one payload variant and one registered
// handler.
const (
	JobTypeHealthUpdate    = "health-update"
	JobTypeInterestAccrual = "interest-accrual"
	JobTypePriceRefresh    = "price-refresh"
	JobTypeLiquidation     = "liquidation"
	JobTypeNotification    = "notification"
	JobTypeArchive         = "archive"
)

// Job is one scheduled or ad hoc unit of work. The payload is opaque to the
// queue; handlers decode it into the variant matching the job type.
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	Priority    int
	Attempts    int
	MaxAttempts int
	Lease       time.Duration
	State       JobState
	LastError   string
	EnqueuedAt  time.Time
}

// ---------------------------------------------------------------------------
// Typed payloads. One variant per job type so mismatched-field bugs surface
// at compile time instead of inside a handler.
// ---------------------------------------------------------------------------

// HealthUpdatePayload scopes a health-factor update run. An empty PositionIDs
// slice means "all active positions".
type HealthUpdatePayload struct {
	PositionIDs []string `json:"position_ids,omitempty"`
}

// LiquidationPayload targets a single position for liquidation.
type LiquidationPayload struct {
	PositionID   string  `json:"position_id"`
	OnChainID    uint64  `json:"on_chain_id"`
	HealthFactor float64 `json:"health_factor"`
}

// NotificationPayload carries a user-facing alert.
type NotificationPayload struct {
	Kind         AlertKind `json:"kind"`
	PositionID   string    `json:"position_id"`
	UserAddress  string    `json:"user_address"`
	HealthFactor float64   `json:"health_factor"`
}

// PriceRefreshPayload scopes a price refresh to a set of token symbols.
type PriceRefreshPayload struct {
	Symbols []string `json:"symbols"`
}

// InterestAccrualPayload is empty; the accrual job always covers all active
// positions.
type InterestAccrualPayload struct{}

// ArchivePayload bounds an archive run to positions that reached a terminal
// state before the cutoff.
type ArchivePayload struct {
	Before time.Time `json:"before"`
}

// EncodePayload serializes any of the payload variants for enqueueing.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("domain: encode job payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a job payload into the variant the caller
// expects for the job's type.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("domain: decode job payload: %w", err)
	}
	return nil
}

// JobEventKind classifies a job lifecycle event.
type JobEventKind string

const (
	JobEventCompleted JobEventKind = "completed"
	JobEventFailed    JobEventKind = "failed"
	JobEventStalled   JobEventKind = "stalled"
)

// JobEvent is emitted by the queue for observability. Delivery is
// at-least-once; consumers must tolerate duplicates.
type JobEvent struct {
	Kind     JobEventKind
	JobID    string
	JobType  string
	Attempts int
	Err      string
	At       time.Time
}
