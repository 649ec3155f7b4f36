package model

import "time"

// EventType enumerates the receipt lifecycle and decision events.
type EventType string

const (
	EventCapIssued     EventType = "CAP_ISSUED"
	EventCapRevoked    EventType = "CAP_REVOKED"
	EventActionAttempt EventType = "ACTION_ATTEMPT"
	EventActionAllowed EventType = "ACTION_ALLOWED"
	EventActionDenied  EventType = "ACTION_DENIED"
)

// ReceiptSummary carries the event-specific facts a receipt records.
type ReceiptSummary struct {
	AmountCents  *int64 `json:"amount_cents,omitempty"`
	ItemCount    *int64 `json:"item_count,omitempty"`
	DeniedReason string `json:"denied_reason,omitempty"`
}

// Receipt is an immutable audit-log entry. Once appended, core logic never
// mutates or deletes it.
type Receipt struct {
	ReceiptID string            `json:"receipt_id"`
	TS        time.Time         `json:"ts"`
	Event     EventType         `json:"event"`
	CapID     string            `json:"cap_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Vendor    string            `json:"vendor,omitempty"`
	Summary   ReceiptSummary    `json:"summary"`
	Meta      map[string]string `json:"meta,omitempty"`
	Proof     *Proof            `json:"proof,omitempty"`
}

// AmountCents is a small helper for building a ReceiptSummary pointer field
// without callers having to take the address of a literal.
func AmountCents(v int64) *int64 { return &v }

// ItemCount mirrors AmountCents for the item_count field.
func ItemCount(v int64) *int64 { return &v }
