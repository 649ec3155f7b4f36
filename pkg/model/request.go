package model

import (
	"encoding/json"
	"time"
)

// CartLine is one line item in a spend request's cart.
type CartLine struct {
	SKU        string `json:"sku,omitempty"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Qty        int64  `json:"qty"`
}

// SpendRequest is an agent's request to spend against a capability.
type SpendRequest struct {
	RequestID   string     `json:"request_id"`
	TS          time.Time  `json:"ts"`
	AgentID     string     `json:"agent_id"`
	AgentPubKey string     `json:"agent_pubkey"`
	Action      string     `json:"action"` // always "spend"
	Vendor      string     `json:"vendor"`
	Currency    string     `json:"currency"`
	Cart        []CartLine `json:"cart"`
}

// ToolCallRequest is an agent's request to invoke a tool against a
// capability.
type ToolCallRequest struct {
	RequestID    string          `json:"request_id"`
	TS           time.Time       `json:"ts"`
	AgentID      string          `json:"agent_id"`
	AgentPubKey  string          `json:"agent_pubkey"`
	Action       string          `json:"action"` // always "tool_call"
	ToolName     string          `json:"tool_name"`
	ToolCategory string          `json:"tool_category"`
	ToolInput    json.RawMessage `json:"tool_input"`
}

// MaxSafeInteger is the largest integer representable exactly in IEEE-754
// double precision. Cart totals above it cannot survive a round-trip
// through JSON tooling, so they are rejected as unsafe.
const MaxSafeInteger = 1<<53 - 1

// CartTotals returns the cumulative amount (sum of price_cents*qty) and
// item count (sum of qty) for a cart. Callers must check the safe return
// value before trusting amountCents as authoritative.
func CartTotals(cart []CartLine) (amountCents int64, itemCount int64, safe bool) {
	safe = true
	for _, line := range cart {
		lineTotal := line.PriceCents * line.Qty
		if line.Qty != 0 && lineTotal/line.Qty != line.PriceCents {
			safe = false
		}
		amountCents += lineTotal
		itemCount += line.Qty
		if amountCents > MaxSafeInteger || amountCents < 0 {
			safe = false
		}
	}
	return amountCents, itemCount, safe
}
