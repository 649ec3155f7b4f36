// Package model defines the wire types for capability documents, action
// requests, decisions, and receipts.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// CapDocVersion is the fixed literal every Capability carries.
const CapDocVersion = "capdoc/0.1"

// Resource types a capability's subject matter.
const (
	ResourceSpend           = "spend"
	ResourceToolCall        = "tool_call"
	ResourceSandboxMerchant = "sandbox_merchant"
	ResourceGeneric         = "generic"
)

// Action verbs a capability may authorize.
const (
	ActionSpend    = "spend"
	ActionToolCall = "tool_call"
)

// Revocation modes.
const (
	RevocationStrict  = "strict"
	RevocationLease   = "lease"
	RevocationOneTime = "one_time"
)

// IssuerIdentity identifies the minting authority.
type IssuerIdentity struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// Subject identifies the human principal on whose behalf authority flows.
type Subject struct {
	ID string `json:"id"`
}

// Executor is the single agent identity bound inside a capability; only
// this identity may present it.
type Executor struct {
	AgentID     string `json:"agent_id"`
	AgentPubKey string `json:"agent_pubkey"`
}

// Resource names the resource class and, for spend capabilities, the vendor
// pinned at issuance.
type Resource struct {
	Type   string `json:"type"`
	Vendor string `json:"vendor,omitempty"`
}

// RevocationConfig records how a capability can be revoked.
type RevocationConfig struct {
	Mode   string `json:"mode"`
	Oracle string `json:"oracle"`
}

// Proof is the Ed25519 signature over the proof-less capability body.
type Proof struct {
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

// Constraints is a tagged polymorphic record: exactly one of
// SpendConstraints or ToolCallConstraints is ever populated, discriminated
// by the capability's Actions, never a shared widened struct with
// all-optional fields.
type Constraints interface {
	constraintsMarker()
}

// SpendConstraints bounds a spend capability.
type SpendConstraints struct {
	Currency          string   `json:"currency"`
	MaxAmountCents    int64    `json:"max_amount_cents"`
	AllowedVendors    []string `json:"allowed_vendors"`
	BlockedCategories []string `json:"blocked_categories,omitempty"`
}

func (SpendConstraints) constraintsMarker() {}

// ToolCallConstraints bounds a tool-call capability.
type ToolCallConstraints struct {
	AllowedTools          []string `json:"allowed_tools"`
	BlockedToolCategories []string `json:"blocked_tool_categories,omitempty"`
	MaxCalls              *int64   `json:"max_calls,omitempty"`
}

func (ToolCallConstraints) constraintsMarker() {}

// Capability is an immutable signed artifact authorizing a bounded class of
// actions. Capability is never deserialized in place: capabilityWire below
// is the JSON-visible shape, and Capability.UnmarshalJSON narrows
// Constraints into the concrete type implied by Actions.
type Capability struct {
	Version     string           `json:"version"`
	CapID       string           `json:"cap_id"`
	IssuedAt    time.Time        `json:"issued_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	NotBefore   *time.Time       `json:"not_before,omitempty"`
	Issuer      IssuerIdentity   `json:"issuer"`
	Subject     Subject          `json:"subject"`
	Executor    Executor         `json:"executor"`
	Resource    Resource         `json:"resource"`
	Actions     []string         `json:"actions"`
	Constraints Constraints      `json:"constraints"`
	Revocation  RevocationConfig `json:"revocation"`
	Proof       *Proof           `json:"proof,omitempty"`
}

// capabilityWire mirrors Capability but leaves Constraints as raw JSON, so
// it can be narrowed into the concrete type once Actions is known.
type capabilityWire struct {
	Version     string           `json:"version"`
	CapID       string           `json:"cap_id"`
	IssuedAt    time.Time        `json:"issued_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	NotBefore   *time.Time       `json:"not_before,omitempty"`
	Issuer      IssuerIdentity   `json:"issuer"`
	Subject     Subject          `json:"subject"`
	Executor    Executor         `json:"executor"`
	Resource    Resource         `json:"resource"`
	Actions     []string         `json:"actions"`
	Constraints json.RawMessage  `json:"constraints"`
	Revocation  RevocationConfig `json:"revocation"`
	Proof       *Proof           `json:"proof,omitempty"`
}

// MarshalJSON serializes Capability, letting the concrete Constraints type
// (whichever it is) marshal itself directly under the "constraints" key.
func (c Capability) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(c.Constraints)
	if err != nil {
		return nil, fmt.Errorf("model: marshal constraints: %w", err)
	}
	w := capabilityWire{
		Version: c.Version, CapID: c.CapID, IssuedAt: c.IssuedAt, ExpiresAt: c.ExpiresAt,
		NotBefore: c.NotBefore, Issuer: c.Issuer, Subject: c.Subject, Executor: c.Executor,
		Resource: c.Resource, Actions: c.Actions, Constraints: raw, Revocation: c.Revocation,
		Proof: c.Proof,
	}
	return json.Marshal(w)
}

// UnmarshalJSON narrows the polymorphic constraints field into
// SpendConstraints or ToolCallConstraints based on Actions, rejecting
// anything else so an untyped/ambiguous constraint document can never
// enter the trust boundary.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var w capabilityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	constraints, err := narrowConstraints(w.Actions, w.Constraints)
	if err != nil {
		return err
	}

	c.Version = w.Version
	c.CapID = w.CapID
	c.IssuedAt = w.IssuedAt
	c.ExpiresAt = w.ExpiresAt
	c.NotBefore = w.NotBefore
	c.Issuer = w.Issuer
	c.Subject = w.Subject
	c.Executor = w.Executor
	c.Resource = w.Resource
	c.Actions = w.Actions
	c.Constraints = constraints
	c.Revocation = w.Revocation
	c.Proof = w.Proof
	return nil
}

func narrowConstraints(actions []string, raw json.RawMessage) (Constraints, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("model: missing constraints")
	}
	switch {
	case containsAction(actions, ActionSpend):
		var sc SpendConstraints
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("model: invalid spend constraints: %w", err)
		}
		return sc, nil
	case containsAction(actions, ActionToolCall):
		var tc ToolCallConstraints
		if err := json.Unmarshal(raw, &tc); err != nil {
			return nil, fmt.Errorf("model: invalid tool-call constraints: %w", err)
		}
		return tc, nil
	default:
		return nil, fmt.Errorf("model: capability actions %v do not imply a known constraint shape", actions)
	}
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// ProofLess returns a shallow copy of the capability with Proof cleared,
// the exact body signatures are computed and verified over.
func (c Capability) ProofLess() Capability {
	c.Proof = nil
	return c
}

// IsSpend reports whether this capability authorizes spend actions.
func (c Capability) IsSpend() bool {
	_, ok := c.Constraints.(SpendConstraints)
	return ok && containsAction(c.Actions, ActionSpend)
}

// IsToolCall reports whether this capability authorizes tool-call actions.
func (c Capability) IsToolCall() bool {
	_, ok := c.Constraints.(ToolCallConstraints)
	return ok && containsAction(c.Actions, ActionToolCall)
}
