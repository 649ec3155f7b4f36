// Package enforce implements the enforcement engine: a fixed verification
// order that turns a validated action request into a decision plus audit
// receipts. One ordered method, fail-closed on every path, always
// returning a decision and always emitting a receipt. The order is part of
// the observable contract because it determines which denial reason is
// surfaced when multiple defects are present.
package enforce

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connerlevi/capnet/pkg/canonicalize"
	"github.com/connerlevi/capnet/pkg/model"
	"github.com/connerlevi/capnet/pkg/signer"
	"github.com/connerlevi/capnet/pkg/store"
)

// ErrAmountOverflow signals a transport-layer rejection (not a normal
// denial): the request's cart total is not representable as a safe
// integer, so no further processing occurs.
var ErrAmountOverflow = fmt.Errorf("cart amount is not a safe integer")

// Engine evaluates action requests against the persistent store.
type Engine struct {
	store *store.Store
}

// New builds an Engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

func newReceiptID() string {
	return "rcpt_" + uuid.NewString()
}

func (e *Engine) emit(r model.Receipt) error {
	return e.store.AppendReceipt(r)
}

// EnforceSpend runs the 12-step spend verification order: attempt receipt,
// amount safety, cap lookup, signature, executor binding, time semantics,
// revocation, action applicability, vendor, category block, amount
// ceiling, allow. Checks proceed from request-local to cap-structural to
// cap-trust to action-semantic; signature verification precedes every
// check that reads a cap field, so no field on an untrusted artifact can
// influence policy.
func (e *Engine) EnforceSpend(req model.SpendRequest) (model.Decision, error) {
	amountCents, itemCount, safe := model.CartTotals(req.Cart)

	// Step 1: ACTION_ATTEMPT is observable even against unbound agents.
	attemptReceiptID := newReceiptID()
	if err := e.emit(model.Receipt{
		ReceiptID: attemptReceiptID,
		TS:        time.Now().UTC(),
		Event:     model.EventActionAttempt,
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		Vendor:    req.Vendor,
		Summary: model.ReceiptSummary{
			AmountCents: model.AmountCents(amountCents),
			ItemCount:   model.ItemCount(itemCount),
		},
	}); err != nil {
		return model.Decision{}, fmt.Errorf("enforce: emit ACTION_ATTEMPT: %w", err)
	}

	// Step 2: amount-safety is a transport-layer rejection, not a denial.
	if !safe {
		return model.Decision{}, ErrAmountOverflow
	}

	deny := func(reason string) (model.Decision, error) {
		receiptID := newReceiptID()
		if err := e.emit(model.Receipt{
			ReceiptID: receiptID,
			TS:        time.Now().UTC(),
			Event:     model.EventActionDenied,
			RequestID: req.RequestID,
			AgentID:   req.AgentID,
			Vendor:    req.Vendor,
			Summary: model.ReceiptSummary{
				AmountCents:  model.AmountCents(amountCents),
				ItemCount:    model.ItemCount(itemCount),
				DeniedReason: reason,
			},
		}); err != nil {
			return model.Decision{}, fmt.Errorf("enforce: emit ACTION_DENIED: %w", err)
		}
		return model.Deny(req.RequestID, receiptID, reason), nil
	}

	// Step 3: cap lookup.
	cap, ok := e.store.FindCapForAgent(req.AgentID, req.AgentPubKey)
	if !ok {
		return deny(model.ReasonNoCapability)
	}

	// Step 4: signature verification, before any other cap field is trusted.
	valid, err := signer.Verify(cap.ProofLess(), proofSig(cap), cap.Issuer.PubKey, canonicalize.DomainCapDoc)
	if err != nil || !valid {
		return deny(model.ReasonBadSignature)
	}

	// Step 5: executor binding.
	if cap.Executor.AgentID != req.AgentID || cap.Executor.AgentPubKey != req.AgentPubKey {
		return deny(model.ReasonExecutorMismatch)
	}

	// Step 6: time semantics.
	if reason, bad := checkCapabilityTime(cap, time.Now().UTC()); bad {
		return deny(reason)
	}

	// Step 7: revocation.
	if e.store.IsRevoked(cap.CapID) {
		return deny(model.ReasonRevoked)
	}

	// Step 8: action applicability.
	sc, ok := cap.Constraints.(model.SpendConstraints)
	if !cap.IsSpend() || !ok {
		return deny(model.ReasonActionNotAllowed)
	}

	// Step 9: vendor.
	if !containsString(sc.AllowedVendors, req.Vendor) {
		return deny(model.ReasonVendorNotAllowed)
	}

	// Step 10: category block, first offending line wins.
	for _, line := range req.Cart {
		if containsString(sc.BlockedCategories, line.Category) {
			return deny(fmt.Sprintf("%s:%s", model.ReasonCategoryBlocked, line.Category))
		}
	}

	// Step 11: amount ceiling.
	if amountCents > sc.MaxAmountCents {
		return deny(model.ReasonAmountExceedsMax)
	}

	// Step 12: allow.
	receiptID := newReceiptID()
	if err := e.emit(model.Receipt{
		ReceiptID: receiptID,
		TS:        time.Now().UTC(),
		Event:     model.EventActionAllowed,
		CapID:     cap.CapID,
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		Vendor:    req.Vendor,
		Summary: model.ReceiptSummary{
			AmountCents: model.AmountCents(amountCents),
			ItemCount:   model.ItemCount(itemCount),
		},
	}); err != nil {
		return model.Decision{}, fmt.Errorf("enforce: emit ACTION_ALLOWED: %w", err)
	}
	return model.Allow(req.RequestID, receiptID), nil
}

// EnforceToolCall runs the tool-call variant: the same skeleton as
// EnforceSpend with the vendor/category/amount steps replaced by tool
// name and tool category checks.
func (e *Engine) EnforceToolCall(req model.ToolCallRequest) (model.Decision, error) {
	attemptReceiptID := newReceiptID()
	if err := e.emit(model.Receipt{
		ReceiptID: attemptReceiptID,
		TS:        time.Now().UTC(),
		Event:     model.EventActionAttempt,
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		Meta:      map[string]string{"tool_name": req.ToolName, "tool_category": req.ToolCategory},
	}); err != nil {
		return model.Decision{}, fmt.Errorf("enforce: emit ACTION_ATTEMPT: %w", err)
	}

	deny := func(reason string) (model.Decision, error) {
		receiptID := newReceiptID()
		if err := e.emit(model.Receipt{
			ReceiptID: receiptID,
			TS:        time.Now().UTC(),
			Event:     model.EventActionDenied,
			RequestID: req.RequestID,
			AgentID:   req.AgentID,
			Summary:   model.ReceiptSummary{DeniedReason: reason},
			Meta:      map[string]string{"tool_name": req.ToolName, "tool_category": req.ToolCategory},
		}); err != nil {
			return model.Decision{}, fmt.Errorf("enforce: emit ACTION_DENIED: %w", err)
		}
		return model.Deny(req.RequestID, receiptID, reason), nil
	}

	cap, ok := e.store.FindCapForAgent(req.AgentID, req.AgentPubKey)
	if !ok {
		return deny(model.ReasonNoCapability)
	}

	valid, err := signer.Verify(cap.ProofLess(), proofSig(cap), cap.Issuer.PubKey, canonicalize.DomainCapDoc)
	if err != nil || !valid {
		return deny(model.ReasonBadSignature)
	}

	if cap.Executor.AgentID != req.AgentID || cap.Executor.AgentPubKey != req.AgentPubKey {
		return deny(model.ReasonExecutorMismatch)
	}

	if reason, bad := checkCapabilityTime(cap, time.Now().UTC()); bad {
		return deny(reason)
	}

	if e.store.IsRevoked(cap.CapID) {
		return deny(model.ReasonRevoked)
	}

	tc, ok := cap.Constraints.(model.ToolCallConstraints)
	if !cap.IsToolCall() || !ok {
		return deny(model.ReasonActionNotAllowed)
	}

	if !containsString(tc.AllowedTools, req.ToolName) {
		return deny(model.ReasonToolNotAllowed)
	}
	if containsString(tc.BlockedToolCategories, req.ToolCategory) {
		return deny(fmt.Sprintf("%s:%s", model.ReasonToolCategoryBlocked, req.ToolCategory))
	}

	receiptID := newReceiptID()
	if err := e.emit(model.Receipt{
		ReceiptID: receiptID,
		TS:        time.Now().UTC(),
		Event:     model.EventActionAllowed,
		CapID:     cap.CapID,
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		Meta:      map[string]string{"tool_name": req.ToolName, "tool_category": req.ToolCategory},
	}); err != nil {
		return model.Decision{}, fmt.Errorf("enforce: emit ACTION_ALLOWED: %w", err)
	}
	return model.Allow(req.RequestID, receiptID), nil
}

func proofSig(cap model.Capability) string {
	if cap.Proof == nil {
		return ""
	}
	return cap.Proof.Sig
}

// checkCapabilityTime checks expiry first, under a strict half-open
// validity window: now < expires_at is required. A capability whose
// not_before equals its expires_at has an empty validity window and is
// always CAP_EXPIRED, never momentarily valid.
func checkCapabilityTime(cap model.Capability, now time.Time) (reason string, bad bool) {
	if !now.Before(cap.ExpiresAt) {
		return model.ReasonCapExpired, true
	}
	if cap.NotBefore != nil && now.Before(*cap.NotBefore) {
		return model.ReasonCapNotYetValid, true
	}
	return "", false
}

func containsString(list []string, needle string) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}
