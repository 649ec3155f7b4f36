package schema

import (
	"testing"
	"time"

	"github.com/connerlevi/capnet/pkg/model"
	"github.com/stretchr/testify/require"
)

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func rawCapability(t *testing.T, overrides func(c *model.Capability)) []byte {
	t.Helper()
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cap := model.Capability{
		Version:   model.CapDocVersion,
		CapID:     "cap_0123456789abcdef",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(24 * time.Hour),
		Issuer:    model.IssuerIdentity{ID: "issuer-1", PubKey: "cHVibGljLWtleS1ieXRlcw=="},
		Subject:   model.Subject{ID: "subject-1"},
		Executor:  model.Executor{AgentID: "agent-1", AgentPubKey: "YWdlbnQtcHVibGljLWtleQ=="},
		Resource:  model.Resource{Type: model.ResourceSpend, Vendor: "Acme Corp"},
		Actions:   []string{model.ActionSpend},
		Constraints: model.SpendConstraints{
			Currency:       "USD",
			MaxAmountCents: 10000,
			AllowedVendors: []string{"Acme Corp", "widgetco"},
		},
		Revocation: model.RevocationConfig{Mode: model.RevocationStrict, Oracle: "local"},
		Proof:      &model.Proof{Alg: "ed25519", Sig: "c2ln"},
	}
	if overrides != nil {
		overrides(&cap)
	}
	raw, err := cap.MarshalJSON()
	require.NoError(t, err)
	return raw
}

func TestValidateCapability_Valid(t *testing.T) {
	v := mustValidator(t)
	raw := rawCapability(t, nil)

	cap, err := v.ValidateCapability(raw)
	require.NoError(t, err)
	require.Equal(t, "acme corp", cap.Resource.Vendor)

	sc, ok := cap.Constraints.(model.SpendConstraints)
	require.True(t, ok)
	require.Equal(t, []string{"acme corp", "widgetco"}, sc.AllowedVendors)
}

func TestValidateCapability_VendorNotInAllowedVendors_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := rawCapability(t, func(c *model.Capability) {
		c.Resource.Vendor = "someone else"
	})

	_, err := v.ValidateCapability(raw)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "$.resource.vendor", ve.Path)
}

func TestValidateCapability_ExpiresBeforeIssued_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := rawCapability(t, func(c *model.Capability) {
		c.ExpiresAt = c.IssuedAt.Add(-time.Hour)
	})

	_, err := v.ValidateCapability(raw)
	require.Error(t, err)
}

func TestValidateCapability_NotBeforeAfterExpires_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := rawCapability(t, func(c *model.Capability) {
		nb := c.ExpiresAt.Add(time.Hour)
		c.NotBefore = &nb
	})

	_, err := v.ValidateCapability(raw)
	require.Error(t, err)
}

func TestValidateCapability_UnknownField_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"version": "capdoc/0.1",
		"cap_id": "cap_0123456789abcdef",
		"issued_at": "2026-01-01T00:00:00Z",
		"expires_at": "2026-01-02T00:00:00Z",
		"issuer": {"id":"issuer-1","pubkey":"cHVibGljLWtleS1ieXRlcw=="},
		"subject": {"id":"subject-1"},
		"executor": {"agent_id":"agent-1","agent_pubkey":"YWdlbnQtcHVibGljLWtleQ=="},
		"resource": {"type":"spend","vendor":"acme corp"},
		"actions": ["spend"],
		"constraints": {"currency":"USD","max_amount_cents":10000,"allowed_vendors":["acme corp"]},
		"revocation": {"mode":"strict","oracle":"local"},
		"proof": {"alg":"ed25519","sig":"c2ln"},
		"extra_field_not_in_schema": true
	}`)

	_, err := v.ValidateCapability(raw)
	require.Error(t, err)
}

func TestValidateSpendRequest_NormalizesVendorAndCategory(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"request_id": "req-1",
		"ts": "2026-01-01T00:00:00Z",
		"agent_id": "agent-1",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ==",
		"action": "spend",
		"vendor": "  Acme Corp  ",
		"currency": "USD",
		"cart": [
			{"name": "widget", "category": " Hardware ", "price_cents": 500, "qty": 2}
		]
	}`)

	req, err := v.ValidateSpendRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "acme corp", req.Vendor)
	require.Equal(t, "hardware", req.Cart[0].Category)
}

func TestValidateSpendRequest_EmptyCart_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"request_id": "req-1",
		"ts": "2026-01-01T00:00:00Z",
		"agent_id": "agent-1",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ==",
		"action": "spend",
		"vendor": "acme corp",
		"currency": "USD",
		"cart": []
	}`)

	_, err := v.ValidateSpendRequest(raw)
	require.Error(t, err)
}

func TestValidateToolCallRequest_Valid(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"request_id": "req-1",
		"ts": "2026-01-01T00:00:00Z",
		"agent_id": "agent-1",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ==",
		"action": "tool_call",
		"tool_name": "search_web",
		"tool_category": " Web "
	}`)

	req, err := v.ValidateToolCallRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "web", req.ToolCategory)
}

func TestValidateIssueSpend_NormalizesConstraints(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"template_tag": "default",
		"agent_id": "agent-1",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ==",
		"constraints": {
			"currency": "USD",
			"max_amount_cents": 5000,
			"allowed_vendors": ["Acme Corp"],
			"blocked_categories": [" Weapons "]
		}
	}`)

	in, err := v.ValidateIssueSpend(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"acme corp"}, in.Constraints.AllowedVendors)
	require.Equal(t, []string{"weapons"}, in.Constraints.BlockedCategories)
}

func TestValidateIssueToolCall_MissingConstraints_Rejected(t *testing.T) {
	v := mustValidator(t)
	raw := []byte(`{
		"template_tag": "default",
		"agent_id": "agent-1",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ=="
	}`)

	_, err := v.ValidateIssueToolCall(raw)
	require.Error(t, err)
}
