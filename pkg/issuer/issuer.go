// Package issuer implements the issuance flow: validate, construct, sign,
// re-validate, self-verify, persist, emit a receipt, and return the signed
// capability. Every step is mandatory and ordered. Re-validation and
// self-verification exist to catch drift between how a capability is
// constructed and how it is later checked.
package issuer

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connerlevi/capnet/pkg/canonicalize"
	"github.com/connerlevi/capnet/pkg/model"
	"github.com/connerlevi/capnet/pkg/schema"
	"github.com/connerlevi/capnet/pkg/signer"
	"github.com/connerlevi/capnet/pkg/store"
)

// capabilityLifetime is fixed at 24h. No per-request override is exposed.
const capabilityLifetime = 24 * time.Hour

// Issuer mints capabilities bound to the process's issuer keypair.
type Issuer struct {
	store     *store.Store
	validator *schema.Validator
}

// New builds an Issuer backed by s, validating input/output with v.
func New(s *store.Store, v *schema.Validator) *Issuer {
	return &Issuer{store: s, validator: v}
}

func newCapID() string {
	return "cap_" + uuid.NewString()
}

func newReceiptID() string {
	return "rcpt_" + uuid.NewString()
}

// IssueSpend mints a spend capability. The caller is expected to have
// already run the request body through schema.Validator.ValidateIssueSpend;
// IssueSpend performs the remaining steps.
//
// A spend capability's resource.type is always "spend". The
// sandbox_merchant and generic resource types exist in the wire schema for
// capabilities minted elsewhere, but no issuance endpoint here can ever
// produce them: each endpoint hard-codes the resource type implied by the
// action it issues for.
func (iss *Issuer) IssueSpend(in *schema.IssueSpendInput) (model.Capability, error) {
	if len(in.Constraints.AllowedVendors) == 0 {
		return model.Capability{}, fmt.Errorf("issuer: spend constraints must name at least one allowed vendor")
	}

	keys := iss.store.IssuerKeys()
	now := time.Now().UTC()

	subjectID := in.SubjectID
	if subjectID == "" {
		subjectID = in.AgentID
	}

	unsigned := model.Capability{
		Version:   model.CapDocVersion,
		CapID:     newCapID(),
		IssuedAt:  now,
		ExpiresAt: now.Add(capabilityLifetime),
		Issuer:    model.IssuerIdentity{ID: keys.IssuerID, PubKey: b64(keys.Public)},
		Subject:   model.Subject{ID: subjectID},
		Executor:  model.Executor{AgentID: in.AgentID, AgentPubKey: in.AgentPubKey},
		Resource:  model.Resource{Type: model.ResourceSpend, Vendor: in.Constraints.AllowedVendors[0]},
		Actions:   []string{model.ActionSpend},
		Constraints: model.SpendConstraints{
			Currency:          in.Constraints.Currency,
			MaxAmountCents:    in.Constraints.MaxAmountCents,
			AllowedVendors:    in.Constraints.AllowedVendors,
			BlockedCategories: in.Constraints.BlockedCategories,
		},
		Revocation: model.RevocationConfig{Mode: model.RevocationStrict, Oracle: "local"},
	}

	cap, err := iss.signAndPersist(unsigned, keys)
	if err != nil {
		return model.Capability{}, err
	}

	if err := iss.store.AppendReceipt(model.Receipt{
		ReceiptID: newReceiptID(),
		TS:        now,
		Event:     model.EventCapIssued,
		CapID:     cap.CapID,
		AgentID:   cap.Executor.AgentID,
		Summary:   model.ReceiptSummary{AmountCents: model.AmountCents(in.Constraints.MaxAmountCents)},
	}); err != nil {
		return model.Capability{}, fmt.Errorf("issuer: emit CAP_ISSUED receipt: %w", err)
	}

	return cap, nil
}

// IssueToolCall mints a tool-call capability, mirroring IssueSpend.
func (iss *Issuer) IssueToolCall(in *schema.IssueToolCallInput) (model.Capability, error) {
	if len(in.Constraints.AllowedTools) == 0 {
		return model.Capability{}, fmt.Errorf("issuer: tool-call constraints must name at least one allowed tool")
	}

	keys := iss.store.IssuerKeys()
	now := time.Now().UTC()

	subjectID := in.SubjectID
	if subjectID == "" {
		subjectID = in.AgentID
	}

	unsigned := model.Capability{
		Version:   model.CapDocVersion,
		CapID:     newCapID(),
		IssuedAt:  now,
		ExpiresAt: now.Add(capabilityLifetime),
		Issuer:    model.IssuerIdentity{ID: keys.IssuerID, PubKey: b64(keys.Public)},
		Subject:   model.Subject{ID: subjectID},
		Executor:  model.Executor{AgentID: in.AgentID, AgentPubKey: in.AgentPubKey},
		Resource:  model.Resource{Type: model.ResourceToolCall},
		Actions:   []string{model.ActionToolCall},
		Constraints: model.ToolCallConstraints{
			AllowedTools:          in.Constraints.AllowedTools,
			BlockedToolCategories: in.Constraints.BlockedToolCategories,
			MaxCalls:              in.Constraints.MaxCalls,
		},
		Revocation: model.RevocationConfig{Mode: model.RevocationStrict, Oracle: "local"},
	}

	cap, err := iss.signAndPersist(unsigned, keys)
	if err != nil {
		return model.Capability{}, err
	}

	if err := iss.store.AppendReceipt(model.Receipt{
		ReceiptID: newReceiptID(),
		TS:        now,
		Event:     model.EventCapIssued,
		CapID:     cap.CapID,
		AgentID:   cap.Executor.AgentID,
	}); err != nil {
		return model.Capability{}, fmt.Errorf("issuer: emit CAP_ISSUED receipt: %w", err)
	}

	return cap, nil
}

// signAndPersist signs the proof-less body, re-validates the complete
// signed record against the schema, self-verifies the fresh signature, and
// persists.
func (iss *Issuer) signAndPersist(unsigned model.Capability, keys *store.IssuerKeys) (model.Capability, error) {
	sig, err := signer.Sign(unsigned.ProofLess(), canonicalize.DomainCapDoc, keys.Private)
	if err != nil {
		return model.Capability{}, fmt.Errorf("issuer: sign capability: %w", err)
	}
	signed := unsigned
	signed.Proof = &model.Proof{Alg: signer.Alg, Sig: sig}

	wire, err := signed.MarshalJSON()
	if err != nil {
		return model.Capability{}, fmt.Errorf("issuer: marshal signed capability: %w", err)
	}
	revalidated, err := iss.validator.ValidateCapability(wire)
	if err != nil {
		return model.Capability{}, fmt.Errorf("issuer: re-validation of freshly issued capability failed, this is a core defect: %w", err)
	}

	valid, err := signer.Verify(revalidated.ProofLess(), revalidated.Proof.Sig, revalidated.Issuer.PubKey, canonicalize.DomainCapDoc)
	if err != nil || !valid {
		return model.Capability{}, fmt.Errorf("issuer: self-verification of freshly issued signature failed, this is a core defect: %w", err)
	}

	if err := iss.store.PutCapability(*revalidated); err != nil {
		return model.Capability{}, fmt.Errorf("issuer: persist capability: %w", err)
	}
	return *revalidated, nil
}

func b64(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}
