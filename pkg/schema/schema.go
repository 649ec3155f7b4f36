// Package schema implements the strict external-input boundary: every
// capability, action request, and issuance request is validated against a
// JSON Schema (Draft 2020-12, via santhosh-tekuri/jsonschema/v5) before
// any business logic reads it, and normalized (vendor/category
// trim+lowercase) exactly once, here, at parse time.
//
// JSON Schema covers the structural invariants (closed field sets, bounded
// string/array lengths, bounded integer ranges) but not cross-field
// invariants such as expires_at > issued_at or resource.vendor membership
// in allowed_vendors. Those are checked in Go immediately after schema
// validation succeeds, since JSON Schema has no clean way to express
// "property A must exceed property B".
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/connerlevi/capnet/pkg/model"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/capability.schema.json
var capabilitySchemaJSON []byte

//go:embed schemas/spend_constraints.schema.json
var spendConstraintsSchemaJSON []byte

//go:embed schemas/toolcall_constraints.schema.json
var toolCallConstraintsSchemaJSON []byte

//go:embed schemas/spend_request.schema.json
var spendRequestSchemaJSON []byte

//go:embed schemas/toolcall_request.schema.json
var toolCallRequestSchemaJSON []byte

//go:embed schemas/issue_spend.schema.json
var issueSpendSchemaJSON []byte

//go:embed schemas/issue_toolcall.schema.json
var issueToolCallSchemaJSON []byte

const (
	urlCapability          = "https://capnet.schemas.local/capdoc/0.1/capability.schema.json"
	urlSpendConstraints    = "https://capnet.schemas.local/capdoc/0.1/spend_constraints.schema.json"
	urlToolCallConstraints = "https://capnet.schemas.local/capdoc/0.1/toolcall_constraints.schema.json"
	urlSpendRequest        = "https://capnet.schemas.local/actionrequest/0.1/spend_request.schema.json"
	urlToolCallRequest     = "https://capnet.schemas.local/actionrequest/0.1/toolcall_request.schema.json"
	urlIssueSpend          = "https://capnet.schemas.local/issuance/0.1/issue_spend.schema.json"
	urlIssueToolCall       = "https://capnet.schemas.local/issuance/0.1/issue_toolcall.schema.json"
)

// Validator compiles and holds every JSON Schema this core validates
// against. It is built once at process start and is safe for concurrent
// use (the compiled jsonschema.Schema values are immutable after Compile).
type Validator struct {
	capability          *jsonschema.Schema
	spendConstraints    *jsonschema.Schema
	toolCallConstraints *jsonschema.Schema
	spendRequest        *jsonschema.Schema
	toolCallRequest     *jsonschema.Schema
	issueSpend          *jsonschema.Schema
	issueToolCall       *jsonschema.Schema
}

// New compiles all schemas. A compile failure here is a core fault
// (CAPDOC_SCHEMA_FAILURE-adjacent): it means the embedded schema documents
// themselves are broken, not that caller input was rejected.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	resources := []struct {
		url string
		doc []byte
	}{
		{urlSpendConstraints, spendConstraintsSchemaJSON},
		{urlToolCallConstraints, toolCallConstraintsSchemaJSON},
		{urlCapability, capabilitySchemaJSON},
		{urlSpendRequest, spendRequestSchemaJSON},
		{urlToolCallRequest, toolCallRequestSchemaJSON},
		{urlIssueSpend, issueSpendSchemaJSON},
		{urlIssueToolCall, issueToolCallSchemaJSON},
	}
	for _, r := range resources {
		if err := c.AddResource(r.url, bytes.NewReader(r.doc)); err != nil {
			return nil, fmt.Errorf("schema: loading %s: %w", r.url, err)
		}
	}

	v := &Validator{}
	var err error
	if v.spendConstraints, err = c.Compile(urlSpendConstraints); err != nil {
		return nil, fmt.Errorf("schema: compiling spend constraints: %w", err)
	}
	if v.toolCallConstraints, err = c.Compile(urlToolCallConstraints); err != nil {
		return nil, fmt.Errorf("schema: compiling tool-call constraints: %w", err)
	}
	if v.capability, err = c.Compile(urlCapability); err != nil {
		return nil, fmt.Errorf("schema: compiling capability: %w", err)
	}
	if v.spendRequest, err = c.Compile(urlSpendRequest); err != nil {
		return nil, fmt.Errorf("schema: compiling spend request: %w", err)
	}
	if v.toolCallRequest, err = c.Compile(urlToolCallRequest); err != nil {
		return nil, fmt.Errorf("schema: compiling tool-call request: %w", err)
	}
	if v.issueSpend, err = c.Compile(urlIssueSpend); err != nil {
		return nil, fmt.Errorf("schema: compiling issue-spend: %w", err)
	}
	if v.issueToolCall, err = c.Compile(urlIssueToolCall); err != nil {
		return nil, fmt.Errorf("schema: compiling issue-toolcall: %w", err)
	}
	return v, nil
}

// ValidationError is a structural, caller-fault error (INVALID_INPUT),
// carrying the field path where validation first failed.
type ValidationError struct {
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid_input at %s: %s", e.Path, e.Detail)
}

func wrapValidationErr(err error) error {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		path := ve.InstanceLocation
		if len(ve.Causes) > 0 {
			path = ve.Causes[0].InstanceLocation
		}
		return &ValidationError{Path: path, Detail: ve.Error()}
	}
	return &ValidationError{Path: "$", Detail: err.Error()}
}

// decodeGeneric decodes raw bytes into the generic interface{} shape the
// jsonschema library validates against (map[string]interface{}, not a typed
// struct).
func decodeGeneric(raw []byte) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, &ValidationError{Path: "$", Detail: "malformed JSON: " + err.Error()}
	}
	return v, nil
}

// ValidateCapability validates and normalizes (vendor/category) a wire
// capability document, returning the parsed model.Capability.
func (v *Validator) ValidateCapability(raw []byte) (*model.Capability, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	if err := v.capability.Validate(generic); err != nil {
		return nil, wrapValidationErr(err)
	}

	var cap model.Capability
	if err := json.Unmarshal(raw, &cap); err != nil {
		return nil, &ValidationError{Path: "$", Detail: err.Error()}
	}

	if err := v.validateConstraintsShape(cap); err != nil {
		return nil, err
	}
	normalizeCapability(&cap)
	if err := crossFieldValidateCapability(cap); err != nil {
		return nil, err
	}
	return &cap, nil
}

func (v *Validator) validateConstraintsShape(cap model.Capability) error {
	raw, err := json.Marshal(cap.Constraints)
	if err != nil {
		return &ValidationError{Path: "$.constraints", Detail: err.Error()}
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return err
	}
	switch cap.Constraints.(type) {
	case model.SpendConstraints:
		if err := v.spendConstraints.Validate(generic); err != nil {
			return wrapValidationErr(err)
		}
	case model.ToolCallConstraints:
		if err := v.toolCallConstraints.Validate(generic); err != nil {
			return wrapValidationErr(err)
		}
	default:
		return &ValidationError{Path: "$.constraints", Detail: "unrecognized constraints shape"}
	}
	return nil
}

func normalizeCapability(cap *model.Capability) {
	cap.Resource.Vendor = model.Normalize(cap.Resource.Vendor)
	switch c := cap.Constraints.(type) {
	case model.SpendConstraints:
		c.AllowedVendors = model.NormalizeAll(c.AllowedVendors)
		c.BlockedCategories = model.NormalizeAll(c.BlockedCategories)
		cap.Constraints = c
	case model.ToolCallConstraints:
		c.AllowedTools = model.NormalizeAll(c.AllowedTools)
		c.BlockedToolCategories = model.NormalizeAll(c.BlockedToolCategories)
		cap.Constraints = c
	}
}

func crossFieldValidateCapability(cap model.Capability) error {
	if !cap.ExpiresAt.After(cap.IssuedAt) {
		return &ValidationError{Path: "$.expires_at", Detail: "expires_at must be strictly after issued_at"}
	}
	if cap.NotBefore != nil && cap.NotBefore.After(cap.ExpiresAt) {
		return &ValidationError{Path: "$.not_before", Detail: "not_before must not be after expires_at"}
	}
	if sc, ok := cap.Constraints.(model.SpendConstraints); ok {
		vendor := model.Normalize(cap.Resource.Vendor)
		if !containsNormalized(sc.AllowedVendors, vendor) {
			return &ValidationError{Path: "$.resource.vendor", Detail: "resource.vendor must be a member of constraints.allowed_vendors"}
		}
	}
	return nil
}

func containsNormalized(list []string, needle string) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}

// ValidateSpendRequest validates and normalizes a spend action request.
func (v *Validator) ValidateSpendRequest(raw []byte) (*model.SpendRequest, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	if err := v.spendRequest.Validate(generic); err != nil {
		return nil, wrapValidationErr(err)
	}
	var req model.SpendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ValidationError{Path: "$", Detail: err.Error()}
	}
	req.Vendor = model.Normalize(req.Vendor)
	for i := range req.Cart {
		req.Cart[i].Category = model.Normalize(req.Cart[i].Category)
	}
	if len(req.Cart) == 0 {
		return nil, &ValidationError{Path: "$.cart", Detail: "cart must not be empty"}
	}
	return &req, nil
}

// ValidateToolCallRequest validates and normalizes a tool-call action
// request.
func (v *Validator) ValidateToolCallRequest(raw []byte) (*model.ToolCallRequest, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	if err := v.toolCallRequest.Validate(generic); err != nil {
		return nil, wrapValidationErr(err)
	}
	var req model.ToolCallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ValidationError{Path: "$", Detail: err.Error()}
	}
	req.ToolName = model.Normalize(req.ToolName)
	req.ToolCategory = model.Normalize(req.ToolCategory)
	return &req, nil
}

// IssueSpendInput is the validated, normalized body of an
// issue_spend_capability call.
type IssueSpendInput struct {
	TemplateTag string
	AgentID     string
	AgentPubKey string
	SubjectID   string
	Constraints model.SpendConstraints
}

// ValidateIssueSpend validates an issue_spend_capability request body.
func (v *Validator) ValidateIssueSpend(raw []byte) (*IssueSpendInput, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	if err := v.issueSpend.Validate(generic); err != nil {
		return nil, wrapValidationErr(err)
	}
	var wire struct {
		TemplateTag string                 `json:"template_tag"`
		AgentID     string                 `json:"agent_id"`
		AgentPubKey string                 `json:"agent_pubkey"`
		SubjectID   string                 `json:"subject_id"`
		Constraints model.SpendConstraints `json:"constraints"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ValidationError{Path: "$", Detail: err.Error()}
	}
	wire.Constraints.AllowedVendors = model.NormalizeAll(wire.Constraints.AllowedVendors)
	wire.Constraints.BlockedCategories = model.NormalizeAll(wire.Constraints.BlockedCategories)
	return &IssueSpendInput{
		TemplateTag: wire.TemplateTag,
		AgentID:     wire.AgentID,
		AgentPubKey: wire.AgentPubKey,
		SubjectID:   wire.SubjectID,
		Constraints: wire.Constraints,
	}, nil
}

// IssueToolCallInput is the validated, normalized body of an
// issue_tool_call_capability call.
type IssueToolCallInput struct {
	TemplateTag string
	AgentID     string
	AgentPubKey string
	SubjectID   string
	Constraints model.ToolCallConstraints
}

// ValidateIssueToolCall validates an issue_tool_call_capability request body.
func (v *Validator) ValidateIssueToolCall(raw []byte) (*IssueToolCallInput, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	if err := v.issueToolCall.Validate(generic); err != nil {
		return nil, wrapValidationErr(err)
	}
	var wire struct {
		TemplateTag string                    `json:"template_tag"`
		AgentID     string                    `json:"agent_id"`
		AgentPubKey string                    `json:"agent_pubkey"`
		SubjectID   string                    `json:"subject_id"`
		Constraints model.ToolCallConstraints `json:"constraints"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ValidationError{Path: "$", Detail: err.Error()}
	}
	wire.Constraints.AllowedTools = model.NormalizeAll(wire.Constraints.AllowedTools)
	wire.Constraints.BlockedToolCategories = model.NormalizeAll(wire.Constraints.BlockedToolCategories)
	return &IssueToolCallInput{
		TemplateTag: wire.TemplateTag,
		AgentID:     wire.AgentID,
		AgentPubKey: wire.AgentPubKey,
		SubjectID:   wire.SubjectID,
		Constraints: wire.Constraints,
	}, nil
}
