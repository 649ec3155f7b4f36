package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/connerlevi/capnet/pkg/model"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCapability(capID, agentID, agentPubKey string, issuedAt time.Time) model.Capability {
	return model.Capability{
		Version:   model.CapDocVersion,
		CapID:     capID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(24 * time.Hour),
		Issuer:    model.IssuerIdentity{ID: "issuer-1", PubKey: "cHVi"},
		Subject:   model.Subject{ID: "subject-1"},
		Executor:  model.Executor{AgentID: agentID, AgentPubKey: agentPubKey},
		Resource:  model.Resource{Type: model.ResourceSpend, Vendor: "acme"},
		Actions:   []string{model.ActionSpend},
		Constraints: model.SpendConstraints{
			Currency:       "USD",
			MaxAmountCents: 1000,
			AllowedVendors: []string{"acme"},
		},
		Revocation: model.RevocationConfig{Mode: model.RevocationStrict, Oracle: "local"},
	}
}

func TestOpen_GeneratesIssuerKeysOnce(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, testLogger())
	require.NoError(t, err)
	pub1 := s1.IssuerKeys().Public
	require.NoError(t, s1.Close())

	s2, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, pub1, s2.IssuerKeys().Public)
}

func TestPutAndGetCapability_RoundTrips(t *testing.T) {
	s := mustOpen(t)
	cap := testCapability("cap-1", "agent-1", "pubkey-1", time.Now().UTC())
	require.NoError(t, s.PutCapability(cap))

	got, ok := s.GetCapability("cap-1")
	require.True(t, ok)
	require.Equal(t, cap.CapID, got.CapID)
}

func TestRevoke_Idempotency(t *testing.T) {
	s := mustOpen(t)
	cap := testCapability("cap-1", "agent-1", "pubkey-1", time.Now().UTC())
	require.NoError(t, s.PutCapability(cap))

	agentID, err := s.Revoke("cap-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agentID)

	_, err = s.Revoke("cap-1")
	require.ErrorIs(t, err, ErrAlreadyRevoked)

	_, err = s.Revoke("does-not-exist")
	require.ErrorIs(t, err, ErrCapNotFound)
}

func TestFindCapForAgent_PrefersUnrevokedThenNewest(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	older := testCapability("cap-old", "agent-1", "pubkey-1", now.Add(-time.Hour))
	newer := testCapability("cap-new", "agent-1", "pubkey-1", now)
	revokedNewest := testCapability("cap-revoked", "agent-1", "pubkey-1", now.Add(time.Hour))

	require.NoError(t, s.PutCapability(older))
	require.NoError(t, s.PutCapability(newer))
	require.NoError(t, s.PutCapability(revokedNewest))
	_, err := s.Revoke("cap-revoked")
	require.NoError(t, err)

	found, ok := s.FindCapForAgent("agent-1", "pubkey-1")
	require.True(t, ok)
	require.Equal(t, "cap-new", found.CapID)
}

func TestFindCapForAgent_NoMatch(t *testing.T) {
	s := mustOpen(t)
	_, ok := s.FindCapForAgent("nobody", "nokey")
	require.False(t, ok)
}

func TestFindCapForAgent_MatchesOnAgentIDRegardlessOfPubKey(t *testing.T) {
	s := mustOpen(t)
	cap := testCapability("cap-1", "agent-1", "pubkey-1", time.Now().UTC())
	require.NoError(t, s.PutCapability(cap))

	found, ok := s.FindCapForAgent("agent-1", "some-other-pubkey")
	require.True(t, ok)
	require.Equal(t, "cap-1", found.CapID)
	require.Equal(t, "pubkey-1", found.Executor.AgentPubKey)
}

func TestFindCapForAgent_ReturnsRevokedWhenOnlyMatch(t *testing.T) {
	s := mustOpen(t)
	cap := testCapability("cap-1", "agent-1", "pubkey-1", time.Now().UTC())
	require.NoError(t, s.PutCapability(cap))
	_, err := s.Revoke("cap-1")
	require.NoError(t, err)

	found, ok := s.FindCapForAgent("agent-1", "pubkey-1")
	require.True(t, ok)
	require.Equal(t, "cap-1", found.CapID)
}

func TestAppendAndListReceipts(t *testing.T) {
	s := mustOpen(t)
	r1 := model.Receipt{ReceiptID: "r1", TS: time.Now().UTC(), Event: model.EventActionAttempt, RequestID: "req-1"}
	time.Sleep(time.Millisecond)
	r2 := model.Receipt{ReceiptID: "r2", TS: time.Now().UTC(), Event: model.EventActionAllowed, RequestID: "req-1"}

	require.NoError(t, s.AppendReceipt(r1))
	require.NoError(t, s.AppendReceipt(r2))

	got, err := s.ListReceipts(10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r1", got[0].ReceiptID)
	require.Equal(t, "r2", got[1].ReceiptID)
}

func TestListReceipts_SinceFilter(t *testing.T) {
	s := mustOpen(t)
	r1 := model.Receipt{ReceiptID: "r1", TS: time.Now().UTC(), Event: model.EventActionAttempt}
	require.NoError(t, s.AppendReceipt(r1))
	cutoff := time.Now().UTC()
	time.Sleep(time.Millisecond)
	r2 := model.Receipt{ReceiptID: "r2", TS: time.Now().UTC(), Event: model.EventActionAllowed}
	require.NoError(t, s.AppendReceipt(r2))

	got, err := s.ListReceipts(10, cutoff.UnixNano())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r2", got[0].ReceiptID)
}

func TestAuditLog_ReopensAndToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/" + auditLogFile

	r := model.Receipt{ReceiptID: "r1", TS: time.Now().UTC(), Event: model.EventActionAttempt}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	full := string(data) + "\n" + `{"receipt_id":"r2","broken` // truncated trailing line
	require.NoError(t, writeAtomic(path, []byte(full)))

	wal, err := openAuditLog(path, testLogger())
	require.NoError(t, err)
	defer wal.close()

	got, err := wal.list(10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r1", got[0].ReceiptID)
}
