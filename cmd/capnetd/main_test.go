package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func withDataDir(t *testing.T) {
	t.Helper()
	t.Setenv("CAPNET_DATA_DIR", t.TempDir())
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	code = Run(append([]string{"capnetd"}, args...), &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), code
}

// runCLIWithStdin runs a subcommand that reads its body from stdin (the
// default for enforce-spend/enforce-tool-call when -file is omitted) by
// swapping os.Stdin for the duration of the call.
func runCLIWithStdin(t *testing.T, body string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	original := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = original }()

	go func() {
		_, _ = io.Copy(w, strings.NewReader(body))
		w.Close()
	}()

	var outBuf, errBuf bytes.Buffer
	code = Run(append([]string{"capnetd"}, args...), &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), code
}

func TestRun_Health(t *testing.T) {
	stdout, _, code := runCLI(t, "health")
	require.Equal(t, 0, code)
	require.Equal(t, "ok\n", stdout)
}

func TestRun_UnknownSubcommand(t *testing.T) {
	_, stderr, code := runCLI(t, "not-a-real-subcommand")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "unknown subcommand")
}

func TestRun_IssueSpend_MissingRequiredFlags(t *testing.T) {
	withDataDir(t)
	_, stderr, code := runCLI(t, "issue-spend")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "required")
}

func TestRun_IssueSpendThenEnforceSpend_AllowsThenDeniesAfterRevoke(t *testing.T) {
	withDataDir(t)

	issueOut, issueErr, code := runCLI(t, "issue-spend",
		"-agent-id", "agent-cli",
		"-agent-pubkey", "YWdlbnQtcHVibGljLWtleQ==",
		"-max-amount-cents", "5000",
		"-vendors", "sandboxmart",
		"-blocked-categories", "alcohol,tobacco",
	)
	require.Equal(t, 0, code, issueErr)

	var cap struct {
		CapID    string `json:"cap_id"`
		Resource struct {
			Vendor string `json:"vendor"`
		} `json:"resource"`
	}
	require.NoError(t, json.Unmarshal([]byte(issueOut), &cap))
	require.NotEmpty(t, cap.CapID)
	require.Equal(t, "sandboxmart", cap.Resource.Vendor)

	spendReq := `{
		"request_id": "req-cli-1",
		"ts": "2026-07-31T00:00:00Z",
		"agent_id": "agent-cli",
		"agent_pubkey": "YWdlbnQtcHVibGljLWtleQ==",
		"action": "spend",
		"vendor": "sandboxmart",
		"currency": "USD",
		"cart": [{"name": "coffee", "category": "grocery", "price_cents": 500, "qty": 1}]
	}`

	enforceOut, enforceErr, code := runCLIWithStdin(t, spendReq, "enforce-spend")
	require.Equal(t, 0, code, enforceErr)
	var dec struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(enforceOut), &dec))
	require.Equal(t, "allow", dec.Decision)

	revokeOut, revokeErr, code := runCLI(t, "revoke", "-cap-id", cap.CapID)
	require.Equal(t, 0, code, revokeErr)
	require.Contains(t, revokeOut, "revoked")

	denyOut, denyErr, code := runCLIWithStdin(t, spendReq, "enforce-spend")
	require.Equal(t, 1, code, denyErr) // deny exits non-zero
	var denyDec struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(denyOut), &denyDec))
	require.Equal(t, "deny", denyDec.Decision)
	require.Equal(t, "REVOKED", denyDec.Reason)

	listOut, listErr, code := runCLI(t, "list-capabilities")
	require.Equal(t, 0, code, listErr)
	require.Contains(t, listOut, cap.CapID)

	receiptsOut, receiptsErr, code := runCLI(t, "list-receipts")
	require.Equal(t, 0, code, receiptsErr)
	require.Contains(t, receiptsOut, "CAP_ISSUED")
}
