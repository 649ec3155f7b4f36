// Command capnetd runs the capability enforcement core's HTTP surface:
// issuance, enforcement, revocation, and the audit/admin read endpoints.
// A single Run(args, stdout, stderr) entrypoint dispatches on a
// subcommand, defaulting to "serve", with one local subcommand per API
// operation for operator and demo use.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/connerlevi/capnet/pkg/api"
	"github.com/connerlevi/capnet/pkg/config"
	"github.com/connerlevi/capnet/pkg/enforce"
	"github.com/connerlevi/capnet/pkg/issuer"
	"github.com/connerlevi/capnet/pkg/model"
	"github.com/connerlevi/capnet/pkg/schema"
	"github.com/connerlevi/capnet/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out.
var startServer = runServer

// Run is the testable entrypoint: it dispatches on args[1], defaulting to
// "serve" when no subcommand is given. Each subcommand maps 1:1 onto an
// API operation, opening the store directly rather than going over HTTP.
// It is a local operator tool, not a second transport.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	rest := args[1:]
	if len(args) > 1 {
		cmd = args[1]
		rest = args[2:]
	}

	switch cmd {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "health":
		fmt.Fprintln(stdout, "ok")
		return 0
	case "issue-spend":
		return runIssueSpend(rest, stdout, stderr)
	case "issue-tool-call":
		return runIssueToolCall(rest, stdout, stderr)
	case "enforce-spend":
		return runEnforceSpend(rest, stdout, stderr)
	case "enforce-tool-call":
		return runEnforceToolCall(rest, stdout, stderr)
	case "revoke":
		return runRevoke(rest, stdout, stderr)
	case "list-capabilities":
		return runListCapabilities(rest, stdout, stderr)
	case "list-receipts":
		return runListReceipts(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "capnetd: unknown subcommand %q (want: serve, health, issue-spend, issue-tool-call, enforce-spend, enforce-tool-call, revoke, list-capabilities, list-receipts)\n", cmd)
		return 2
	}
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	s, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: open store: %v\n", err)
		return 1
	}
	defer s.Close()

	validator, err := schema.New()
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: compile schemas: %v\n", err)
		return 1
	}

	iss := issuer.New(s, validator)
	engine := enforce.New(s)
	srv := api.New(s, validator, iss, engine, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("capnetd listening", "addr", httpServer.Addr, "data_dir", cfg.DataDir)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			fmt.Fprintf(stderr, "capnetd: listen: %v\n", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
	return 0
}

func parseLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// quietLogger discards everything below error: CLI subcommands print their
// own result to stdout and shouldn't interleave server-style log lines.
func quietLogger(stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openForCLI opens the configured store and compiles the schema validator,
// the two pieces of state every subcommand below needs.
func openForCLI(stderr io.Writer) (*store.Store, *schema.Validator, error) {
	cfg := config.Load()
	log := quietLogger(stderr)
	s, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open store at %s: %w", cfg.DataDir, err)
	}
	v, err := schema.New()
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("compile schemas: %w", err)
	}
	return s, v, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func printJSON(stdout io.Writer, v interface{}) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runIssueSpend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-spend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	agentID := fs.String("agent-id", "", "executor agent id (required)")
	agentPubKey := fs.String("agent-pubkey", "", "executor agent pubkey, base64 (required)")
	subjectID := fs.String("subject-id", "", "human principal id (defaults to agent-id)")
	currency := fs.String("currency", "USD", "ISO currency code")
	maxAmount := fs.Int64("max-amount-cents", 0, "spend ceiling in cents (required)")
	vendors := fs.String("vendors", "", "comma-separated allowed vendors (required)")
	blocked := fs.String("blocked-categories", "", "comma-separated blocked categories")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentID == "" || *agentPubKey == "" || *maxAmount <= 0 || *vendors == "" {
		fmt.Fprintln(stderr, "capnetd issue-spend: -agent-id, -agent-pubkey, -max-amount-cents and -vendors are required")
		return 2
	}

	s, v, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"template_tag": "cli",
		"agent_id":     *agentID,
		"agent_pubkey": *agentPubKey,
		"subject_id":   *subjectID,
		"constraints": map[string]interface{}{
			"currency":           *currency,
			"max_amount_cents":   *maxAmount,
			"allowed_vendors":    splitCSV(*vendors),
			"blocked_categories": splitCSV(*blocked),
		},
	})
	in, err := v.ValidateIssueSpend(body)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: invalid input: %v\n", err)
		return 1
	}
	cap, err := issuer.New(s, v).IssueSpend(in)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: issue spend capability: %v\n", err)
		return 1
	}
	printJSON(stdout, cap)
	return 0
}

func runIssueToolCall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-tool-call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	agentID := fs.String("agent-id", "", "executor agent id (required)")
	agentPubKey := fs.String("agent-pubkey", "", "executor agent pubkey, base64 (required)")
	subjectID := fs.String("subject-id", "", "human principal id (defaults to agent-id)")
	tools := fs.String("tools", "", "comma-separated allowed tool names (required)")
	blocked := fs.String("blocked-categories", "", "comma-separated blocked tool categories")
	maxCalls := fs.Int64("max-calls", 0, "optional max_calls ceiling (0 = unset)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentID == "" || *agentPubKey == "" || *tools == "" {
		fmt.Fprintln(stderr, "capnetd issue-tool-call: -agent-id, -agent-pubkey and -tools are required")
		return 2
	}

	s, v, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	constraints := map[string]interface{}{
		"allowed_tools":           splitCSV(*tools),
		"blocked_tool_categories": splitCSV(*blocked),
	}
	if *maxCalls > 0 {
		constraints["max_calls"] = *maxCalls
	}
	body, _ := json.Marshal(map[string]interface{}{
		"template_tag": "cli",
		"agent_id":     *agentID,
		"agent_pubkey": *agentPubKey,
		"subject_id":   *subjectID,
		"constraints":  constraints,
	})
	in, err := v.ValidateIssueToolCall(body)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: invalid input: %v\n", err)
		return 1
	}
	cap, err := issuer.New(s, v).IssueToolCall(in)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: issue tool-call capability: %v\n", err)
		return 1
	}
	printJSON(stdout, cap)
	return 0
}

// readRequestBody reads a full JSON action-request body either from -file
// or, when -file is omitted, from stdin, so the subcommand composes with
// shell pipelines.
func readRequestBody(file string, stdin io.Reader) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	return io.ReadAll(stdin)
}

func runEnforceSpend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enforce-spend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "path to a JSON spend action request (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	body, err := readRequestBody(*file, os.Stdin)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: read request body: %v\n", err)
		return 1
	}

	s, v, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	req, err := v.ValidateSpendRequest(body)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: invalid input: %v\n", err)
		return 1
	}
	dec, err := enforce.New(s).EnforceSpend(*req)
	if err != nil {
		if errors.Is(err, enforce.ErrAmountOverflow) {
			fmt.Fprintln(stderr, "capnetd: AMOUNT_OVERFLOW")
			return 1
		}
		fmt.Fprintf(stderr, "capnetd: enforce spend: %v\n", err)
		return 1
	}
	printJSON(stdout, dec)
	if dec.Decision == model.DecisionDeny {
		return 1
	}
	return 0
}

func runEnforceToolCall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enforce-tool-call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "path to a JSON tool-call action request (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	body, err := readRequestBody(*file, os.Stdin)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: read request body: %v\n", err)
		return 1
	}

	s, v, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	req, err := v.ValidateToolCallRequest(body)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: invalid input: %v\n", err)
		return 1
	}
	dec, err := enforce.New(s).EnforceToolCall(*req)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: enforce tool call: %v\n", err)
		return 1
	}
	printJSON(stdout, dec)
	if dec.Decision == model.DecisionDeny {
		return 1
	}
	return 0
}

func runRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	capID := fs.String("cap-id", "", "capability id to revoke (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *capID == "" {
		fmt.Fprintln(stderr, "capnetd revoke: -cap-id is required")
		return 2
	}

	s, _, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	agentID, err := s.Revoke(*capID)
	switch {
	case err == nil:
		if emitErr := s.AppendReceipt(model.Receipt{
			ReceiptID: "rcpt_cli_" + *capID,
			TS:        time.Now().UTC(),
			Event:     model.EventCapRevoked,
			CapID:     *capID,
			AgentID:   agentID,
		}); emitErr != nil {
			fmt.Fprintf(stderr, "capnetd: emit CAP_REVOKED receipt: %v\n", emitErr)
			return 1
		}
		printJSON(stdout, map[string]string{"cap_id": *capID, "status": "revoked"})
		return 0
	case errors.Is(err, store.ErrCapNotFound):
		fmt.Fprintln(stderr, "capnetd: CAP_NOT_FOUND")
		return 1
	case errors.Is(err, store.ErrAlreadyRevoked):
		fmt.Fprintln(stderr, "capnetd: ALREADY_REVOKED")
		return 1
	default:
		fmt.Fprintf(stderr, "capnetd: revoke: %v\n", err)
		return 1
	}
}

func runListCapabilities(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list-capabilities", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	s, _, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	printJSON(stdout, s.ListCapabilities())
	return 0
}

func runListReceipts(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list-receipts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 100, "maximum number of receipts to return")
	since := fs.String("since", "", "RFC3339 timestamp; only receipts after this instant are returned")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var sinceNano int64
	if *since != "" {
		ts, err := time.Parse(time.RFC3339Nano, *since)
		if err != nil {
			fmt.Fprintf(stderr, "capnetd: -since must be an RFC3339 timestamp: %v\n", err)
			return 2
		}
		sinceNano = ts.UnixNano()
	}

	s, _, err := openForCLI(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: %v\n", err)
		return 1
	}
	defer s.Close()

	receipts, err := s.ListReceipts(*limit, sinceNano)
	if err != nil {
		fmt.Fprintf(stderr, "capnetd: list receipts: %v\n", err)
		return 1
	}
	printJSON(stdout, receipts)
	return 0
}
