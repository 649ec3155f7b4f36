package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/connerlevi/capnet/pkg/enforce"
	"github.com/connerlevi/capnet/pkg/issuer"
	"github.com/connerlevi/capnet/pkg/model"
	"github.com/connerlevi/capnet/pkg/schema"
	"github.com/connerlevi/capnet/pkg/store"
)

// maxBodyBytes bounds every request body to 256 KiB, which bounds the
// canonicalization cost a caller can force.
const maxBodyBytes = 256 * 1024

// Server wires the store, schema validator, issuer, and enforcement engine
// into the HTTP operation table.
type Server struct {
	store     *store.Store
	validator *schema.Validator
	issuer    *issuer.Issuer
	engine    *enforce.Engine
	log       *slog.Logger
}

// New builds a Server.
func New(s *store.Store, v *schema.Validator, iss *issuer.Issuer, eng *enforce.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: s, validator: v, issuer: iss, engine: eng, log: log}
}

// Handler builds the complete http.Handler, CORS and request-size limits
// included. corsOrigins is passed straight through to corsMiddleware.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/capabilities/spend", s.handleIssueSpend)
	mux.HandleFunc("POST /v1/capabilities/tool-call", s.handleIssueToolCall)
	mux.HandleFunc("POST /v1/enforce/spend", s.handleEnforceSpend)
	mux.HandleFunc("POST /v1/enforce/tool-call", s.handleEnforceToolCall)
	mux.HandleFunc("POST /v1/capabilities/{cap_id}/revoke", s.handleRevoke)
	mux.HandleFunc("GET /v1/capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /v1/receipts", s.handleListReceipts)

	return corsMiddleware(corsOrigins)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "request body exceeds the 256 KiB limit or could not be read")
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIssueSpend(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := s.validator.ValidateIssueSpend(body)
	if err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	cap, err := s.issuer.IssueSpend(in)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func (s *Server) handleIssueToolCall(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := s.validator.ValidateIssueToolCall(body)
	if err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	cap, err := s.issuer.IssueToolCall(in)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func (s *Server) handleEnforceSpend(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := s.validator.ValidateSpendRequest(body)
	if err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	dec, err := s.engine.EnforceSpend(*req)
	if err != nil {
		if errors.Is(err, enforce.ErrAmountOverflow) {
			writeBadRequest(w, "AMOUNT_OVERFLOW")
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleEnforceToolCall(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := s.validator.ValidateToolCallRequest(body)
	if err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	dec, err := s.engine.EnforceToolCall(*req)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	capID := r.PathValue("cap_id")
	if capID == "" {
		writeBadRequest(w, "cap_id is required")
		return
	}
	agentID, err := s.store.Revoke(capID)
	switch {
	case err == nil:
		if emitErr := s.store.AppendReceipt(revokedReceipt(capID, agentID)); emitErr != nil {
			writeInternal(w, emitErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cap_id": capID, "status": "revoked"})
	case errors.Is(err, store.ErrCapNotFound):
		writeNotFound(w, "CAP_NOT_FOUND")
	case errors.Is(err, store.ErrAlreadyRevoked):
		writeConflict(w, "ALREADY_REVOKED")
	default:
		writeInternal(w, err)
	}
}

// revokedReceipt builds the CAP_REVOKED receipt emitted by handleRevoke,
// mirroring the CAP_ISSUED receipt construction in pkg/issuer.
func revokedReceipt(capID, agentID string) model.Receipt {
	return model.Receipt{
		ReceiptID: "rcpt_" + uuid.NewString(),
		TS:        time.Now().UTC(),
		Event:     model.EventCapRevoked,
		CapID:     capID,
		AgentID:   agentID,
	}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	entries := s.store.ListCapabilities()
	type listed struct {
		Capability interface{} `json:"capability"`
		IsRevoked  bool        `json:"is_revoked"`
	}
	out := make([]listed, 0, len(entries))
	for _, e := range entries {
		out = append(out, listed{Capability: e.Capability, IsRevoked: e.IsRevoked})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	var sinceNano int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		sinceNano = ts.UnixNano()
	}
	receipts, err := s.store.ListReceipts(limit, sinceNano)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}
