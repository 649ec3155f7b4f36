// Package store implements the durable state layer: the capability index,
// the revocation set, the sealed issuer keypair, and the append-only
// receipt log. Every replace-whole artifact is written with a
// temp-file-then-rename swap so a crash mid-write leaves either the old or
// the new snapshot on disk, never a partial one.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/connerlevi/capnet/pkg/model"
)

// Store holds every piece of durable state this core needs and serializes
// all mutation behind a single mutex, per the single-writer discipline.
type Store struct {
	mu sync.RWMutex

	dir string
	log *slog.Logger

	capabilities map[string]model.Capability
	revoked      map[string]bool

	keys *IssuerKeys
	wal  *auditLog
}

const (
	capabilitiesFile = "capabilities.json"
	revocationsFile  = "revocations.json"
	keysFile         = "issuer_keys.json"
	auditLogFile     = "receipts.ndjson"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Open loads (or initializes) the store rooted at dir, creating the
// directory if it does not exist and generating a fresh issuer keypair on
// first run.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	s := &Store{
		dir:          dir,
		log:          log,
		capabilities: make(map[string]model.Capability),
		revoked:      make(map[string]bool),
	}

	if err := s.loadCapabilities(); err != nil {
		return nil, err
	}
	s.loadRevocations()

	keys, err := loadOrCreateIssuerKeys(filepath.Join(dir, keysFile))
	if err != nil {
		return nil, fmt.Errorf("store: issuer keys: %w", err)
	}
	s.keys = keys

	wal, err := openAuditLog(filepath.Join(dir, auditLogFile), log)
	if err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}
	s.wal = wal

	return s, nil
}

// IssuerKeys returns the process issuer keypair.
func (s *Store) IssuerKeys() *IssuerKeys {
	return s.keys
}

// loadCapabilities reads the capability index. A parse failure degrades to
// an empty index with a logged warning rather than aborting startup, so
// the process can still issue new capabilities after corruption.
func (s *Store) loadCapabilities() error {
	path := filepath.Join(s.dir, capabilitiesFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read capability index: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		s.log.Warn("capability index corrupt, starting from empty index", "error", err, "path", path)
		return nil
	}

	index := make(map[string]model.Capability, len(wire))
	for id, rawCap := range wire {
		var cap model.Capability
		if err := json.Unmarshal(rawCap, &cap); err != nil {
			s.log.Warn("dropping unreadable capability record", "cap_id", id, "error", err)
			continue
		}
		index[id] = cap
	}
	s.capabilities = index
	return nil
}

func (s *Store) loadRevocations() {
	path := filepath.Join(s.dir, revocationsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if len(raw) == 0 {
		return
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		s.log.Warn("revocation set corrupt, starting from empty set", "error", err, "path", path)
		return
	}
	revoked := make(map[string]bool, len(ids))
	for _, id := range ids {
		revoked[id] = true
	}
	s.revoked = revoked
}

// writeAtomic swaps the named file's contents via temp-file-then-rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

func (s *Store) persistCapabilitiesLocked() error {
	wire := make(map[string]json.RawMessage, len(s.capabilities))
	for id, cap := range s.capabilities {
		raw, err := cap.MarshalJSON()
		if err != nil {
			return fmt.Errorf("store: marshal capability %s: %w", id, err)
		}
		wire[id] = raw
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal capability index: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, capabilitiesFile), data)
}

func (s *Store) persistRevocationsLocked() error {
	ids := make([]string, 0, len(s.revoked))
	for id := range s.revoked {
		ids = append(ids, id)
	}
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal revocation set: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, revocationsFile), data)
}

// PutCapability persists a newly issued capability as a whole record.
func (s *Store) PutCapability(cap model.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[cap.CapID] = cap
	return s.persistCapabilitiesLocked()
}

// GetCapability returns a capability by id.
func (s *Store) GetCapability(capID string) (model.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cap, ok := s.capabilities[capID]
	return cap, ok
}

// IsRevoked reports whether cap_id is in the revocation set.
func (s *Store) IsRevoked(capID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[capID]
}

// ErrCapNotFound is returned by Revoke when cap_id is unknown to the index.
var ErrCapNotFound = fmt.Errorf("capability not found")

// ErrAlreadyRevoked is returned by Revoke when cap_id is already revoked.
var ErrAlreadyRevoked = fmt.Errorf("capability already revoked")

// Revoke adds cap_id to the revocation set. It returns the capability's
// agent_id (for the CAP_REVOKED receipt) on success. Revocation is
// monotone: a revoked cap_id stays revoked for all time.
func (s *Store) Revoke(capID string) (agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, ok := s.capabilities[capID]
	if !ok {
		return "", ErrCapNotFound
	}
	if s.revoked[capID] {
		return "", ErrAlreadyRevoked
	}
	s.revoked[capID] = true
	if err := s.persistRevocationsLocked(); err != nil {
		delete(s.revoked, capID)
		return "", err
	}
	return cap.Executor.AgentID, nil
}

// CapabilityListEntry pairs a capability with its revocation flag.
type CapabilityListEntry struct {
	Capability model.Capability
	IsRevoked  bool
}

// ListCapabilities returns every capability in the index alongside its
// revocation flag, for the admin/UI list_capabilities operation.
func (s *Store) ListCapabilities() []CapabilityListEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CapabilityListEntry, 0, len(s.capabilities))
	for id, cap := range s.capabilities {
		out = append(out, CapabilityListEntry{Capability: cap, IsRevoked: s.revoked[id]})
	}
	return out
}

// AppendReceipt writes a receipt to the audit log.
func (s *Store) AppendReceipt(r model.Receipt) error {
	return s.wal.append(r)
}

// ListReceipts returns up to limit receipts with ts > since (or all
// receipts if since is the zero value), most recent last.
func (s *Store) ListReceipts(limit int, sinceUnixNano int64) ([]model.Receipt, error) {
	return s.wal.list(limit, sinceUnixNano)
}

// Close flushes and releases any open file handles.
func (s *Store) Close() error {
	return s.wal.close()
}
