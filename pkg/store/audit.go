package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/connerlevi/capnet/pkg/model"
)

// auditLog is the append-only receipt log: a sequence of newline-delimited
// JSON records, each self-delimited, appended under an exclusive lock.
type auditLog struct {
	mu       sync.Mutex
	f        *os.File
	receipts []model.Receipt
	log      *slog.Logger
}

func openAuditLog(path string, log *slog.Logger) (*auditLog, error) {
	existing, err := readExistingReceipts(path, log)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &auditLog{f: f, receipts: existing, log: log}, nil
}

// readExistingReceipts tolerates a truncated or malformed trailing record.
// The write discipline never rewrites completed lines, so only the final
// line can ever be a torn write. Any malformed line, trailing or not, is
// skipped with a warning rather than aborting startup.
func readExistingReceipts(path string, log *slog.Logger) ([]model.Receipt, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var receipts []model.Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r model.Receipt
		if err := json.Unmarshal(line, &r); err != nil {
			log.Warn("skipping malformed audit log line", "line", lineNo, "error", err)
			continue
		}
		receipts = append(receipts, r)
	}
	// scanner.Err() surfaces a read error, not a parse error; an I/O error
	// reading an otherwise-intact log is a core fault worth reporting.
	if err := scanner.Err(); err != nil {
		return receipts, fmt.Errorf("scan audit log: %w", err)
	}
	return receipts, nil
}

func (a *auditLog) append(r model.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.f.Write(data); err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	a.receipts = append(a.receipts, r)
	return nil
}

// list returns up to limit receipts with TS strictly after the instant
// identified by sinceUnixNano (0 means "from the beginning"), oldest first.
func (a *auditLog) list(limit int, sinceUnixNano int64) ([]model.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var filtered []model.Receipt
	for _, r := range a.receipts {
		if sinceUnixNano > 0 && r.TS.UnixNano() <= sinceUnixNano {
			continue
		}
		filtered = append(filtered, r)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

func (a *auditLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
