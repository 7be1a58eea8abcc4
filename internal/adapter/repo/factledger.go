package repo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// FileFactLedger is an immutable append-only ledger, one JSONL file per
// project under the configured base directory.
type FileFactLedger struct {
	baseDir string
}

// NewFileFactLedger creates the base directory when missing.
func NewFileFactLedger(baseDir string) (*FileFactLedger, error) {
	if baseDir == "" {
		baseDir = "storage/audit_log"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("op=factledger.New dir=%s: %w", baseDir, err)
	}
	return &FileFactLedger{baseDir: baseDir}, nil
}

var _ domain.FactLedger = (*FileFactLedger)(nil)

func (l *FileFactLedger) path(projectID string) string {
	return filepath.Join(l.baseDir, projectID+"_ledger.jsonl")
}

// Record appends one entry linking outputs to input facts and coefficients.
// Returns the ledger file path.
func (l *FileFactLedger) Record(projectID, backlogItemID string, facts []domain.Fact, coefficients map[string]any) (string, error) {
	if coefficients == nil {
		coefficients = map[string]any{}
	}
	entry := domain.LedgerEntry{
		ProjectID:     projectID,
		BacklogItemID: backlogItemID,
		Facts:         facts,
		Coefficients:  coefficients,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("op=factledger.Record project=%s: %w", projectID, err)
	}
	path := l.path(projectID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("op=factledger.Record project=%s: %w", projectID, err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return "", fmt.Errorf("op=factledger.Record project=%s: %w", projectID, err)
	}
	return path, nil
}

// LoadEntries reads all entries for the project, empty when none recorded.
func (l *FileFactLedger) LoadEntries(projectID string) ([]domain.LedgerEntry, error) {
	f, err := os.Open(l.path(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=factledger.LoadEntries project=%s: %w", projectID, err)
	}
	defer f.Close()

	var entries []domain.LedgerEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("op=factledger.LoadEntries project=%s: %w", projectID, err)
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("op=factledger.LoadEntries project=%s: %w", projectID, err)
	}
	return entries, nil
}
