package usecase

import (
	"fmt"
	"sort"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// GroundingEngine turns raw input rows into provenance-carrying facts and
// records them in the append-only ledger. Every numeric output downstream
// must trace back to one of these facts.
type GroundingEngine struct {
	ledger domain.FactLedger
}

// NewGroundingEngine wraps the ledger.
func NewGroundingEngine(ledger domain.FactLedger) *GroundingEngine {
	return &GroundingEngine{ledger: ledger}
}

// Extract builds task_minutes and task_text facts from rows. Rows must carry
// "text" and "estimated_minutes"; anything missing raises a
// *domain.MissingDataError, which feeds the clarification loop.
func (g *GroundingEngine) Extract(projectID, backlogItemID string, rows []map[string]any) ([]domain.Fact, error) {
	if len(rows) == 0 {
		return nil, &domain.MissingDataError{Fields: []string{"rows"}}
	}

	facts := make([]domain.Fact, 0, 2*len(rows))
	for idx, row := range rows {
		var missing []string
		for _, k := range []string{"text", "estimated_minutes"} {
			if _, ok := row[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, &domain.MissingDataError{Fields: missing}
		}

		rowID := row["id"]
		if rowID == nil {
			rowID = idx
		}
		fields := make([]string, 0, len(row))
		for k := range row {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		prov := map[string]any{"row_id": rowID, "source_fields": fields}

		facts = append(facts,
			domain.Fact{
				ID:         fmt.Sprintf("fact-%d", idx),
				Field:      "task_minutes",
				Value:      row["estimated_minutes"],
				Provenance: prov,
			},
			domain.Fact{
				ID:         fmt.Sprintf("fact-text-%d", idx),
				Field:      "task_text",
				Value:      row["text"],
				Provenance: prov,
			},
		)
	}

	if g.ledger != nil {
		if _, err := g.ledger.Record(projectID, backlogItemID, facts, map[string]any{"count": len(facts)}); err != nil {
			return nil, fmt.Errorf("op=grounding.Extract project=%s: %w", projectID, err)
		}
	}
	return facts, nil
}

// FactRecords renders facts as generic maps for event payloads.
func FactRecords(facts []domain.Fact) []map[string]any {
	records := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		records = append(records, map[string]any{
			"id":         f.ID,
			"field":      f.Field,
			"value":      f.Value,
			"provenance": f.Provenance,
		})
	}
	return records
}
