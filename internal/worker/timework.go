package worker

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
	"github.com/fairyhunter13/audit-orchestrator/internal/usecase"
)

// The time-analysis agent: computes time, cost, friction and recovery
// scenarios over the work-context rows, grounding every number in the fact
// ledger first.

var spaceRun = regexp.MustCompile(`\s+`)

// normalizeText lowercases, strips punctuation and collapses whitespace, so
// near-identical task descriptions share a fingerprint.
func normalizeText(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(b.String(), " "))
}

// TimeMetrics sums estimated minutes over the rows and breaks them down per
// category with a share percentage. Unparseable estimates count as zero.
func TimeMetrics(workContext map[string]any) (totalMinutes, totalHours float64, breakdown []map[string]any) {
	rows := RowsFromContext(workContext)
	categoryMinutes := map[string]float64{}
	for _, row := range rows {
		minutes := minutesOf(row["estimated_minutes"])
		totalMinutes += minutes
		cat, _ := row["category"].(string)
		if cat == "" {
			cat = "uncategorized"
		}
		categoryMinutes[cat] += minutes
	}
	if totalMinutes > 0 {
		totalHours = totalMinutes / 60
	}

	cats := make([]string, 0, len(categoryMinutes))
	for cat := range categoryMinutes {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		minutes := categoryMinutes[cat]
		share := 0.0
		if totalMinutes > 0 {
			share = minutes / totalMinutes * 100
		}
		breakdown = append(breakdown, map[string]any{
			"category":      cat,
			"minutes":       round2(minutes),
			"hours":         round2(minutes / 60),
			"share_percent": round2(share),
		})
	}
	return round2(totalMinutes), round2(totalHours), breakdown
}

// Confidence scores the input quality on [0, 1]: more rows, a known rate and
// category diversity raise it, missing estimates lower it.
func Confidence(workContext map[string]any) float64 {
	rows := RowsFromContext(workContext)
	base := 0.6
	if workContext["hourly_rate"] != nil {
		base += 0.1
	}
	if len(rows) > 5 {
		base += 0.05
	}
	categories := map[string]bool{}
	missingEstimates := 0
	for _, row := range rows {
		if cat, _ := row["category"].(string); cat != "" {
			categories[cat] = true
		}
		if v, ok := row["estimated_minutes"]; !ok || v == nil || v == "" {
			missingEstimates++
		}
	}
	if len(categories) > 1 {
		base += 0.05
	}
	if missingEstimates > 2 {
		base -= 0.1
	}
	return math.Max(0, math.Min(1, round2(base)))
}

// Costs projects the hourly rate over the total hours. The rate is required.
func Costs(totalHours float64, workContext map[string]any) (map[string]any, error) {
	rate := workContext["hourly_rate"]
	if rate == nil {
		return nil, &domain.MissingDataError{Fields: []string{"hourly_rate"}}
	}
	hourlyRate := minutesOf(rate)
	monthly := totalHours * hourlyRate
	return map[string]any{
		"hourly_rate":  hourlyRate,
		"monthly_cost": round2(monthly),
		"annual_cost":  round2(monthly * 12),
	}, nil
}

// Friction clusters recurring rows by normalized-text fingerprint and derives
// the avoidable share, capped at 60 percent.
func Friction(workContext map[string]any) map[string]any {
	rows := RowsFromContext(workContext)
	buckets := map[string][]map[string]any{}
	for _, row := range rows {
		text, _ := row["text"].(string)
		key := normalizeText(text)
		if len(key) > 48 {
			key = key[:48]
		}
		buckets[key] = append(buckets[key], row)
	}

	recurringCount := 0
	keys := make([]string, 0, len(buckets))
	for key, bucket := range buckets {
		if key == "" || len(bucket) < 2 {
			continue
		}
		keys = append(keys, key)
		recurringCount += len(bucket)
	}
	sort.Strings(keys)

	clusters := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		bucket := buckets[key]
		sample, _ := bucket[0]["text"].(string)
		if len(sample) > 120 {
			sample = sample[:120]
		}
		clusters = append(clusters, map[string]any{
			"fingerprint": key,
			"count":       len(bucket),
			"sample_text": sample,
		})
	}

	recurringShare := 0.0
	if len(rows) > 0 {
		recurringShare = float64(recurringCount) / float64(len(rows)) * 100
	}
	avoidable := math.Min(60, round2(recurringShare*1.25))

	return map[string]any{
		"total_rows":        len(rows),
		"recurring_count":   recurringCount,
		"recurring_share":   round2(recurringShare),
		"avoidable_percent": avoidable,
		"clusters":          clusters,
	}
}

// Scenario converts the avoidable share into recovered hours and cost.
func Scenario(totalHours float64, costs, friction map[string]any) map[string]any {
	avoidable := minutesOf(friction["avoidable_percent"])
	recoveredHours := totalHours * avoidable / 100
	hourlyRate := minutesOf(costs["hourly_rate"])
	recoveredCost := recoveredHours * hourlyRate
	return map[string]any{
		"avoidable_percent":      avoidable,
		"recovered_hours":        round2(recoveredHours),
		"recovered_monthly_cost": round2(recoveredCost),
		"summary": fmt.Sprintf("Recover %gh (%g%% avoidable) worth $%g per month",
			round2(recoveredHours), avoidable, round2(recoveredCost)),
	}
}

// TimeAnalysisProcess builds the process function of the time-analysis agent.
// Rows are grounded as facts before any aggregate is computed; missing inputs
// surface as DATA_INSUFFICIENCY and feed the clarification loop.
func TimeAnalysisProcess(grounding *usecase.GroundingEngine) ProcessFunc {
	return func(_ context.Context, task Task) (Result, error) {
		rows := RowsFromContext(task.WorkContext)
		if len(rows) == 0 {
			return Result{}, &domain.MissingDataError{Fields: []string{"rows"}}
		}
		facts, err := grounding.Extract(task.ProjectID, task.BacklogItemID, rows)
		if err != nil {
			return Result{}, err
		}

		totalMinutes, totalHours, breakdown := TimeMetrics(task.WorkContext)
		content := map[string]any{
			"total_minutes": totalMinutes,
			"total_hours":   totalHours,
			"breakdown":     breakdown,
		}
		friction := Friction(task.WorkContext)
		content["friction"] = friction
		if task.WorkContext["hourly_rate"] != nil {
			costs, err := Costs(totalHours, task.WorkContext)
			if err != nil {
				return Result{}, err
			}
			content["costs"] = costs
			content["scenario"] = Scenario(totalHours, costs, friction)
		}

		return Result{
			DeliverableType: "time_waste_analysis",
			Content:         content,
			Evidence: map[string]any{
				"total_minutes": totalMinutes,
				"total_hours":   totalHours,
				"row_count":     len(rows),
			},
			Confidence: Confidence(task.WorkContext),
			Facts:      facts,
		}, nil
	}
}

// RowsFromContext extracts the rows slice from a decoded work context.
func RowsFromContext(workContext map[string]any) []map[string]any {
	raw, _ := workContext["rows"].([]any)
	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if row, ok := item.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func minutesOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
