package repository

import (
	"fmt"
	"sort"
	"time"

	"duet/internal/models"
)

// applyQuery filters, orders and limits records in place of a server-side query.
func applyQuery(records []models.Document, query models.RecordQuery) []models.Document {
	out := make([]models.Document, 0, len(records))
	for _, doc := range records {
		if matches(doc, query.Where) {
			out = append(out, doc)
		}
	}

	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(out[i][orderBy], out[j][orderBy])
		if query.Descending {
			return c > 0
		}
		return c < 0
	})

	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out
}

func matches(doc models.Document, where map[string]any) bool {
	for field, want := range where {
		if compareValues(doc[field], want) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders numbers numerically and everything else by its string form.
func compareValues(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, sb := toString(a), toString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(s)
	}
}

// cloneDocument copies the top level of doc so callers cannot mutate stored state.
func cloneDocument(doc models.Document) models.Document {
	out := make(models.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
