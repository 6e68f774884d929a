// Package engine executes translated SQL against the data store.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Rows is a materialized query result.
type Rows struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Engine runs SQL. Failures are returned as upstream_engine_error.
type Engine interface {
	ExecuteQuery(ctx context.Context, sql string) (*Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Summarize describes rows in one line for the insight prompt: the row
// count, the columns, and the average of every numeric column.
func Summarize(r *Rows) string {
	if r == nil || len(r.Rows) == 0 {
		return "No data available for analysis."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total rows: %d, Columns: %s", len(r.Rows), strings.Join(r.Columns, ", "))

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, row := range r.Rows {
		for col, v := range row {
			if f, ok := toFloat(v); ok {
				sums[col] += f
				counts[col]++
			}
		}
	}

	numeric := make([]string, 0, len(sums))
	for col := range sums {
		numeric = append(numeric, col)
	}
	sort.Strings(numeric)
	for _, col := range numeric {
		fmt.Fprintf(&b, ", Average %s: %.2f", col, sums[col]/float64(counts[col]))
	}
	return b.String()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return 0, false
		}
		return f.Float64, true
	default:
		return 0, false
	}
}
