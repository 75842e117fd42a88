package querystats

import (
	"strings"

	"github.com/ethpandaops/querydelta/pkg/sqlparse"
)

// TableResolver attributes a statement to a table and classifies it.
type TableResolver interface {
	Resolve(sql string) string
	Classify(sql string) sqlparse.StatementType
}

// NormalizedRow is a RawStatRow annotated with its owning table and the
// logical time of the cycle that produced it.
type NormalizedRow struct {
	RawStatRow

	QueryNormalized string                 `json:"query_normalized"`
	MainTable       string                 `json:"main_table"`
	StatementType   sqlparse.StatementType `json:"statement_type"`
	Snapshot        string                 `json:"snapshot"`
}

// Normalize annotates each row with its collapsed, lower-cased query text,
// resolved table, statement type and the snapshot timestamp. The input slice
// is not modified.
func Normalize(rows []RawStatRow, snapshot string, resolver TableResolver) []NormalizedRow {
	out := make([]NormalizedRow, 0, len(rows))

	for _, row := range rows {
		clean := strings.ToLower(strings.Join(strings.Fields(row.QueryText), " "))

		out = append(out, NormalizedRow{
			RawStatRow:      row,
			QueryNormalized: clean,
			MainTable:       resolver.Resolve(clean),
			StatementType:   resolver.Classify(clean),
			Snapshot:        snapshot,
		})
	}

	return out
}
