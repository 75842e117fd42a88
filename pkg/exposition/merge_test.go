package exposition_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querydelta/pkg/exposition"
)

func TestMerge(t *testing.T) {
	billing := "# HELP db_current_queries Statements executing now\n" +
		"# TYPE db_current_queries gauge\n" +
		"db_current_queries 3\n" +
		"# HELP db_frequent_execution_count_delta x\n" +
		"# TYPE db_frequent_execution_count_delta gauge\n" +
		`db_frequent_execution_count_delta{table="invoices",is_new_table="False"} 40` + "\n"
	accounts := "# HELP db_current_queries Statements executing now\n" +
		"# TYPE db_current_queries gauge\n" +
		"db_current_queries 1\n"

	text, err := exposition.Merge("dataset", map[string]string{
		"billing":  billing,
		"accounts": accounts,
		"empty":    "",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(text, "# TYPE db_current_queries gauge"))
	assert.Contains(t, text, `db_current_queries{dataset="accounts"} 1`+"\n")
	assert.Contains(t, text, `db_current_queries{dataset="billing"} 3`+"\n")
	assert.Contains(t, text,
		`db_frequent_execution_count_delta{table="invoices",is_new_table="False",dataset="billing"} 40`+"\n")
	assert.Less(t,
		strings.Index(text, `dataset="accounts"`),
		strings.Index(text, `db_current_queries{dataset="billing"}`),
		"inputs are merged in key order")
}

func TestMerge_SkipsInvalidInput(t *testing.T) {
	text, err := exposition.Merge("dataset", map[string]string{
		"good": "# TYPE up gauge\nup 1\n",
		"bad":  "this is { not exposition\n",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing bad")
	assert.Contains(t, text, `up{dataset="good"} 1`)
}

func TestMerge_TypeConflict(t *testing.T) {
	text, err := exposition.Merge("dataset", map[string]string{
		"a": "# TYPE x gauge\nx 1\n",
		"b": "# TYPE x counter\nx 2\n",
	})
	require.Error(t, err)
	assert.Contains(t, text, `x{dataset="a"} 1`)
	assert.NotContains(t, text, `dataset="b"`)
}
