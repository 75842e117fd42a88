package sqlparse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/querydelta/pkg/sqlparse"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{name: "select with schema and alias", sql: "SELECT * FROM dbo.Invoices i", want: "invoices"},
		{name: "update", sql: "UPDATE Accounts SET x=1", want: "accounts"},
		{name: "whitespace only", sql: "   ", want: "unknown"},
		{name: "empty", sql: "", want: "unknown"},
		{name: "bracketed delete", sql: "DELETE FROM [Orders]", want: "orders"},
		{name: "insert into", sql: "INSERT INTO payments (id, amount) VALUES (1, 2)", want: "payments"},
		{name: "update wins over subquery from", sql: "UPDATE a SET total = (SELECT SUM(x) FROM b WHERE b.id = a.id)", want: "a"},
		{name: "delete wins over subquery from", sql: "DELETE FROM ledger WHERE id IN (SELECT id FROM archive)", want: "ledger"},
		{name: "insert select", sql: "INSERT INTO audit SELECT * FROM events", want: "audit"},
		{name: "update top", sql: "UPDATE TOP (10) queue SET taken = 1", want: "queue"},
		{name: "derived table skipped", sql: "SELECT n FROM (SELECT 1 AS n) AS t JOIN numbers ON 1=1", want: "numbers"},
		{name: "backtick quoted", sql: "SELECT * FROM `shop`.`Customers` c", want: "customers"},
		{name: "double quoted", sql: `SELECT * FROM "public"."Users"`, want: "users"},
		{name: "multi part name", sql: "SELECT * FROM [db].[dbo].[Invoices]", want: "invoices"},
		{name: "line comment stripped", sql: "-- from secrets\nSELECT * FROM products", want: "products"},
		{name: "block comment stripped", sql: "/* UPDATE ghost */ SELECT * FROM products", want: "products"},
		{name: "whitespace normalized", sql: "SELECT *\n\tFROM\n   Items", want: "items"},
		{name: "no table", sql: "SELECT 1", want: "unknown"},
		{name: "garbage", sql: "))) ((( ;;", want: "unknown"},
		{name: "column named like keyword", sql: "SELECT updated_at FROM sessions", want: "sessions"},
		{
			name: "on duplicate key update",
			sql:  "INSERT INTO orders (id, qty) VALUES (?, ?) ON DUPLICATE KEY UPDATE qty = VALUES(qty)",
			want: "orders",
		},
		{
			name: "on conflict do update",
			sql:  "INSERT INTO orders (id, qty) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET qty = EXCLUDED.qty",
			want: "orders",
		},
		{name: "for update skip locked", sql: "SELECT id FROM jobs WHERE state = 'new' FOR UPDATE SKIP LOCKED", want: "jobs"},
		{name: "for update nowait", sql: "select * from orders where id = 1 for update nowait", want: "orders"},
		{name: "update after locking select", sql: "SELECT 1 FOR UPDATE; UPDATE stock SET n = 0", want: "stock"},
		{name: "bracketed name with space", sql: "SELECT * FROM [dbo].[Order Details] od", want: "order_details"},
		{name: "backtick name with space", sql: "DELETE FROM `line items` WHERE id = 1", want: "line_items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlparse.Resolve(tt.sql))
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	sql := "UPDATE dbo.Invoices SET paid = 1 FROM dbo.Invoices i JOIN payments p ON p.invoice_id = i.id"

	first := sqlparse.Resolve(sql)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, sqlparse.Resolve(sql))
	}

	assert.Equal(t, "invoices", first)
}

func TestResolver_KnownTableFallback(t *testing.T) {
	r := sqlparse.NewResolver([]string{"Invoices", " ", "payments"})

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{name: "procedure call mentioning table", sql: "EXEC refresh_payments_view @table = 'payments'", want: "payments"},
		{name: "word boundary respected", sql: "EXEC rebuild_invoicesx", want: "unknown"},
		{name: "first listed table wins", sql: "MERGE invoices USING payments ON 1=1", want: "invoices"},
		{name: "pattern beats fallback", sql: "SELECT * FROM customers WHERE note = 'payments'", want: "customers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.sql))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		sql  string
		want sqlparse.StatementType
	}{
		{sql: "SELECT * FROM a", want: sqlparse.StatementSelect},
		{sql: "  update a set b = 1", want: sqlparse.StatementUpdate},
		{sql: "INSERT INTO a VALUES (1)", want: sqlparse.StatementInsert},
		{sql: "DELETE FROM a", want: sqlparse.StatementDelete},
		{sql: "CREATE TABLE a (id int)", want: sqlparse.StatementDDL},
		{sql: "ALTER TABLE a ADD b int", want: sqlparse.StatementDDL},
		{sql: "DROP INDEX ix ON a", want: sqlparse.StatementDDL},
		{sql: "TRUNCATE TABLE a", want: sqlparse.StatementDDL},
		{sql: "/* hint */ SELECT 1", want: sqlparse.StatementSelect},
		{sql: "-- note\nDELETE FROM a", want: sqlparse.StatementDelete},
		{sql: "(SELECT 1)", want: sqlparse.StatementSelect},
		{sql: "WITH c AS (SELECT id FROM a) UPDATE b SET x = 1", want: sqlparse.StatementUpdate},
		{sql: "WITH c AS (SELECT id FROM a) SELECT * FROM c", want: sqlparse.StatementSelect},
		{sql: "EXEC sp_who", want: sqlparse.StatementUnknown},
		{sql: "", want: sqlparse.StatementUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlparse.Classify(tt.sql))
		})
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t,
		"select a from dbo.t",
		sqlparse.Clean("SELECT  a /* x */\nFROM [dbo].[T] -- trailing"),
	)

	assert.Equal(t,
		"select * from dbo.order_details where a_b = 'x'",
		sqlparse.Clean(`SELECT * FROM [dbo].[ Order  Details ] WHERE "a b" = 'x'`),
	)
}
