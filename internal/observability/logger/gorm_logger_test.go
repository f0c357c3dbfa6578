package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT id FROM payments":                                         "SELECT",
		"  insert into payment_allocations (id) values (1)":               "INSERT",
		"WITH x AS (SELECT 1) UPDATE payments SET notes=''":               "SELECT",
		"DELETE FROM payment_allocations WHERE id = 1":                    "DELETE",
		"SELECT * FROM sessions WHERE id IN (1,2) ORDER BY id FOR UPDATE": "LOCK",
		"":                         "UNKNOWN",
		"PRAGMA foreign_keys = ON": "UNKNOWN",
	}
	for sql, want := range cases {
		assert.Equal(t, want, operationFromSQL(sql), sql)
	}
}

func TestTableFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "payments" WHERE id = 1`:             "payments",
		"insert into imported_transactions (id) values (1)": "imported_transactions",
		"UPDATE import_batches SET status = 'COMPLETED'":    "import_batches",
		"SELECT COALESCE(SUM(amount), 0) FROM (SELECT 1)":   "",
		"PRAGMA foreign_keys = ON":                          "",
	}
	for sql, want := range cases {
		assert.Equal(t, want, tableFromSQL(sql), sql)
	}
}
