package migrations

import (
	"strings"
	"testing"
)

func TestAllContainsSchema(t *testing.T) {
	sql := All()
	for _, table := range []string{"users", "contracts", "contract_events"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected migrations to create %s", table)
		}
	}
}
