package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the ledger invariants. Each query returns offending rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_timestamps",
			SQL: `SELECT address, status FROM contracts
                  WHERE (status = 'pending'  AND (disputed_at IS NOT NULL OR resolved_at IS NOT NULL))
                     OR (status = 'disputed' AND (disputed_at IS NULL OR resolved_at IS NOT NULL))
                     OR (status = 'resolved' AND (disputed_at IS NULL OR resolved_at IS NULL OR resolved_at < disputed_at))`,
		},
		{
			Name: "O2_ruling_iff_resolved",
			SQL: `SELECT address, status, ruling FROM contracts
                  WHERE (status = 'resolved') <> (ruling IS NOT NULL)`,
		},
		{
			Name: "O3_fee_payer_is_party",
			SQL: `SELECT address, fee_paid_by FROM contracts
                  WHERE (status = 'pending' AND fee_paid_by IS NOT NULL)
                     OR (status <> 'pending' AND fee_paid_by IS DISTINCT FROM party_a AND fee_paid_by IS DISTINCT FROM party_b)`,
		},
		{
			Name: "O4_distinct_parties",
			SQL:  `SELECT address FROM contracts WHERE party_a = party_b`,
		},
		{
			Name: "O5_event_counts",
			SQL: `SELECT c.address, c.status,
                         COUNT(*) FILTER (WHERE e.type = 'CONTRACT_DEPLOYED') AS deployed,
                         COUNT(*) FILTER (WHERE e.type = 'DISPUTE_RAISED')    AS raised,
                         COUNT(*) FILTER (WHERE e.type = 'DISPUTE_RESOLVED')  AS resolved
                  FROM contracts c LEFT JOIN contract_events e ON e.contract_address = c.address
                  GROUP BY c.address, c.status
                  HAVING COUNT(*) FILTER (WHERE e.type = 'CONTRACT_DEPLOYED') <> 1
                      OR COUNT(*) FILTER (WHERE e.type = 'DISPUTE_RAISED') <> CASE WHEN c.status = 'pending' THEN 0 ELSE 1 END
                      OR COUNT(*) FILTER (WHERE e.type = 'DISPUTE_RESOLVED') <> CASE WHEN c.status = 'resolved' THEN 1 ELSE 0 END`,
		},
		{
			Name: "O6_event_order",
			SQL: `SELECT r.contract_address FROM contract_events r
                  JOIN contract_events d ON d.contract_address = r.contract_address
                  WHERE r.type = 'DISPUTE_RESOLVED' AND d.type = 'DISPUTE_RAISED' AND r.id < d.id`,
		},
		{
			Name: "O7_deployer_nonce",
			SQL: `SELECT party_a, COUNT(*) FROM contracts GROUP BY party_a
                  HAVING COUNT(*) <> (SELECT COUNT(*) FROM contract_events e
                                      WHERE e.type = 'CONTRACT_DEPLOYED' AND e.actor = contracts.party_a)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
