package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiterdash/contract"
)

const detailColumns = `
	address, arbitrator, party_a, party_b, timeout, status::text,
	value_wei::text, hash_contract, arbitrator_extra_data, email, description,
	fee_paid_by, ruling, deployed_at, disputed_at, resolved_at
`

// Repository is the Postgres-backed contract index. It answers the same
// questions the on-chain client would, from rows kept in sync with the chain.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository wires a pgxpool-backed ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// FetchContractsForUser lists the contracts where account is either party,
// newest first.
func (r *Repository) FetchContractsForUser(ctx context.Context, account string) ([]contract.Record, error) {
	account, err := contract.NormalizeAddress(account)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch contracts: %w", err)
	}

	const query = `
		SELECT address, arbitrator, party_a, party_b, timeout, status::text
		FROM contracts
		WHERE party_a = $1 OR party_b = $1
		ORDER BY deployed_at DESC, address ASC
	`

	rows, err := r.pool.Query(ctx, query, account)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch contracts: %w", ErrTransport, err)
	}
	defer rows.Close()

	out := make([]contract.Record, 0, 8)
	for rows.Next() {
		var (
			rec    contract.Record
			status string
		)
		if err := rows.Scan(&rec.Address, &rec.Arbitrator, &rec.PartyA, &rec.PartyB, &rec.Timeout, &status); err != nil {
			return nil, fmt.Errorf("%w: scan contract: %w", ErrTransport, err)
		}
		if rec.Status, err = contract.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("ledger: scan contract %s: %w", rec.Address, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate contracts: %w", ErrTransport, err)
	}
	return out, nil
}

// GetContract loads the full detail of one contract.
func (r *Repository) GetContract(ctx context.Context, address string) (Detail, error) {
	address, err := contract.NormalizeAddress(address)
	if err != nil {
		return Detail{}, fmt.Errorf("ledger: get contract: %w", err)
	}

	query := `SELECT ` + detailColumns + ` FROM contracts WHERE address = $1`
	detail, err := scanDetail(r.pool.QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrNotFound
		}
		return Detail{}, fmt.Errorf("%w: get contract: %w", ErrTransport, err)
	}
	return detail, nil
}

// Deploy registers a new arbitrable transaction owned by params.PartyA. The
// contract address is derived from the deployer and its deployment count the
// same way the chain derives CREATE addresses.
func (r *Repository) Deploy(ctx context.Context, params DeployParams) (Detail, error) {
	params, err := normalizeDeploy(params)
	if err != nil {
		return Detail{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("%w: begin tx: %w", ErrTransport, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, params.PartyA); err != nil {
		return Detail{}, fmt.Errorf("%w: lock deployer: %w", ErrTransport, err)
	}

	var nonce int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE party_a = $1`, params.PartyA).Scan(&nonce); err != nil {
		return Detail{}, fmt.Errorf("%w: deployer nonce: %w", ErrTransport, err)
	}
	address := crypto.CreateAddress(common.HexToAddress(params.PartyA), uint64(nonce)).Hex()

	insertSQL := `
		INSERT INTO contracts (address, arbitrator, party_a, party_b, timeout, status, value_wei,
			hash_contract, arbitrator_extra_data, email, description, deployed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6::numeric, $7, $8, $9, $10, $11, $11)
		RETURNING ` + detailColumns

	detail, err := scanDetail(tx.QueryRow(ctx, insertSQL,
		address,
		params.Arbitrator,
		params.PartyA,
		params.PartyB,
		params.Timeout,
		params.Value.String(),
		params.HashContract,
		params.ArbitratorExtraData,
		params.Email,
		params.Description,
		r.now().UTC(),
	))
	if err != nil {
		return Detail{}, fmt.Errorf("%w: insert contract: %w", ErrTransport, err)
	}

	payload := map[string]any{
		"arbitrator": params.Arbitrator,
		"party_b":    params.PartyB,
		"timeout":    params.Timeout,
		"value_wei":  params.Value.String(),
	}
	if err := appendEvent(ctx, tx, address, "CONTRACT_DEPLOYED", params.PartyA, payload); err != nil {
		return Detail{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Detail{}, fmt.Errorf("%w: commit deploy: %w", ErrTransport, err)
	}
	return detail, nil
}

// RaiseDispute moves a pending contract to disputed on behalf of caller, who
// must be one of the parties and is recorded as having paid the fee.
func (r *Repository) RaiseDispute(ctx context.Context, address, caller string) (Detail, error) {
	address, err := contract.NormalizeAddress(address)
	if err != nil {
		return Detail{}, fmt.Errorf("ledger: raise dispute: %w", err)
	}
	caller, err = contract.NormalizeAddress(caller)
	if err != nil {
		return Detail{}, fmt.Errorf("ledger: raise dispute: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("%w: begin tx: %w", ErrTransport, err)
	}
	defer tx.Rollback(ctx)

	current, err := lockContract(ctx, tx, address)
	if err != nil {
		return Detail{}, err
	}
	if !current.IsParty(caller) {
		return Detail{}, fmt.Errorf("%w: %s", ErrNotParty, caller)
	}
	if current.Status != contract.StatusPending {
		return Detail{}, fmt.Errorf("%w: %s -> %s", ErrBadStatus, current.Status, contract.StatusDisputed)
	}

	updateSQL := `
		UPDATE contracts
		SET status = 'disputed', fee_paid_by = $2, disputed_at = $3, updated_at = $3
		WHERE address = $1
		RETURNING ` + detailColumns

	detail, err := scanDetail(tx.QueryRow(ctx, updateSQL, address, caller, r.now().UTC()))
	if err != nil {
		return Detail{}, fmt.Errorf("%w: update contract: %w", ErrTransport, err)
	}

	side := "party_a"
	if strings.EqualFold(caller, current.PartyB) {
		side = "party_b"
	}
	payload := map[string]any{
		"previous_status": string(current.Status),
		"next_status":     string(contract.StatusDisputed),
		"paid_by":         side,
	}
	if err := appendEvent(ctx, tx, address, "DISPUTE_RAISED", caller, payload); err != nil {
		return Detail{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Detail{}, fmt.Errorf("%w: commit dispute: %w", ErrTransport, err)
	}
	return detail, nil
}

// Resolve applies a ruling to a disputed contract. Only the arbitrator named
// on the contract may rule.
func (r *Repository) Resolve(ctx context.Context, address, arbitrator string, ruling Ruling) (Detail, error) {
	address, err := contract.NormalizeAddress(address)
	if err != nil {
		return Detail{}, fmt.Errorf("ledger: resolve: %w", err)
	}
	arbitrator, err = contract.NormalizeAddress(arbitrator)
	if err != nil {
		return Detail{}, fmt.Errorf("ledger: resolve: %w", err)
	}
	if !ruling.Valid() {
		return Detail{}, fmt.Errorf("%w: ruling %d", ErrInvalidParams, ruling)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("%w: begin tx: %w", ErrTransport, err)
	}
	defer tx.Rollback(ctx)

	current, err := lockContract(ctx, tx, address)
	if err != nil {
		return Detail{}, err
	}
	if current.Arbitrator != arbitrator {
		return Detail{}, fmt.Errorf("%w: %s", ErrNotArbitrator, arbitrator)
	}
	if current.Status != contract.StatusDisputed {
		return Detail{}, fmt.Errorf("%w: %s -> %s", ErrBadStatus, current.Status, contract.StatusResolved)
	}

	updateSQL := `
		UPDATE contracts
		SET status = 'resolved', ruling = $2, resolved_at = $3, updated_at = $3
		WHERE address = $1
		RETURNING ` + detailColumns

	detail, err := scanDetail(tx.QueryRow(ctx, updateSQL, address, int(ruling), r.now().UTC()))
	if err != nil {
		return Detail{}, fmt.Errorf("%w: update contract: %w", ErrTransport, err)
	}

	payload := map[string]any{
		"previous_status": string(current.Status),
		"next_status":     string(contract.StatusResolved),
		"ruling":          int(ruling),
	}
	if err := appendEvent(ctx, tx, address, "DISPUTE_RESOLVED", arbitrator, payload); err != nil {
		return Detail{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Detail{}, fmt.Errorf("%w: commit resolve: %w", ErrTransport, err)
	}
	return detail, nil
}

// ArbitratorSummary counts the contracts governed by arbitrator per status.
func (r *Repository) ArbitratorSummary(ctx context.Context, arbitrator string) (Summary, error) {
	arbitrator, err := contract.NormalizeAddress(arbitrator)
	if err != nil {
		return Summary{}, fmt.Errorf("ledger: arbitrator summary: %w", err)
	}

	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'disputed'),
			COUNT(*) FILTER (WHERE status = 'resolved')
		FROM contracts
		WHERE arbitrator = $1
	`

	summary := Summary{Arbitrator: arbitrator}
	if err := r.pool.QueryRow(ctx, query, arbitrator).Scan(&summary.Pending, &summary.Disputed, &summary.Resolved); err != nil {
		return Summary{}, fmt.Errorf("%w: arbitrator summary: %w", ErrTransport, err)
	}
	return summary, nil
}

func normalizeDeploy(params DeployParams) (DeployParams, error) {
	var err error
	if params.PartyA, err = contract.NormalizeAddress(params.PartyA); err != nil {
		return DeployParams{}, fmt.Errorf("%w: party a: %w", ErrInvalidParams, err)
	}
	if params.PartyB, err = contract.NormalizeAddress(params.PartyB); err != nil {
		return DeployParams{}, fmt.Errorf("%w: party b: %w", ErrInvalidParams, err)
	}
	if params.Arbitrator, err = contract.NormalizeAddress(params.Arbitrator); err != nil {
		return DeployParams{}, fmt.Errorf("%w: arbitrator: %w", ErrInvalidParams, err)
	}
	if params.PartyA == params.PartyB {
		return DeployParams{}, fmt.Errorf("%w: party b must differ from party a", ErrInvalidParams)
	}
	if params.Timeout < 0 {
		return DeployParams{}, fmt.Errorf("%w: negative timeout", ErrInvalidParams)
	}
	if params.Timeout == 0 {
		params.Timeout = DefaultTimeout
	}
	if params.Value == nil {
		params.Value = new(big.Int)
	}
	if params.Value.Sign() < 0 {
		return DeployParams{}, fmt.Errorf("%w: negative value", ErrInvalidParams)
	}
	return params, nil
}

func lockContract(ctx context.Context, tx pgx.Tx, address string) (contract.Record, error) {
	const query = `
		SELECT address, arbitrator, party_a, party_b, timeout, status::text
		FROM contracts
		WHERE address = $1
		FOR UPDATE
	`

	var (
		rec    contract.Record
		status string
	)
	if err := tx.QueryRow(ctx, query, address).Scan(&rec.Address, &rec.Arbitrator, &rec.PartyA, &rec.PartyB, &rec.Timeout, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Record{}, ErrNotFound
		}
		return contract.Record{}, fmt.Errorf("%w: lock contract: %w", ErrTransport, err)
	}
	var err error
	if rec.Status, err = contract.ParseStatus(status); err != nil {
		return contract.Record{}, fmt.Errorf("ledger: lock contract %s: %w", address, err)
	}
	return rec, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, address, eventType, actor string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal event payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO contract_events (contract_address, type, actor, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, address, eventType, actor, string(payloadBytes)); err != nil {
		return fmt.Errorf("%w: insert event: %w", ErrTransport, err)
	}
	return nil
}

func scanDetail(row pgx.Row) (Detail, error) {
	var (
		d      Detail
		status string
		value  string
		ruling *int
	)
	err := row.Scan(
		&d.Address,
		&d.Arbitrator,
		&d.PartyA,
		&d.PartyB,
		&d.Timeout,
		&status,
		&value,
		&d.HashContract,
		&d.ArbitratorExtraData,
		&d.Email,
		&d.Description,
		&d.FeePaidBy,
		&ruling,
		&d.DeployedAt,
		&d.DisputedAt,
		&d.ResolvedAt,
	)
	if err != nil {
		return Detail{}, err
	}

	if d.Status, err = contract.ParseStatus(status); err != nil {
		return Detail{}, err
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return Detail{}, fmt.Errorf("ledger: invalid stored value %q", value)
	}
	d.Value = v
	if ruling != nil {
		rv := Ruling(*ruling)
		d.Ruling = &rv
	}
	return d, nil
}
