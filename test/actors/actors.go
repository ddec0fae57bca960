package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiterdash/contract"
	"arbiterdash/contractsync"
	"arbiterdash/ledger"
)

// transient reports failures the chaos actors are expected to cause.
func transient(err error) bool {
	return errors.Is(err, ledger.ErrTransport) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Deployer keeps deploying contracts from partyA to a random counterparty.
func Deployer(ctx context.Context, client ledger.Client, partyA string, counterparties []string, arbitrator string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		partyB := counterparties[rand.Intn(len(counterparties))]
		if partyB == partyA {
			continue
		}
		_, err := client.Deploy(ctx, ledger.DeployParams{
			PartyA:      partyA,
			PartyB:      partyB,
			Arbitrator:  arbitrator,
			Value:       big.NewInt(rand.Int63n(1_000_000) + 1),
			Description: "stress",
		})
		if err != nil && !transient(err) {
			return fmt.Errorf("deployer %s: %w", partyA, err)
		}
		pause(10, 30)
	}
	return nil
}

// Disputer raises disputes on pending contracts where caller is a party.
// Losing a race to the other party shows up as ErrBadStatus and is expected.
func Disputer(ctx context.Context, client ledger.Client, caller string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		records, err := client.FetchContractsForUser(ctx, caller)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("disputer list %s: %w", caller, err)
		}

		pending := make([]contract.Record, 0, len(records))
		for _, rec := range records {
			if rec.Status == contract.StatusPending {
				pending = append(pending, rec)
			}
		}
		if len(pending) > 0 {
			target := pending[rand.Intn(len(pending))]
			_, err := client.RaiseDispute(ctx, target.Address, caller)
			if err != nil && !transient(err) && !errors.Is(err, ledger.ErrBadStatus) {
				return fmt.Errorf("disputer %s on %s: %w", caller, target.Address, err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Resolver rules as arbitrator on a random disputed contract.
func Resolver(ctx context.Context, client ledger.Client, pool *pgxpool.Pool, arbitrator string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var address string
		err := pool.QueryRow(ctx, `SELECT address FROM contracts WHERE status = 'disputed' ORDER BY random() LIMIT 1`).Scan(&address)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			// chaos may have killed this backend
		default:
			_, err := client.Resolve(ctx, address, arbitrator, ledger.Ruling(rand.Intn(3)))
			if err != nil && !transient(err) && !errors.Is(err, ledger.ErrBadStatus) {
				return fmt.Errorf("resolver on %s: %w", address, err)
			}
		}
		pause(30, 50)
	}
	return nil
}

// Refresher drives refreshes for account through the hub and checks the
// store snapshot after each one.
func Refresher(ctx context.Context, hub *contractsync.Hub, account string, stop <-chan struct{}) error {
	sess := hub.Session(account)
	for !stopped(ctx, stop) {
		_ = hub.Refresh(account)
		if err := CheckState(sess.Store.GetState(), account); err != nil {
			return err
		}
		pause(5, 25)
	}
	return nil
}

// CheckState verifies a store snapshot is internally consistent for account.
func CheckState(state contractsync.FetchState, account string) error {
	switch state.Phase {
	case contractsync.PhaseSuccess:
		if state.Err != nil {
			return fmt.Errorf("%s: success snapshot carries error %v", account, state.Err)
		}
		for _, rec := range state.Records {
			if !rec.IsParty(account) {
				return fmt.Errorf("%s: foreign contract %s in list", account, rec.Address)
			}
		}
	case contractsync.PhaseFailure:
		if state.Err == nil || state.Records != nil {
			return fmt.Errorf("%s: failure snapshot inconsistent: %+v", account, state)
		}
	default:
		if state.Err != nil || state.Records != nil {
			return fmt.Errorf("%s: %s snapshot exposes data: %+v", account, state.Phase, state)
		}
	}
	return nil
}
