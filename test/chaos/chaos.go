package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend of the current
// database so ledger calls surface transport failures mid-transaction.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid()
					AND backend_type = 'client backend'
					ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FlakyFetch wraps fetch so that roughly one call in n fails with err and
// the rest are delayed by up to jitter, reordering concurrent completions.
func FlakyFetch[T any](n int, jitter time.Duration, err error, fetch func(context.Context, string) (T, error)) func(context.Context, string) (T, error) {
	return func(ctx context.Context, account string) (T, error) {
		if jitter > 0 {
			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		if n > 0 && rand.Intn(n) == 0 {
			var zero T
			return zero, err
		}
		return fetch(ctx, account)
	}
}
