package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds a ledger statement issued without a deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout applies DefaultQueryTimeout unless ctx already carries a
// deadline, in which case the caller's deadline wins.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
