package health

import (
	"context"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// Pinger is anything with a cheap liveness round trip, such as the rate
// limit store's Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes p with a deadline, prefixing failures with name.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}
