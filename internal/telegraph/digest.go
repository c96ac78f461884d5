package telegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// StatusFunc returns the worker's current status for the digest.
type StatusFunc func() Status

// RunDigest publishes a status digest on the given cron schedule until ctx
// is cancelled. Returns immediately with an error if the expression does
// not parse.
func (t *Telegraph) RunDigest(ctx context.Context, expr string, status StatusFunc) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("telegraph: parse digest cron %q: %w", expr, err)
	}

	for {
		next := sched.Next(time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
			t.Publish(ctx, DigestEvent(status(), time.Now()))
		}
	}
}
