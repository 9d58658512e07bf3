package delivery

import (
	"context"
	"math/rand/v2"
	"time"

	"go.chromium.org/luci/common/retry"

	"unilog/internal/config"
)

// newBackoff returns a fresh retry iterator for one batch. It yields at most
// maxRetries delays before returning retry.Stop.
func newBackoff(cfg config.BackoffConfig, maxRetries int) retry.Iterator {
	return &jittered{
		Iterator: &retry.ExponentialBackoff{
			Limited: retry.Limited{
				Delay:   cfg.Initial,
				Retries: maxRetries,
			},
			MaxDelay:   cfg.Max,
			Multiplier: cfg.Multiplier,
		},
		fraction: cfg.Jitter,
	}
}

// jittered spreads each delay uniformly over [d*(1-fraction), d*(1+fraction)]
type jittered struct {
	retry.Iterator
	fraction float64
}

func (j *jittered) Next(ctx context.Context, err error) time.Duration {
	d := j.Iterator.Next(ctx, err)
	if d == retry.Stop || j.fraction <= 0 || d <= 0 {
		return d
	}
	f := j.fraction
	if f > 1 {
		f = 1
	}
	scale := 1 + f*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}
