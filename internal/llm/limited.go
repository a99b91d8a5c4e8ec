package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited paces calls to the wrapped generator with a token bucket.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewLimited allows rps calls per second with the given burst (min 1).
func NewLimited(next Generator, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate waits for a token, then calls the wrapped generator.
func (l *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return l.next.Generate(ctx, req)
}
