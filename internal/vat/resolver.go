package vat

import (
	"context"
	"fmt"
	"time"
)

// Repository loads every configured window for a tax code.
type Repository interface {
	RatesByCode(ctx context.Context, code string) ([]Rate, error)
}

// Resolver selects the rate in force for a code on a date.
type Resolver struct {
	repo Repository
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Rate returns the rate whose window covers asOf. When windows overlap the one
// with the latest EffectiveFrom wins.
func (r *Resolver) Rate(ctx context.Context, code string, asOf time.Time) (Rate, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Rate{}, ErrRateNotFound
	}
	rates, err := r.repo.RatesByCode(ctx, code)
	if err != nil {
		return Rate{}, fmt.Errorf("vat: load %s: %w", code, err)
	}
	var (
		best  Rate
		found bool
	)
	for _, rate := range rates {
		if !rate.Covers(asOf) {
			continue
		}
		if !found || rate.EffectiveFrom.After(best.EffectiveFrom) {
			best = rate
			found = true
		}
	}
	if !found {
		return Rate{}, fmt.Errorf("%w: %s at %s", ErrRateNotFound, code, asOf.Format(time.DateOnly))
	}
	if !validPercent(best.Percent) {
		return Rate{}, fmt.Errorf("%w: %s=%s", ErrInvalidRate, code, best.Percent)
	}
	return best, nil
}
