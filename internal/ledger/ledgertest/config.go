package ledgertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/vat"
)

// Controls is a map-backed control.Lookup.
type Controls struct {
	mu       sync.Mutex
	settings map[int64]control.Settings
	accounts map[int64]map[string]int64
}

// NewControls returns an empty Controls.
func NewControls() *Controls {
	return &Controls{settings: map[int64]control.Settings{}, accounts: map[int64]map[string]int64{}}
}

// SetCompany registers company settings.
func (c *Controls) SetCompany(s control.Settings) *Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings[s.Company] = s
	return c
}

// SetAccount configures key for company.
func (c *Controls) SetAccount(company int64, key string, account int64) *Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accounts[company] == nil {
		c.accounts[company] = map[string]int64{}
	}
	c.accounts[company][strings.ToUpper(key)] = account
	return c
}

// Remove deletes key for company.
func (c *Controls) Remove(company int64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts[company], strings.ToUpper(key))
}

func (c *Controls) Settings(_ context.Context, company int64) (control.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.settings[company]
	if !ok {
		return control.Settings{}, fmt.Errorf("%w: %d", control.ErrCompanyNotFound, company)
	}
	return s, nil
}

func (c *Controls) Account(_ context.Context, company int64, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.accounts[company][strings.ToUpper(key)]
	if !ok || acc == 0 {
		return 0, fmt.Errorf("%w: company %d key %s", control.ErrNotFound, company, strings.ToUpper(key))
	}
	return acc, nil
}

// Periods is a map-backed periods.Repository.
type Periods map[int64]periods.Period

func (p Periods) Active(_ context.Context, company int64) (periods.Period, error) {
	period, ok := p[company]
	if !ok {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return period, nil
}

// Rates is a slice-backed vat.Repository.
type Rates []vat.Rate

func (r Rates) RatesByCode(_ context.Context, code string) ([]vat.Rate, error) {
	var out []vat.Rate
	for _, rate := range r {
		if rate.Code == code {
			out = append(out, rate)
		}
	}
	return out, nil
}
