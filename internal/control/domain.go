// Package control resolves per-company control records: the GL accounts a
// subsidiary ledger posts into and whether GL integration is switched on.
package control

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates a missing control record, a configuration error.
	ErrNotFound = errors.New("control: record not found")
	// ErrCompanyNotFound indicates an unknown company.
	ErrCompanyNotFound = errors.New("control: company not found")
)

// Well-known control record keys.
const (
	KeyBank       = "BANK"
	KeyVATControl = "VAT_CTL"
	KeyDiscount   = "DISCOUNT"
	KeyICClearing = "IC_CLEARING"
)

// ControlKey names the control account of a subsidiary ledger, e.g. DRS_CTL.
func ControlKey(ledger string) string {
	return strings.ToUpper(ledger) + "_CTL"
}

// DefaultGLKey names the fallback income/expense account for a routine,
// e.g. DRS_INV_GL.
func DefaultGLKey(ledger, routine string) string {
	return strings.ToUpper(ledger) + "_" + strings.ToUpper(routine) + "_GL"
}

// Settings carries company-level posting switches.
type Settings struct {
	Company      int64  `json:"company"`
	Name         string `json:"name"`
	GLIntegrated bool   `json:"gl_integrated"`
}

// Record links a control key to a GL account.
type Record struct {
	Company int64  `json:"company"`
	Key     string `json:"key"`
	Account int64  `json:"account"`
}

// Lookup is the read side used by posting and capture.
type Lookup interface {
	Settings(ctx context.Context, company int64) (Settings, error)
	Account(ctx context.Context, company int64, key string) (int64, error)
}
