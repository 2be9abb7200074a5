// Package ageing allocates a payment or credit against the open items of an
// account, automatically oldest-first or by operator picks.
package ageing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
)

var (
	// ErrUnknownPolicy indicates an unsupported policy name.
	ErrUnknownPolicy = errors.New("ageing: unknown policy")
	// ErrNoPicks indicates picking under a policy that does not take picks.
	ErrNoPicks = errors.New("ageing: policy does not accept picks")
	// ErrItemNotFound indicates a pick against an item not offered.
	ErrItemNotFound = errors.New("ageing: item not available")
	// ErrReadOnly indicates a pick against a settled item shown for reference.
	ErrReadOnly = errors.New("ageing: item is settled")
	// ErrExceedsRemaining indicates a pick larger than the item's remaining balance.
	ErrExceedsRemaining = errors.New("ageing: amount exceeds item balance")
	// ErrExceedsUnallocated indicates picks totalling more than the unallocated amount.
	ErrExceedsUnallocated = errors.New("ageing: amount exceeds unallocated balance")
	// ErrNegativeAmount indicates a negative pick.
	ErrNegativeAmount = errors.New("ageing: amount must not be negative")
	// ErrSessionClosed indicates use after Apply or Cancel.
	ErrSessionClosed = errors.New("ageing: session closed")
)

// Policy selects how the unallocated amount is consumed.
type Policy int

const (
	// Current leaves the amount unallocated as a new open item.
	Current Policy = iota
	// Automatic allocates oldest-first.
	Automatic
	// Normal lets the operator pick amounts per open item.
	Normal
	// History is Normal plus settled items shown read-only.
	History
)

func (p Policy) String() string {
	switch p {
	case Current:
		return "current"
	case Automatic:
		return "automatic"
	case Normal:
		return "normal"
	case History:
		return "history"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current":
		return Current, nil
	case "automatic", "auto":
		return Automatic, nil
	case "normal":
		return Normal, nil
	case "history":
		return History, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Line is one item offered for allocation.
type Line struct {
	Item     ledger.Item
	Picked   decimal.Decimal
	ReadOnly bool
}

// Balance is the item's remaining balance after the current pick.
func (l Line) Balance() decimal.Decimal {
	return money.Sub(l.Item.Remaining(), l.Picked)
}

// Session holds the picks of one allocation run. Nothing is written until Apply.
type Session struct {
	policy   Policy
	source   ledger.Item
	original decimal.Decimal
	lines    []Line
	index    map[int64]int
	closed   bool
}

// Start loads the items of the source's account that can settle it: rows of
// the opposite sign, ordered by date then sequence. Automatic picks are made
// immediately.
func Start(ctx context.Context, tx ledger.Tx, source ledger.Transaction, policy Policy) (*Session, error) {
	if policy < Current || policy > History {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, policy)
	}
	src, err := tx.GetItem(ctx, source.Company, source.Ledger, source.Seq)
	if err != nil {
		return nil, err
	}
	s := &Session{
		policy:   policy,
		source:   src,
		original: src.Remaining(),
		index:    map[int64]int{},
	}
	if policy == Current {
		return s, nil
	}
	items, err := tx.OpenItems(ctx, source.Company, source.Ledger, source.Account, policy == History)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Seq == src.Seq || it.Amount.IsZero() || it.Amount.Sign() == src.Amount.Sign() {
			continue
		}
		settled := !it.Remaining().IsPositive()
		if settled && policy != History {
			continue
		}
		s.index[it.Seq] = len(s.lines)
		s.lines = append(s.lines, Line{Item: it, Picked: decimal.Zero, ReadOnly: settled})
	}
	if policy == Automatic {
		s.allocateOldestFirst()
	}
	return s, nil
}

func (s *Session) allocateOldestFirst() {
	left := s.original
	for i := range s.lines {
		if !left.IsPositive() {
			break
		}
		l := &s.lines[i]
		if l.ReadOnly {
			continue
		}
		a := money.Min(left, l.Item.Remaining())
		if !a.IsPositive() {
			continue
		}
		l.Picked = a
		left = money.Sub(left, a)
	}
}

// Policy returns the session policy.
func (s *Session) Policy() Policy { return s.policy }

// Source returns the item being allocated.
func (s *Session) Source() ledger.Item { return s.source }

// Original is the unallocated magnitude when the session started.
func (s *Session) Original() decimal.Decimal { return s.original }

// Lines returns a copy of the offered items in allocation order.
func (s *Session) Lines() []Line {
	return append([]Line(nil), s.lines...)
}

// Allocated is the total of all picks.
func (s *Session) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.lines {
		total = money.Add(total, l.Picked)
	}
	return total
}

// Unallocated is the running balance still to allocate.
func (s *Session) Unallocated() decimal.Decimal {
	return money.Sub(s.original, s.Allocated())
}

// Pick sets the amount allocated to item seq, replacing any earlier pick.
// A zero amount removes the pick. It returns the new unallocated balance.
func (s *Session) Pick(seq int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Zero, ErrSessionClosed
	}
	if s.policy != Normal && s.policy != History {
		return s.Unallocated(), fmt.Errorf("%w: %s", ErrNoPicks, s.policy)
	}
	i, ok := s.index[seq]
	if !ok {
		return s.Unallocated(), fmt.Errorf("%w: %d", ErrItemNotFound, seq)
	}
	l := &s.lines[i]
	if l.ReadOnly {
		return s.Unallocated(), fmt.Errorf("%w: %s", ErrReadOnly, l.Item.Reference)
	}
	amount = money.Round(amount)
	if amount.IsNegative() {
		return s.Unallocated(), ErrNegativeAmount
	}
	if amount.GreaterThan(l.Item.Remaining()) {
		return s.Unallocated(), fmt.Errorf("%w: %s > %s", ErrExceedsRemaining, money.Format(amount), money.Format(l.Item.Remaining()))
	}
	others := money.Sub(s.Allocated(), l.Picked)
	if money.Add(others, amount).GreaterThan(s.original) {
		return s.Unallocated(), fmt.Errorf("%w: %s available", ErrExceedsUnallocated, money.Format(money.Sub(s.original, others)))
	}
	l.Picked = amount
	return s.Unallocated(), nil
}

// Cancel discards every pick and restores the unallocated balance.
func (s *Session) Cancel() {
	for i := range s.lines {
		s.lines[i].Picked = decimal.Zero
	}
	s.closed = true
}

// ApplyOptions carries the context of the allocation rows.
type ApplyOptions struct {
	Date       time.Time
	CapturedBy string
	// ControlAccount receives the GL pair of each allocation. Zero skips GL rows.
	ControlAccount int64
	Batch          string
}

// Result summarises an applied session.
type Result struct {
	Allocations []ledger.Allocation
	GL          []ledger.GLEntry
	Unallocated decimal.Decimal
}

// Apply writes one allocation per pick, the GL pair on the control account,
// and the new allocation status of every touched row.
func (s *Session) Apply(ctx context.Context, tx ledger.Tx, opts ApplyOptions) (Result, error) {
	if s.closed {
		return Result{}, ErrSessionClosed
	}
	res := Result{Unallocated: s.Unallocated()}
	curdt := periods.CurdtOf(opts.Date)
	src := s.source
	for _, l := range s.lines {
		if !l.Picked.IsPositive() {
			continue
		}
		alloc := ledger.Allocation{
			Company:    src.Company,
			Ledger:     src.Ledger,
			Account:    src.Account,
			SourceSeq:  src.Seq,
			TargetSeq:  l.Item.Seq,
			Amount:     l.Picked,
			Date:       opts.Date,
			Curdt:      curdt,
			CapturedBy: opts.CapturedBy,
		}
		if err := tx.InsertAllocation(ctx, alloc); err != nil {
			return Result{}, fmt.Errorf("ageing: insert allocation: %w", err)
		}
		res.Allocations = append(res.Allocations, alloc)
		if err := tx.SetAllocStatus(ctx, src.Company, src.Ledger, l.Item.Seq, statusFor(l.Balance(), l.Item.Amount.Abs())); err != nil {
			return Result{}, err
		}
		if opts.ControlAccount != 0 {
			// the item side is cleared, the source side takes the same amount back
			itemSide := l.Picked
			if l.Item.Amount.IsPositive() {
				itemSide = itemSide.Neg()
			}
			row := func(ref string, amt decimal.Decimal) ledger.GLEntry {
				return ledger.GLEntry{
					Company:   src.Company,
					Account:   opts.ControlAccount,
					Curdt:     curdt,
					Date:      opts.Date,
					Movement:  string(src.Ledger) + "-ALC",
					Reference: ref,
					Batch:     opts.Batch,
					Amount:    amt,
					Tax:       decimal.Zero,
					Detail:    "allocation " + src.Reference + " to " + l.Item.Reference,
				}
			}
			res.GL = append(res.GL, row(l.Item.Reference, itemSide), row(src.Reference, itemSide.Neg()))
		}
	}
	if err := tx.InsertGLEntries(ctx, res.GL); err != nil {
		return Result{}, fmt.Errorf("ageing: gl entries: %w", err)
	}
	if len(res.Allocations) > 0 {
		if err := tx.SetAllocStatus(ctx, src.Company, src.Ledger, src.Seq, statusFor(res.Unallocated, src.Amount.Abs())); err != nil {
			return Result{}, err
		}
	}
	s.closed = true
	return res, nil
}

func statusFor(balance, magnitude decimal.Decimal) ledger.AllocStatus {
	switch {
	case !balance.IsPositive():
		return ledger.AllocSettled
	case balance.LessThan(magnitude):
		return ledger.AllocPartial
	default:
		return ledger.AllocOpen
	}
}
