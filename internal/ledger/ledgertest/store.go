// Package ledgertest provides in-memory implementations of the ledger store
// and its configuration collaborators for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
)

type accountKey struct {
	company int64
	ledger  ledger.Ledger
	code    string
}

type state struct {
	batches  map[ledger.BatchKey]ledger.Batch
	accounts map[accountKey]ledger.Account
	txns     []ledger.Transaction
	gl       []ledger.GLEntry
	vat      []ledger.VATEntry
	allocs   []ledger.Allocation
}

func newState() *state {
	return &state{
		batches:  map[ledger.BatchKey]ledger.Batch{},
		accounts: map[accountKey]ledger.Account{},
	}
}

func (s *state) clone() *state {
	c := &state{
		batches:  make(map[ledger.BatchKey]ledger.Batch, len(s.batches)),
		accounts: make(map[accountKey]ledger.Account, len(s.accounts)),
		txns:     append([]ledger.Transaction(nil), s.txns...),
		gl:       append([]ledger.GLEntry(nil), s.gl...),
		vat:      append([]ledger.VATEntry(nil), s.vat...),
		allocs:   append([]ledger.Allocation(nil), s.allocs...),
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	return c
}

// Store is an in-memory ledger.Store. Each transaction works on a private
// copy of the committed state and logs its writes; Commit replays the log
// onto the state committed by then, so concurrent transactions merge the way
// row-level writes do in the database.
type Store struct {
	mu     sync.Mutex
	st     *state
	seq    int64
	begins int
}

func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// AddAccount registers a subledger account.
func (s *Store) AddAccount(a ledger.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[accountKey{a.Company, a.Ledger, a.Code}] = a
}

// AddTransaction commits a pre-existing subledger row (an opening open item).
func (s *Store) AddTransaction(t ledger.Transaction) ledger.Transaction {
	t.Seq = s.nextSeq()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AllocStatus == "" {
		t.AllocStatus = ledger.AllocOpen
	}
	s.st.txns = append(s.st.txns, t)
	return t
}

// Begins reports how many transactions were started.
func (s *Store) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

// Snapshot is a copy of the committed rows.
type Snapshot struct {
	Batches      map[ledger.BatchKey]ledger.Batch
	Transactions []ledger.Transaction
	GL           []ledger.GLEntry
	VAT          []ledger.VATEntry
	Allocations  []ledger.Allocation
}

// Snapshot returns the committed rows.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.st.clone()
	return Snapshot{Batches: c.batches, Transactions: c.txns, GL: c.gl, VAT: c.vat, Allocations: c.allocs}
}

// Renumbered returns a copy with transaction seqs reassigned densely in
// posting order. Rolled-back inserts leave gaps in the sequence, as they do in
// Postgres; comparing renumbered snapshots ignores those gaps.
func (s Snapshot) Renumbered() Snapshot {
	seqs := make(map[int64]int64, len(s.Transactions))
	out := s
	out.Transactions = make([]ledger.Transaction, len(s.Transactions))
	for i, t := range s.Transactions {
		seqs[t.Seq] = int64(i + 1)
		t.Seq = int64(i + 1)
		out.Transactions[i] = t
	}
	out.Allocations = make([]ledger.Allocation, len(s.Allocations))
	for i, a := range s.Allocations {
		a.SourceSeq, a.TargetSeq = seqs[a.SourceSeq], seqs[a.TargetSeq]
		out.Allocations[i] = a
	}
	return out
}

// Item returns the committed item seq with its allocated total.
func (s *Store) Item(seq int64) (ledger.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.st.txns {
		if t.Seq == seq {
			return ledger.Item{Transaction: t, Allocated: s.st.allocated(seq)}, true
		}
	}
	return ledger.Item{}, false
}

// Begin implements ledger.Store.
func (s *Store) Begin(context.Context) (ledger.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	return &Tx{store: s, st: s.st.clone()}, nil
}

// Tx is an in-memory ledger.Tx.
type Tx struct {
	store *Store
	st    *state
	log   []func(*state) error
	done  bool
}

// write applies op to the private state and logs it for Commit.
func (t *Tx) write(op func(*state) error) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := op(t.st); err != nil {
		return err
	}
	t.log = append(t.log, op)
	return nil
}

func (t *Tx) check() error {
	if t.done {
		return ledger.ErrTxDone
	}
	return nil
}

func (t *Tx) Commit(context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	next := t.store.st.clone()
	for _, op := range t.log {
		if err := op(next); err != nil {
			return err
		}
	}
	t.store.st = next
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.done = true
	return nil
}

// GetBatch falls back to the committed state for batches this transaction
// has not written, as a read-committed read would.
func (t *Tx) GetBatch(_ context.Context, key ledger.BatchKey) (ledger.Batch, error) {
	if err := t.check(); err != nil {
		return ledger.Batch{}, err
	}
	if b, ok := t.st.batches[key]; ok {
		return b, nil
	}
	t.store.mu.Lock()
	b, ok := t.store.st.batches[key]
	t.store.mu.Unlock()
	if !ok {
		return ledger.Batch{}, ledger.ErrBatchNotFound
	}
	return b, nil
}

func (t *Tx) LockBatch(ctx context.Context, key ledger.BatchKey) (ledger.Batch, error) {
	return t.GetBatch(ctx, key)
}

func addToBatch(s *state, b ledger.Batch, quantity int, value decimal.Decimal) (ledger.Batch, error) {
	stored, ok := s.batches[b.Key]
	if !ok {
		stored = b
		stored.Quantity = 0
		stored.Value = decimal.Zero
		stored.Closed = false
	}
	if stored.Closed {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrBatchClosed, b.Key)
	}
	stored.Quantity += quantity
	stored.Value = money.Add(stored.Value, value)
	s.batches[b.Key] = stored
	return stored, nil
}

// AddToBatch sees a batch closed after this transaction began, like the
// database update would.
func (t *Tx) AddToBatch(ctx context.Context, b ledger.Batch, quantity int, value decimal.Decimal) (ledger.Batch, error) {
	if current, err := t.GetBatch(ctx, b.Key); err == nil {
		t.st.batches[b.Key] = current
	}
	t.store.mu.Lock()
	committed, ok := t.store.st.batches[b.Key]
	t.store.mu.Unlock()
	if ok && committed.Closed {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrBatchClosed, b.Key)
	}
	var stored ledger.Batch
	err := t.write(func(s *state) error {
		var err error
		stored, err = addToBatch(s, b, quantity, value)
		return err
	})
	return stored, err
}

func (t *Tx) SaveBatch(_ context.Context, b ledger.Batch) error {
	return t.write(func(s *state) error {
		if _, ok := s.batches[b.Key]; !ok {
			return ledger.ErrBatchNotFound
		}
		s.batches[b.Key] = b
		return nil
	})
}

func (t *Tx) ListOpenBatches(context.Context) ([]ledger.BatchKey, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var keys []ledger.BatchKey
	for k, b := range t.st.batches {
		if !b.Closed {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (t *Tx) BatchActivity(_ context.Context, key ledger.BatchKey) (ledger.Activity, error) {
	if err := t.check(); err != nil {
		return ledger.Activity{}, err
	}
	act := ledger.Activity{Value: decimal.Zero, GLBalance: map[int64]decimal.Decimal{}}
	for _, tr := range t.st.txns {
		if tr.Batch == key {
			act.Count++
			act.Value = money.Add(act.Value, tr.Amount)
		}
	}
	ref := key.String()
	for _, e := range t.st.gl {
		if e.Batch == ref {
			act.GLBalance[e.Company] = money.Add(act.GLBalance[e.Company], e.Amount)
		}
	}
	return act, nil
}

func (t *Tx) GetAccount(_ context.Context, company int64, l ledger.Ledger, code string) (ledger.Account, error) {
	if err := t.check(); err != nil {
		return ledger.Account{}, err
	}
	a, ok := t.st.accounts[accountKey{company, l, code}]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (t *Tx) ReferenceExists(_ context.Context, company int64, l ledger.Ledger, r ledger.Routine, ref string) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	for _, tr := range t.st.txns {
		if tr.Company == company && tr.Ledger == l && tr.Routine == r && tr.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tx) NextReferenceNumber(_ context.Context, company int64, l ledger.Ledger, r ledger.Routine) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, tr := range t.st.txns {
		if tr.Company == company && tr.Ledger == l && tr.Routine == r {
			n++
		}
	}
	return n + 1, nil
}

func hasReference(s *state, tr ledger.Transaction) bool {
	for _, existing := range s.txns {
		if existing.Company == tr.Company && existing.Ledger == tr.Ledger && existing.Routine == tr.Routine && existing.Reference == tr.Reference {
			return true
		}
	}
	return false
}

func (t *Tx) InsertTransaction(_ context.Context, tr ledger.Transaction) (ledger.Transaction, error) {
	if err := t.check(); err != nil {
		return ledger.Transaction{}, err
	}
	if hasReference(t.st, tr) {
		return ledger.Transaction{}, ledger.ErrDuplicateReference
	}
	tr.Seq = t.store.nextSeq()
	err := t.write(func(s *state) error {
		if hasReference(s, tr) {
			return ledger.ErrDuplicateReference
		}
		s.txns = append(s.txns, tr)
		return nil
	})
	return tr, err
}

func (t *Tx) InsertGLEntries(_ context.Context, entries []ledger.GLEntry) error {
	rows := append([]ledger.GLEntry(nil), entries...)
	return t.write(func(s *state) error {
		s.gl = append(s.gl, rows...)
		return nil
	})
}

func (t *Tx) InsertVATEntry(_ context.Context, e ledger.VATEntry) error {
	return t.write(func(s *state) error {
		s.vat = append(s.vat, e)
		return nil
	})
}

func (s *state) allocated(seq int64) decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.allocs {
		if a.SourceSeq == seq || a.TargetSeq == seq {
			total = money.Add(total, a.Amount)
		}
	}
	return total
}

func (t *Tx) OpenItems(_ context.Context, company int64, l ledger.Ledger, account string, includeSettled bool) ([]ledger.Item, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var items []ledger.Item
	for _, tr := range t.st.txns {
		if tr.Company != company || tr.Ledger != l || tr.Account != account {
			continue
		}
		if !includeSettled && tr.AllocStatus == ledger.AllocSettled {
			continue
		}
		items = append(items, ledger.Item{Transaction: tr, Allocated: t.st.allocated(tr.Seq)})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Date.Equal(items[j].Date) {
			return items[i].Date.Before(items[j].Date)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (t *Tx) GetItem(_ context.Context, company int64, l ledger.Ledger, seq int64) (ledger.Item, error) {
	if err := t.check(); err != nil {
		return ledger.Item{}, err
	}
	for _, tr := range t.st.txns {
		if tr.Company == company && tr.Ledger == l && tr.Seq == seq {
			return ledger.Item{Transaction: tr, Allocated: t.st.allocated(seq)}, nil
		}
	}
	return ledger.Item{}, ledger.ErrTransactionNotFound
}

func (t *Tx) InsertAllocation(_ context.Context, a ledger.Allocation) error {
	return t.write(func(s *state) error {
		s.allocs = append(s.allocs, a)
		return nil
	})
}

func (t *Tx) SetAllocStatus(_ context.Context, company int64, l ledger.Ledger, seq int64, status ledger.AllocStatus) error {
	return t.write(func(s *state) error {
		for i := range s.txns {
			tr := &s.txns[i]
			if tr.Company == company && tr.Ledger == l && tr.Seq == seq {
				tr.AllocStatus = status
				return nil
			}
		}
		return ledger.ErrTransactionNotFound
	})
}
