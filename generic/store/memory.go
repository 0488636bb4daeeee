// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/labops-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state in maps guarded by mu. Each Tx buffers its
// writes and applies them under one write lock on commit, so readers never
// see half a unit. Aggregate locks give one writer per aggregate; unrelated
// aggregates proceed in parallel.
type Memory struct {
	mu            sync.RWMutex
	quotations    map[generic.QuotationID]generic.Quotation
	approvals     map[generic.QuotationID][]generic.ApprovalRecord
	consumables   map[generic.ConsumableID]generic.Consumable
	consumableTxs map[generic.ConsumableID][]generic.ConsumableTransaction
	receivables   map[generic.ReceivableID]generic.Receivable
	payments      map[generic.PaymentID]generic.Payment
	audit         []generic.AuditEntry
	sequences     map[seqKey]int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

type seqKey struct {
	Prefix string
	Day    string
}

func NewMemory() *Memory {
	return &Memory{
		quotations:    make(map[generic.QuotationID]generic.Quotation),
		approvals:     make(map[generic.QuotationID][]generic.ApprovalRecord),
		consumables:   make(map[generic.ConsumableID]generic.Consumable),
		consumableTxs: make(map[generic.ConsumableID][]generic.ConsumableTransaction),
		receivables:   make(map[generic.ReceivableID]generic.Receivable),
		payments:      make(map[generic.PaymentID]generic.Payment),
		sequences:     make(map[seqKey]int64),
		locks:         make(map[string]chan struct{}),
	}
}

// Reset drops all committed data. Locks held by in-flight units are kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotations = make(map[generic.QuotationID]generic.Quotation)
	m.approvals = make(map[generic.QuotationID][]generic.ApprovalRecord)
	m.consumables = make(map[generic.ConsumableID]generic.Consumable)
	m.consumableTxs = make(map[generic.ConsumableID][]generic.ConsumableTransaction)
	m.receivables = make(map[generic.ReceivableID]generic.Receivable)
	m.payments = make(map[generic.PaymentID]generic.Payment)
	m.audit = nil
	m.sequences = make(map[seqKey]int64)
	return nil
}

// WithTx executes fn within a transaction.
// Writes are staged on the Tx and applied only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &generic.StorageError{Op: "begin", Err: err}
	}
	tx := newMemTx(m)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	// A caller that gave up mid-unit must not get a commit.
	if err := ctx.Err(); err != nil {
		return &generic.StorageError{Op: "commit", Err: err}
	}
	tx.commit()
	return nil
}

// acquire takes the lock for key, waiting until it is free or ctx ends.
func (m *Memory) acquire(ctx context.Context, key string) error {
	m.locksMu.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &generic.StorageError{Op: "lock " + key, Err: ctx.Err()}
	}
}

func (m *Memory) releaseKey(key string) {
	m.locksMu.Lock()
	ch := m.locks[key]
	m.locksMu.Unlock()
	<-ch
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memTx struct {
	m    *Memory
	held map[string]bool

	quotations    map[generic.QuotationID]*generic.Quotation // nil = deleted
	approvals     []generic.ApprovalRecord
	consumables   map[generic.ConsumableID]generic.Consumable
	consumableTxs []generic.ConsumableTransaction
	receivables   map[generic.ReceivableID]generic.Receivable
	payments      map[generic.PaymentID]*generic.Payment // nil = deleted
	audit         []generic.AuditEntry
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:           m,
		held:        make(map[string]bool),
		quotations:  make(map[generic.QuotationID]*generic.Quotation),
		consumables: make(map[generic.ConsumableID]generic.Consumable),
		receivables: make(map[generic.ReceivableID]generic.Receivable),
		payments:    make(map[generic.PaymentID]*generic.Payment),
	}
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.m.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	return nil
}

func (tx *memTx) release() {
	for key := range tx.held {
		tx.m.releaseKey(key)
	}
	tx.held = nil
}

func (tx *memTx) commit() {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, q := range tx.quotations {
		if q == nil {
			delete(m.quotations, id)
			continue
		}
		m.quotations[id] = *q
	}
	for _, r := range tx.approvals {
		m.approvals[r.QuotationID] = append(m.approvals[r.QuotationID], r)
	}
	for id, c := range tx.consumables {
		m.consumables[id] = c
	}
	for _, t := range tx.consumableTxs {
		m.consumableTxs[t.ConsumableID] = append(m.consumableTxs[t.ConsumableID], t)
	}
	for id, r := range tx.receivables {
		m.receivables[id] = r
	}
	for id, p := range tx.payments {
		if p == nil {
			delete(m.payments, id)
			continue
		}
		m.payments[id] = *p
	}
	m.audit = append(m.audit, tx.audit...)
}

// =============================================================================
// QUOTATIONS
// =============================================================================

func (tx *memTx) quotation(id generic.QuotationID) (generic.Quotation, bool) {
	if q, ok := tx.quotations[id]; ok {
		if q == nil {
			return generic.Quotation{}, false
		}
		return cloneQuotation(*q), true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	q, ok := tx.m.quotations[id]
	return cloneQuotation(q), ok
}

func (tx *memTx) LockQuotation(ctx context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	if err := tx.lock(ctx, "quotation:"+string(id)); err != nil {
		return nil, err
	}
	q, ok := tx.quotation(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	return &q, nil
}

func (tx *memTx) GetQuotation(_ context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	q, ok := tx.quotation(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	return &q, nil
}

func (tx *memTx) InsertQuotation(_ context.Context, q *generic.Quotation) error {
	if _, ok := tx.quotation(q.ID); ok {
		return duplicate("quotation", string(q.ID))
	}
	q.Version = 1
	c := cloneQuotation(*q)
	tx.quotations[q.ID] = &c
	return nil
}

func (tx *memTx) UpdateQuotation(_ context.Context, q *generic.Quotation) error {
	current, ok := tx.quotation(q.ID)
	if !ok {
		return &generic.NotFoundError{Kind: "quotation", ID: string(q.ID)}
	}
	if current.Version != q.Version {
		return generic.ErrConcurrentModification
	}
	q.Version++
	c := cloneQuotation(*q)
	tx.quotations[q.ID] = &c
	return nil
}

func (tx *memTx) DeleteQuotation(_ context.Context, id generic.QuotationID) error {
	if _, ok := tx.quotation(id); !ok {
		return &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	tx.quotations[id] = nil
	return nil
}

func (tx *memTx) AppendApproval(_ context.Context, r generic.ApprovalRecord) error {
	tx.approvals = append(tx.approvals, r)
	return nil
}

func (tx *memTx) ListApprovals(_ context.Context, id generic.QuotationID) ([]generic.ApprovalRecord, error) {
	tx.m.mu.RLock()
	result := append([]generic.ApprovalRecord{}, tx.m.approvals[id]...)
	tx.m.mu.RUnlock()
	for _, r := range tx.approvals {
		if r.QuotationID == id {
			result = append(result, r)
		}
	}
	// Stable sort keeps append order for equal timestamps; reverse it first
	// so the latest append wins ties.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

// =============================================================================
// CONSUMABLES
// =============================================================================

func (tx *memTx) consumable(id generic.ConsumableID) (generic.Consumable, bool) {
	if c, ok := tx.consumables[id]; ok {
		return cloneConsumable(c), true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	c, ok := tx.m.consumables[id]
	return cloneConsumable(c), ok
}

func (tx *memTx) LockConsumable(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	if err := tx.lock(ctx, "consumable:"+string(id)); err != nil {
		return nil, err
	}
	c, ok := tx.consumable(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "consumable", ID: string(id)}
	}
	return &c, nil
}

func (tx *memTx) GetConsumable(_ context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	c, ok := tx.consumable(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "consumable", ID: string(id)}
	}
	return &c, nil
}

func (tx *memTx) InsertConsumable(_ context.Context, c *generic.Consumable) error {
	if _, ok := tx.consumable(c.ID); ok {
		return duplicate("consumable", string(c.ID))
	}
	c.Version = 1
	tx.consumables[c.ID] = cloneConsumable(*c)
	return nil
}

func (tx *memTx) UpdateConsumable(_ context.Context, c *generic.Consumable) error {
	current, ok := tx.consumable(c.ID)
	if !ok {
		return &generic.NotFoundError{Kind: "consumable", ID: string(c.ID)}
	}
	if current.Version != c.Version {
		return generic.ErrConcurrentModification
	}
	c.Version++
	tx.consumables[c.ID] = cloneConsumable(*c)
	return nil
}

func (tx *memTx) ListConsumableIDs(_ context.Context) ([]generic.ConsumableID, error) {
	tx.m.mu.RLock()
	ids := make([]generic.ConsumableID, 0, len(tx.m.consumables))
	for id := range tx.m.consumables {
		ids = append(ids, id)
	}
	tx.m.mu.RUnlock()
	for id := range tx.consumables {
		if !containsID(ids, id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memTx) AppendConsumableTransaction(_ context.Context, t generic.ConsumableTransaction) error {
	tx.consumableTxs = append(tx.consumableTxs, t)
	return nil
}

func (tx *memTx) ListConsumableTransactions(_ context.Context, id generic.ConsumableID) ([]generic.ConsumableTransaction, error) {
	tx.m.mu.RLock()
	result := append([]generic.ConsumableTransaction{}, tx.m.consumableTxs[id]...)
	tx.m.mu.RUnlock()
	for _, t := range tx.consumableTxs {
		if t.ConsumableID == id {
			result = append(result, t)
		}
	}
	return result, nil
}

// =============================================================================
// RECEIVABLES & PAYMENTS
// =============================================================================

func (tx *memTx) receivable(id generic.ReceivableID) (generic.Receivable, bool) {
	if r, ok := tx.receivables[id]; ok {
		return cloneReceivable(r), true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	r, ok := tx.m.receivables[id]
	return cloneReceivable(r), ok
}

func (tx *memTx) LockReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	if err := tx.lock(ctx, "receivable:"+string(id)); err != nil {
		return nil, err
	}
	r, ok := tx.receivable(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "receivable", ID: string(id)}
	}
	return &r, nil
}

func (tx *memTx) GetReceivable(_ context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	r, ok := tx.receivable(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "receivable", ID: string(id)}
	}
	return &r, nil
}

func (tx *memTx) InsertReceivable(_ context.Context, r *generic.Receivable) error {
	if _, ok := tx.receivable(r.ID); ok {
		return duplicate("receivable", string(r.ID))
	}
	r.Version = 1
	tx.receivables[r.ID] = cloneReceivable(*r)
	return nil
}

func (tx *memTx) UpdateReceivable(_ context.Context, r *generic.Receivable) error {
	current, ok := tx.receivable(r.ID)
	if !ok {
		return &generic.NotFoundError{Kind: "receivable", ID: string(r.ID)}
	}
	if current.Version != r.Version {
		return generic.ErrConcurrentModification
	}
	r.Version++
	tx.receivables[r.ID] = cloneReceivable(*r)
	return nil
}

func (tx *memTx) ListReceivableIDs(_ context.Context) ([]generic.ReceivableID, error) {
	tx.m.mu.RLock()
	ids := make([]generic.ReceivableID, 0, len(tx.m.receivables))
	for id := range tx.m.receivables {
		ids = append(ids, id)
	}
	tx.m.mu.RUnlock()
	for id := range tx.receivables {
		if !containsID(ids, id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memTx) payment(id generic.PaymentID) (generic.Payment, bool) {
	if p, ok := tx.payments[id]; ok {
		if p == nil {
			return generic.Payment{}, false
		}
		return *p, true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	p, ok := tx.m.payments[id]
	return p, ok
}

func (tx *memTx) InsertPayment(_ context.Context, p generic.Payment) error {
	if _, ok := tx.payment(p.ID); ok {
		return duplicate("payment", string(p.ID))
	}
	tx.payments[p.ID] = &p
	return nil
}

func (tx *memTx) GetPayment(_ context.Context, id generic.PaymentID) (*generic.Payment, error) {
	p, ok := tx.payment(id)
	if !ok {
		return nil, &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return &p, nil
}

func (tx *memTx) DeletePayment(_ context.Context, id generic.PaymentID) error {
	if _, ok := tx.payment(id); !ok {
		return &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	tx.payments[id] = nil
	return nil
}

func (tx *memTx) ListPayments(_ context.Context, id generic.ReceivableID) ([]generic.Payment, error) {
	seen := make(map[generic.PaymentID]bool)
	var result []generic.Payment
	for pid, p := range tx.payments {
		seen[pid] = true
		if p != nil && p.ReceivableID == id {
			result = append(result, *p)
		}
	}
	tx.m.mu.RLock()
	for pid, p := range tx.m.payments {
		if !seen[pid] && p.ReceivableID == id {
			result = append(result, p)
		}
	}
	tx.m.mu.RUnlock()
	sortPayments(result)
	return result, nil
}

// =============================================================================
// AUDIT & SEQUENCES
// =============================================================================

func (tx *memTx) AppendAudit(_ context.Context, entry generic.AuditEntry) error {
	tx.audit = append(tx.audit, entry)
	return nil
}

func (tx *memTx) ListAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	tx.m.mu.RLock()
	all := append([]generic.AuditEntry{}, tx.m.audit...)
	tx.m.mu.RUnlock()
	all = append(all, tx.audit...)

	var result []generic.AuditEntry
	for i := len(all) - 1; i >= 0; i-- {
		if filter.Matches(all[i]) {
			result = append(result, all[i])
			if filter.Limit > 0 && len(result) == filter.Limit {
				break
			}
		}
	}
	return result, nil
}

// NextSequence increments the counter immediately instead of staging it, so
// units numbering different aggregates never wait on each other. A unit that
// rolls back after allocating leaves a gap.
func (tx *memTx) NextSequence(ctx context.Context, prefix, day string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &generic.StorageError{Op: "next sequence", Err: err}
	}
	k := seqKey{Prefix: prefix, Day: day}
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	tx.m.sequences[k]++
	return tx.m.sequences[k], nil
}

// =============================================================================
// HELPERS
// =============================================================================

func duplicate(kind, id string) error {
	return &generic.StorageError{Op: "insert " + kind, Err: fmt.Errorf("duplicate id %s", id)}
}

func containsID[T comparable](ids []T, id T) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func sortPayments(ps []generic.Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].PaymentDate.Equal(ps[j].PaymentDate) {
			return ps[i].PaymentDate.After(ps[j].PaymentDate)
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}

func cloneQuotation(q generic.Quotation) generic.Quotation {
	if q.Items != nil {
		q.Items = append([]generic.QuotationItem(nil), q.Items...)
	}
	return q
}

func cloneConsumable(c generic.Consumable) generic.Consumable {
	if c.MinStock != nil {
		c.MinStock = generic.DecPtr(*c.MinStock)
	}
	return c
}

func cloneReceivable(r generic.Receivable) generic.Receivable {
	if r.DueDate != nil {
		d := *r.DueDate
		r.DueDate = &d
	}
	return r
}
