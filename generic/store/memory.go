// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/drawdown-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore. Every public method takes the lock and
// delegates to memoryState, which WithTx hands to its callback unlocked.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	residents   map[generic.ResidentID]generic.Resident
	contracts   map[generic.ContractID]generic.FundingContract
	txs         map[generic.TransactionID]generic.Transaction
	audit       []generic.AuditLogEntry
	automations map[generic.AutomationID]generic.Automation
	runs        map[generic.RunID]generic.AutomationRun
	runClaims   map[runKey]generic.RunID
}

type runKey struct {
	AutomationID generic.AutomationID
	RunDate      string
}

var (
	errDuplicateID     = errors.New("duplicate id")
	errImmutablePosted = errors.New("posted transactions are immutable except for voiding")
	errImmutableVoided = errors.New("voided transactions are immutable")
	errDeleteNonDraft  = errors.New("only draft transactions can be deleted")
)

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		residents:   make(map[generic.ResidentID]generic.Resident),
		contracts:   make(map[generic.ContractID]generic.FundingContract),
		txs:         make(map[generic.TransactionID]generic.Transaction),
		automations: make(map[generic.AutomationID]generic.Automation),
		runs:        make(map[generic.RunID]generic.AutomationRun),
		runClaims:   make(map[runKey]generic.RunID),
	}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.residents {
		c.residents[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	c.audit = append([]generic.AuditLogEntry(nil), s.audit...)
	for k, v := range s.automations {
		c.automations[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.runClaims {
		c.runClaims[k] = v
	}
	return c
}

// =============================================================================
// LOCKED API
// =============================================================================

func (m *Memory) SaveResident(ctx context.Context, r *generic.Resident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveResident(ctx, r)
}

func (m *Memory) GetResident(ctx context.Context, id generic.ResidentID) (*generic.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetResident(ctx, id)
}

func (m *Memory) ListResidents(ctx context.Context) ([]generic.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListResidents(ctx)
}

func (m *Memory) InsertContract(ctx context.Context, c *generic.FundingContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertContract(ctx, c)
}

func (m *Memory) SaveContract(ctx context.Context, c *generic.FundingContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveContract(ctx, c)
}

func (m *Memory) GetContract(ctx context.Context, id generic.ContractID) (*generic.FundingContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context, f generic.ContractFilter) ([]generic.FundingContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListContracts(ctx, f)
}

func (m *Memory) InsertTransaction(ctx context.Context, tx *generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertTransaction(ctx, tx)
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx *generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateTransaction(ctx, tx)
}

func (m *Memory) DeleteTransaction(ctx context.Context, id generic.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteTransaction(ctx, id)
}

func (m *Memory) GetTransaction(ctx context.Context, id generic.TransactionID) (*generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetTransaction(ctx, id)
}

func (m *Memory) ListTransactions(ctx context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListTransactions(ctx, f)
}

func (m *Memory) SumPosted(ctx context.Context, contractID generic.ContractID, exclude generic.TransactionID) (generic.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.SumPosted(ctx, contractID, exclude)
}

func (m *Memory) AppendAudit(ctx context.Context, e generic.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendAudit(ctx, e)
}

func (m *Memory) AuditTrail(ctx context.Context, subject generic.AuditSubject, subjectID string) ([]generic.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AuditTrail(ctx, subject, subjectID)
}

func (m *Memory) SaveAutomation(ctx context.Context, a *generic.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveAutomation(ctx, a)
}

func (m *Memory) GetAutomation(ctx context.Context, id generic.AutomationID) (*generic.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetAutomation(ctx, id)
}

func (m *Memory) ListAutomations(ctx context.Context) ([]generic.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAutomations(ctx)
}

func (m *Memory) InsertRun(ctx context.Context, run *generic.AutomationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertRun(ctx, run)
}

func (m *Memory) UpdateRun(ctx context.Context, run *generic.AutomationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateRun(ctx, run)
}

func (m *Memory) FindRun(ctx context.Context, id generic.AutomationID, runDate generic.TimePoint) (*generic.AutomationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindRun(ctx, id, runDate)
}

func (m *Memory) ListRuns(ctx context.Context, id generic.AutomationID) ([]generic.AutomationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListRuns(ctx, id)
}

// =============================================================================
// UNLOCKED STATE - generic.Store over plain maps
// =============================================================================

func (s *memoryState) SaveResident(_ context.Context, r *generic.Resident) error {
	row := *r
	row.Contracts = nil
	row.AuditTrail = nil
	s.residents[r.ID] = row
	return nil
}

func (s *memoryState) GetResident(_ context.Context, id generic.ResidentID) (*generic.Resident, error) {
	r, ok := s.residents[id]
	if !ok {
		return nil, generic.NotFound("resident", string(id))
	}
	return &r, nil
}

func (s *memoryState) ListResidents(_ context.Context) ([]generic.Resident, error) {
	out := make([]generic.Resident, 0, len(s.residents))
	for _, r := range s.residents {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryState) InsertContract(_ context.Context, c *generic.FundingContract) error {
	if _, ok := s.contracts[c.ID]; ok {
		return &generic.StorageError{Op: "insert contract " + string(c.ID), Err: errDuplicateID}
	}
	c.Version = 1
	s.contracts[c.ID] = *c
	return nil
}

func (s *memoryState) SaveContract(_ context.Context, c *generic.FundingContract) error {
	stored, ok := s.contracts[c.ID]
	if !ok {
		return generic.NotFound("contract", string(c.ID))
	}
	if stored.Version != c.Version {
		return fmt.Errorf("contract %s at version %d, have %d: %w",
			c.ID, stored.Version, c.Version, generic.ErrConcurrentModification)
	}
	c.Version++
	row := *c
	row.OriginalAmount = stored.OriginalAmount
	s.contracts[c.ID] = row
	return nil
}

func (s *memoryState) GetContract(_ context.Context, id generic.ContractID) (*generic.FundingContract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, generic.NotFound("contract", string(id))
	}
	return &c, nil
}

func (s *memoryState) ListContracts(_ context.Context, f generic.ContractFilter) ([]generic.FundingContract, error) {
	var out []generic.FundingContract
	for _, c := range s.contracts {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryState) InsertTransaction(_ context.Context, tx *generic.Transaction) error {
	if _, ok := s.txs[tx.ID]; ok {
		return &generic.StorageError{Op: "insert transaction " + string(tx.ID), Err: errDuplicateID}
	}
	row := *tx
	row.AuditTrail = nil
	s.txs[tx.ID] = row
	return nil
}

func (s *memoryState) UpdateTransaction(_ context.Context, tx *generic.Transaction) error {
	stored, ok := s.txs[tx.ID]
	if !ok {
		return generic.NotFound("transaction", string(tx.ID))
	}
	op := "update transaction " + string(tx.ID)
	switch stored.Status {
	case generic.TxVoided:
		return &generic.StorageError{Op: op, Err: errImmutableVoided}
	case generic.TxPosted:
		if tx.Status != generic.TxVoided || !tx.Amount.Equal(stored.Amount) || tx.ContractID != stored.ContractID {
			return &generic.StorageError{Op: op, Err: errImmutablePosted}
		}
	}
	row := *tx
	row.AuditTrail = nil
	s.txs[tx.ID] = row
	return nil
}

func (s *memoryState) DeleteTransaction(_ context.Context, id generic.TransactionID) error {
	stored, ok := s.txs[id]
	if !ok {
		return generic.NotFound("transaction", string(id))
	}
	if stored.Status != generic.TxDraft {
		return &generic.StorageError{Op: "delete transaction " + string(id), Err: errDeleteNonDraft}
	}
	delete(s.txs, id)
	return nil
}

func (s *memoryState) GetTransaction(_ context.Context, id generic.TransactionID) (*generic.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, generic.NotFound("transaction", string(id))
	}
	return &tx, nil
}

func (s *memoryState) ListTransactions(_ context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	var out []generic.Transaction
	for _, tx := range s.txs {
		if f.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryState) SumPosted(_ context.Context, contractID generic.ContractID, exclude generic.TransactionID) (generic.Money, error) {
	total := generic.ZeroMoney()
	for _, tx := range s.txs {
		if tx.ContractID == contractID && tx.Status == generic.TxPosted && tx.ID != exclude {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (s *memoryState) AppendAudit(_ context.Context, e generic.AuditLogEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryState) AuditTrail(_ context.Context, subject generic.AuditSubject, subjectID string) ([]generic.AuditLogEntry, error) {
	var out []generic.AuditLogEntry
	for _, e := range s.audit {
		if e.SubjectType == subject && e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryState) SaveAutomation(_ context.Context, a *generic.Automation) error {
	row := *a
	row.Items = append([]generic.AutomationItem(nil), a.Items...)
	s.automations[a.ID] = row
	return nil
}

func (s *memoryState) GetAutomation(_ context.Context, id generic.AutomationID) (*generic.Automation, error) {
	a, ok := s.automations[id]
	if !ok {
		return nil, generic.NotFound("automation", string(id))
	}
	a.Items = append([]generic.AutomationItem(nil), a.Items...)
	return &a, nil
}

func (s *memoryState) ListAutomations(_ context.Context) ([]generic.Automation, error) {
	out := make([]generic.Automation, 0, len(s.automations))
	for _, a := range s.automations {
		a.Items = append([]generic.AutomationItem(nil), a.Items...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryState) InsertRun(_ context.Context, run *generic.AutomationRun) error {
	k := runKey{AutomationID: run.AutomationID, RunDate: run.RunDate.String()}
	if _, ok := s.runClaims[k]; ok {
		return fmt.Errorf("automation %s on %s: %w", run.AutomationID, run.RunDate, generic.ErrRunAlreadyClaimed)
	}
	s.runClaims[k] = run.ID
	s.runs[run.ID] = cloneRun(*run)
	return nil
}

func (s *memoryState) UpdateRun(_ context.Context, run *generic.AutomationRun) error {
	if _, ok := s.runs[run.ID]; !ok {
		return generic.NotFound("run", string(run.ID))
	}
	s.runs[run.ID] = cloneRun(*run)
	return nil
}

func (s *memoryState) FindRun(_ context.Context, id generic.AutomationID, runDate generic.TimePoint) (*generic.AutomationRun, error) {
	runID, ok := s.runClaims[runKey{AutomationID: id, RunDate: runDate.String()}]
	if !ok {
		return nil, generic.NotFound("run", string(id)+"@"+runDate.String())
	}
	run := cloneRun(s.runs[runID])
	return &run, nil
}

func (s *memoryState) ListRuns(_ context.Context, id generic.AutomationID) ([]generic.AutomationRun, error) {
	var out []generic.AutomationRun
	for _, r := range s.runs {
		if r.AutomationID == id {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func cloneRun(r generic.AutomationRun) generic.AutomationRun {
	r.Results = append([]generic.RunItemResult(nil), r.Results...)
	return r
}
