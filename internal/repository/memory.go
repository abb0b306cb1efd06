package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yieldledger/backend/internal/models"
)

// errStreamUnavailable is what Memory returns from StreamLedgerEntries
// when streaming has been switched off.
var errStreamUnavailable = errors.New("ledger stream unavailable")

// Memory is an in-process Store used by tests and local runs.
// Transactions are serialized and rolled back from a snapshot on error.
type Memory struct {
	mu sync.RWMutex

	users       map[string]models.User
	ledger      []models.LedgerEntry
	investments map[int64]models.Investment
	completed   []models.CompletedInvestment
	jobRuns     []models.JobRun

	nextLedgerID    int64
	nextCompletedID int64
	nextJobRunID    int64

	streamDisabled bool

	// FailHook, when set, is consulted before every write. op is the method
	// name and key the user or investment id; a non-nil return fails the call.
	FailHook func(op, key string) error
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]models.User),
		investments: make(map[int64]models.Investment),
	}
}

// AddUser seeds a user row.
func (m *Memory) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddInvestment seeds an investment row.
func (m *Memory) AddInvestment(inv models.Investment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.investments[inv.ID] = inv
}

// Investment returns the current state of an investment row.
func (m *Memory) Investment(id int64) (models.Investment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investments[id]
	return inv, ok
}

// CompletedInvestments returns every completion snapshot written so far.
func (m *Memory) CompletedInvestments() []models.CompletedInvestment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CompletedInvestment, len(m.completed))
	copy(out, m.completed)
	return out
}

// JobRuns returns the recorded runs in insertion order.
func (m *Memory) JobRuns() []models.JobRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.JobRun, len(m.jobRuns))
	copy(out, m.jobRuns)
	return out
}

// TamperLedgerEntry rewrites a stored entry in place, bypassing the chain.
func (m *Memory) TamperLedgerEntry(id int64, fn func(*models.LedgerEntry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		if m.ledger[i].ID == id {
			fn(&m.ledger[i])
			return true
		}
	}
	return false
}

// SetStreamUnavailable makes StreamLedgerEntries fail before yielding rows.
func (m *Memory) SetStreamUnavailable(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamDisabled = disabled
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify("begin transaction", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) UserLedgerEntries(_ context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.UserID != userID {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) StreamLedgerEntries(ctx context.Context, fromID, toID int64, fn func(models.LedgerEntry) error) error {
	m.mu.RLock()
	if m.streamDisabled {
		m.mu.RUnlock()
		return fmt.Errorf("stream ledger: %w: %w", ErrRepositoryUnavailable, errStreamUnavailable)
	}
	var rows []models.LedgerEntry
	for _, e := range m.ledger {
		if e.ID >= fromID && (toID <= 0 || e.ID <= toID) {
			rows = append(rows, copyEntry(e))
		}
	}
	m.mu.RUnlock()

	for _, e := range rows {
		if err := ctx.Err(); err != nil {
			return classify("stream ledger", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) LedgerEntriesPage(_ context.Context, afterID, toID int64, limit int) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.ID <= afterID || (toID > 0 && e.ID > toID) {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PrecedingEntryHash(_ context.Context, userID string, beforeID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash := ""
	for _, e := range m.ledger {
		if e.ID >= beforeID {
			break
		}
		if e.UserID == userID {
			hash = e.EntryHash
		}
	}
	return hash, nil
}

func (m *Memory) ActiveInvestmentsDue(_ context.Context, today time.Time) ([]models.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Investment
	for _, inv := range m.investments {
		if inv.Status != models.InvestmentStatusActive {
			continue
		}
		firstToday := inv.FirstProfitDate != nil && inv.FirstProfitDate.Equal(today)
		if inv.LastReturnApplied != nil && !inv.LastReturnApplied.Before(today) && !firstToday {
			continue
		}
		if inv.FirstProfitDate != nil && inv.FirstProfitDate.After(today) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("load user %s: %w", userID, ErrNotFound)
	}
	return &u, nil
}

func (m *Memory) JobRunExists(_ context.Context, jobName string, runDate time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduledRunLocked(jobName, runDate), nil
}

func (m *Memory) CreateJobRun(_ context.Context, run *models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("CreateJobRun", run.JobName); err != nil {
		return err
	}
	if !run.Manual && m.scheduledRunLocked(run.JobName, run.RunDate) {
		return fmt.Errorf("create job run %s/%s: %w", run.JobName, run.RunDate.Format(time.DateOnly), ErrJobRunExists)
	}
	m.nextJobRunID++
	run.ID = m.nextJobRunID
	m.jobRuns = append(m.jobRuns, *run)
	return nil
}

func (m *Memory) FinishJobRun(_ context.Context, run *models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("FinishJobRun", run.JobName); err != nil {
		return err
	}
	for i := range m.jobRuns {
		if m.jobRuns[i].ID == run.ID {
			m.jobRuns[i] = *run
			return nil
		}
	}
	return fmt.Errorf("finish job run %d: %w", run.ID, ErrNotFound)
}

func (m *Memory) scheduledRunLocked(jobName string, runDate time.Time) bool {
	for _, r := range m.jobRuns {
		if !r.Manual && r.Status != models.JobRunStatusFailed && r.JobName == jobName && r.RunDate.Equal(runDate) {
			return true
		}
	}
	return false
}

func (m *Memory) fail(op, key string) error {
	if m.FailHook == nil {
		return nil
	}
	return m.FailHook(op, key)
}

type memorySnapshot struct {
	users           map[string]models.User
	ledger          []models.LedgerEntry
	investments     map[int64]models.Investment
	completed       []models.CompletedInvestment
	nextLedgerID    int64
	nextCompletedID int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		users:           make(map[string]models.User, len(m.users)),
		ledger:          make([]models.LedgerEntry, len(m.ledger)),
		investments:     make(map[int64]models.Investment, len(m.investments)),
		completed:       make([]models.CompletedInvestment, len(m.completed)),
		nextLedgerID:    m.nextLedgerID,
		nextCompletedID: m.nextCompletedID,
	}
	for k, v := range m.users {
		s.users[k] = v
	}
	copy(s.ledger, m.ledger)
	for k, v := range m.investments {
		s.investments[k] = v
	}
	copy(s.completed, m.completed)
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.users = s.users
	m.ledger = s.ledger
	m.investments = s.investments
	m.completed = s.completed
	m.nextLedgerID = s.nextLedgerID
	m.nextCompletedID = s.nextCompletedID
}

func copyEntry(e models.LedgerEntry) models.LedgerEntry {
	if e.Metadata != nil {
		md := make(models.Metadata, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// memoryTx runs with Memory.mu held by WithTx.
type memoryTx struct {
	m *Memory
}

func (t *memoryTx) LockUser(_ context.Context, userID string) (models.UserBalance, error) {
	u, ok := t.m.users[userID]
	if !ok {
		return models.UserBalance{}, fmt.Errorf("lock user %s: %w", userID, ErrNotFound)
	}
	return models.UserBalance{UserID: u.ID, Balance: u.Balance, ActiveDeposits: u.ActiveDeposits}, nil
}

func (t *memoryTx) IncrementUserBalance(_ context.Context, userID string, amount, activeDeposits decimal.Decimal) (models.UserBalance, error) {
	if err := t.m.fail("IncrementUserBalance", userID); err != nil {
		return models.UserBalance{}, err
	}
	u, ok := t.m.users[userID]
	if !ok {
		return models.UserBalance{}, fmt.Errorf("increment user balance %s: %w", userID, ErrNotFound)
	}
	u.Balance = u.Balance.Add(amount)
	u.ActiveDeposits = u.ActiveDeposits.Add(activeDeposits)
	u.UpdatedAt = time.Now().UTC()
	t.m.users[userID] = u
	return models.UserBalance{UserID: u.ID, Balance: u.Balance, ActiveDeposits: u.ActiveDeposits}, nil
}

func (t *memoryTx) LastLedgerHash(_ context.Context, userID string) (string, error) {
	for i := len(t.m.ledger) - 1; i >= 0; i-- {
		if t.m.ledger[i].UserID == userID {
			return t.m.ledger[i].EntryHash, nil
		}
	}
	return "", nil
}

func (t *memoryTx) InsertLedgerEntry(_ context.Context, entry *models.LedgerEntry) (int64, error) {
	if err := t.m.fail("InsertLedgerEntry", entry.UserID); err != nil {
		return 0, err
	}
	for _, e := range t.m.ledger {
		if e.UserID == entry.UserID && e.PreviousHash == entry.PreviousHash {
			return 0, fmt.Errorf("insert ledger entry for %s: %w", entry.UserID, ErrChainConflict)
		}
	}
	t.m.nextLedgerID++
	stored := copyEntry(*entry)
	stored.ID = t.m.nextLedgerID
	t.m.ledger = append(t.m.ledger, stored)
	return stored.ID, nil
}

func (t *memoryTx) UpdateInvestmentAccrual(_ context.Context, inv *models.Investment) error {
	key := strconv.FormatInt(inv.ID, 10)
	if err := t.m.fail("UpdateInvestmentAccrual", key); err != nil {
		return err
	}
	cur, ok := t.m.investments[inv.ID]
	if !ok || cur.Status != models.InvestmentStatusActive {
		return fmt.Errorf("update investment %d: %w", inv.ID, ErrNotFound)
	}
	cur.DaysElapsed = inv.DaysElapsed
	cur.TotalEarned = inv.TotalEarned
	cur.CreditedTotal = inv.CreditedTotal
	cur.LastReturnApplied = inv.LastReturnApplied
	cur.FirstProfitDate = inv.FirstProfitDate
	t.m.investments[inv.ID] = cur
	return nil
}

func (t *memoryTx) MarkInvestmentCompleted(_ context.Context, inv *models.Investment, snapshot *models.CompletedInvestment) error {
	key := strconv.FormatInt(inv.ID, 10)
	if err := t.m.fail("MarkInvestmentCompleted", key); err != nil {
		return err
	}
	cur, ok := t.m.investments[inv.ID]
	if !ok || cur.Status != models.InvestmentStatusActive {
		return fmt.Errorf("complete investment %d: %w", inv.ID, ErrNotFound)
	}
	cur.Status = models.InvestmentStatusCompleted
	cur.DaysElapsed = inv.DaysElapsed
	cur.TotalEarned = inv.TotalEarned
	cur.CreditedTotal = inv.CreditedTotal
	cur.LastReturnApplied = inv.LastReturnApplied
	cur.FirstProfitDate = nil
	t.m.investments[inv.ID] = cur

	t.m.nextCompletedID++
	snapshot.ID = t.m.nextCompletedID
	t.m.completed = append(t.m.completed, *snapshot)
	return nil
}
