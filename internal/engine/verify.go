package engine

import (
	"fmt"
	"time"

	"becoin/internal/domain"
)

// Verify checks the ledger invariants of a snapshot: balances never go
// negative, transaction ids increase, timestamps never go backwards, and
// replaying every amount from the opening balance reproduces each
// BalanceAfter and the final treasury balance.
func Verify(s domain.EconomySnapshot) error {
	if s.Treasury.Balance.IsNegative() {
		return fmt.Errorf("%w: treasury balance %s is negative", ErrLedgerMismatch, s.Treasury.Balance)
	}
	running := s.Settings.OpeningBalance
	var (
		lastID int64
		lastTS time.Time
	)
	for i, tx := range s.Transactions {
		if tx.ID <= lastID {
			return fmt.Errorf("%w: transaction %d at position %d does not follow id %d", ErrLedgerMismatch, tx.ID, i, lastID)
		}
		if tx.Timestamp.Before(lastTS) {
			return fmt.Errorf("%w: transaction %d at %s precedes %s", ErrLedgerMismatch, tx.ID, tx.Timestamp.Format(time.RFC3339), lastTS.Format(time.RFC3339))
		}
		running = running.Add(tx.Amount)
		if !running.Equal(tx.BalanceAfter) {
			return fmt.Errorf("%w: transaction %d balance_after %s, replay gives %s", ErrLedgerMismatch, tx.ID, tx.BalanceAfter, running)
		}
		if running.IsNegative() {
			return fmt.Errorf("%w: transaction %d leaves balance %s", ErrLedgerMismatch, tx.ID, running)
		}
		if tx.Shortfall.IsNegative() {
			return fmt.Errorf("%w: transaction %d has negative shortfall", ErrLedgerMismatch, tx.ID)
		}
		lastID, lastTS = tx.ID, tx.Timestamp
	}
	if !running.Equal(s.Treasury.Balance) {
		return fmt.Errorf("%w: replayed balance %s, treasury holds %s", ErrLedgerMismatch, running, s.Treasury.Balance)
	}
	if !lastTS.IsZero() && lastTS.After(s.Clock) {
		return fmt.Errorf("%w: last transaction is after the clock", ErrLedgerMismatch)
	}
	var lastImpact time.Time
	for _, rec := range s.Impact {
		p, ok := s.Projects[rec.ProjectID]
		if !ok {
			return fmt.Errorf("%w: impact record for unknown project %s", ErrLedgerMismatch, rec.ProjectID)
		}
		if p.Stage != domain.StageCompleted {
			return fmt.Errorf("%w: impact record for project %s in stage %s", ErrLedgerMismatch, p.ID, p.Stage)
		}
		if rec.CompletedAt.Before(lastImpact) {
			return fmt.Errorf("%w: impact record for %s out of order", ErrLedgerMismatch, rec.ProjectID)
		}
		lastImpact = rec.CompletedAt
	}
	return nil
}

// Restore rebuilds an engine from a verified snapshot. now may be nil.
func Restore(s domain.EconomySnapshot, now func() time.Time) (*Engine, error) {
	if err := Verify(s); err != nil {
		return nil, err
	}
	if s.ElapsedHours < 0 || s.ElapsedHours > maxElapsedHours {
		return nil, fmt.Errorf("%w: elapsed hours %d out of range", ErrInvalidHours, s.ElapsedHours)
	}
	settings := s.Settings
	e, err := New(domain.Treasury{StartCapital: s.Treasury.StartCapital, Balance: settings.OpeningBalance}, s.SortedAgents(), s.SortedProjects(), Options{
		BaselineHourlyBurn: settings.BaselineHourlyBurn,
		BurnPolicy:         settings.BurnPolicy,
		BurnWindowHours:    settings.BurnWindowHours,
		Epoch:              settings.Epoch,
		Now:                now,
	})
	if err != nil {
		return nil, err
	}
	e.treasury = s.Treasury
	e.ledger = append([]domain.Transaction{}, s.Transactions...)
	e.impact = append([]domain.ImpactRecord{}, s.Impact...)
	e.elapsed = s.ElapsedHours
	if n := len(e.ledger); n > 0 {
		e.nextTxID = e.ledger[n-1].ID + 1
	}
	if !e.Clock().Equal(s.Clock) {
		return nil, fmt.Errorf("%w: clock %s does not match epoch plus %dh", ErrLedgerMismatch, s.Clock.Format(time.RFC3339), s.ElapsedHours)
	}
	return e, nil
}
