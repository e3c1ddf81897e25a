package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"becoin/internal/config"
	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/events"
	"becoin/internal/repo"
)

// NewEngine builds an engine from config.
func NewEngine(cfg *config.Config, now func() time.Time) (*engine.Engine, error) {
	treasury, err := cfg.Treasury()
	if err != nil {
		return nil, err
	}
	return engine.New(treasury, cfg.Roster(), cfg.Pipeline(), engine.Options{
		BaselineHourlyBurn: cfg.Economy.BaselineHourlyBurn,
		BurnPolicy:         cfg.Economy.BurnPolicy,
		BurnWindowHours:    cfg.Economy.BurnWindowHours,
		Epoch:              cfg.Economy.Epoch,
		Now:                now,
	})
}

// NewRun starts a fresh archived run from config and stores its opening snapshot.
func NewRun(ctx context.Context, cfg *config.Config, r repo.Repo, opts SessionOptions) (*Session, error) {
	eng, err := NewEngine(cfg, opts.Now)
	if err != nil {
		return nil, err
	}
	raw, err := cfg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	s := newSession(eng, uuid.NewString(), &r, opts)
	snap := s.stamp(eng.Snapshot())
	run := domain.Run{
		ID:         s.RunID,
		Company:    cfg.Company,
		CreatedAt:  snap.GeneratedAt,
		UpdatedAt:  snap.GeneratedAt,
		ConfigYAML: string(raw),
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := r.InsertRunTx(ctx, tx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	payload := events.EventPayload{
		"company":       cfg.Company,
		"start_capital": snap.Treasury.StartCapital.String(),
		"agents":        len(snap.Agents),
		"projects":      len(snap.Projects),
		"epoch":         snap.Settings.Epoch.Format(time.RFC3339),
	}
	if err := s.events.Append(ctx, tx, events.RunCreated, run.ID, "run", run.ID, s.actor, payload); err != nil {
		return nil, err
	}
	if _, err := r.SaveSnapshotTx(ctx, tx, run.ID, snap); err != nil {
		return nil, fmt.Errorf("store opening snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "run created", "company", cfg.Company, "balance", snap.Treasury.Balance.String())
	return s, nil
}

// ResumeRun restores a run from its latest snapshot and checks it against the
// archived ledger.
func ResumeRun(ctx context.Context, r repo.Repo, runID string, opts SessionOptions) (*Session, error) {
	if _, err := r.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	snap, err := r.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for run %s: %w", runID, err)
	}
	eng, err := engine.Restore(snap, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", runID, err)
	}
	var lastID int64
	if n := len(snap.Transactions); n > 0 {
		lastID = snap.Transactions[n-1].ID
	}
	newer, err := r.ListTransactions(ctx, repo.TransactionFilters{RunID: runID, AfterID: lastID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(newer) > 0 {
		return nil, fmt.Errorf("%w: archive holds transaction %d past the latest snapshot", engine.ErrLedgerMismatch, newer[0].ID)
	}
	return newSession(eng, runID, &r, opts), nil
}

// ResolveRun picks the run named by override, or the most recently updated one.
func ResolveRun(ctx context.Context, r repo.Repo, override string) (domain.Run, error) {
	if override != "" {
		run, err := r.GetRun(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return run, fmt.Errorf("%w: run %s", repo.ErrNotFound, override)
		}
		return run, err
	}
	run, err := r.LatestRun(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return run, fmt.Errorf("%w: no run yet; create one with becoin init", repo.ErrNotFound)
	}
	return run, err
}
