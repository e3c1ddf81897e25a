package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/db"
	"becoin/internal/domain"
	"becoin/internal/events"
	"becoin/internal/migrate"
	"becoin/internal/repo"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertRun(ctx, domain.Run{ID: "run-1", Company: "Acme", CreatedAt: t0, UpdatedAt: t0, ConfigYAML: "company: Acme\n"}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return r, ctx
}

func TestRuns(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.InsertRun(ctx, domain.Run{ID: "run-2", Company: "Beta", CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.TouchRunTx(ctx, tx, "run-1", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := r.TouchRunTx(ctx, tx, "ghost", t0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	latest, err := r.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "run-1" || latest.ConfigYAML != "company: Acme\n" || !latest.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected latest run %+v", latest)
	}
	runs, err := r.ListRuns(ctx)
	if err != nil || len(runs) != 2 {
		t.Fatalf("list runs: %v %d", err, len(runs))
	}
}

func TestTransactionsAndImpact(t *testing.T) {
	r, ctx := newTestRepo(t)
	txs := []domain.Transaction{
		{ID: 1, Timestamp: t0, Kind: domain.TxProjectCost, Amount: decimal.RequireFromString("-1500"), Reference: "PRJ-ALPHA", BalanceAfter: decimal.RequireFromString("8500"), Description: "Kickoff for Enterprise Outreach"},
		{ID: 2, Timestamp: t0.Add(2 * time.Hour), Kind: domain.TxBurn, Amount: decimal.RequireFromString("-50.5"), BalanceAfter: decimal.RequireFromString("8449.5"), Shortfall: decimal.RequireFromString("3")},
		{ID: 3, Timestamp: t0.Add(2 * time.Hour), Kind: domain.TxPayroll, Amount: decimal.RequireFromString("-10"), Reference: "AGENT-101", BalanceAfter: decimal.RequireFromString("8439.5")},
	}
	recs := []domain.ImpactRecord{{ProjectID: "PRJ-ALPHA", ImpactScore: 72, Value: decimal.NewFromInt(3500), ROI: decimal.RequireFromString("2.3333"), Notes: "done", CompletedAt: t0.Add(3 * time.Hour)}}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTransactionsTx(ctx, tx, "run-1", txs); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertImpactTx(ctx, tx, "run-1", 0, recs); err != nil {
		t.Fatal(err)
	}
	w := events.Writer{DB: r.DB, Now: func() time.Time { return t0 }}
	if err := w.Append(ctx, tx, events.AgentPaid, "run-1", "agent", "AGENT-101", "cli", events.EventPayload{"amount": "10"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	all, err := r.ListTransactions(ctx, repo.TransactionFilters{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(all))
	}
	if !all[1].Shortfall.Equal(decimal.NewFromInt(3)) || !all[0].Shortfall.IsZero() || all[1].Reference != "" {
		t.Fatalf("unexpected round trip: %+v", all[1])
	}
	if !all[1].Amount.Equal(txs[1].Amount) || !all[2].Timestamp.Equal(txs[2].Timestamp) || all[0].Description != txs[0].Description {
		t.Fatalf("unexpected round trip: %+v", all)
	}
	burns, err := r.ListTransactions(ctx, repo.TransactionFilters{RunID: "run-1", Kind: domain.TxBurn})
	if err != nil || len(burns) != 1 || burns[0].ID != 2 {
		t.Fatalf("kind filter: %v %+v", err, burns)
	}
	after, err := r.ListTransactions(ctx, repo.TransactionFilters{RunID: "run-1", AfterID: 1, Limit: 1})
	if err != nil || len(after) != 1 || after[0].ID != 2 {
		t.Fatalf("cursor filter: %v %+v", err, after)
	}

	impact, err := r.ListImpact(ctx, "run-1")
	if err != nil || len(impact) != 1 {
		t.Fatalf("list impact: %v %d", err, len(impact))
	}
	if !impact[0].ROI.Equal(recs[0].ROI) || impact[0].ImpactScore != 72 {
		t.Fatalf("unexpected impact %+v", impact[0])
	}

	evts, err := r.LatestEvents(ctx, repo.EventFilters{RunID: "run-1"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("latest events: %v %d", err, len(evts))
	}
	if evts[0].Type != events.AgentPaid || evts[0].EntityID != "AGENT-101" || evts[0].Payload != `{"amount":"10"}` {
		t.Fatalf("unexpected event %+v", evts[0])
	}
	next, err := r.EventsAfter(ctx, "run-1", evts[0].ID, 10)
	if err != nil || len(next) != 0 {
		t.Fatalf("events after: %v %d", err, len(next))
	}
}

func TestSnapshotsCompressAndPrune(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.LatestSnapshot(ctx, "run-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	snap := domain.EconomySnapshot{
		Treasury:    domain.Treasury{StartCapital: decimal.NewFromInt(100), Balance: decimal.NewFromInt(100)},
		Agents:      map[string]domain.Agent{"a": {ID: "a", Name: "A", Status: "idle"}},
		Projects:    map[string]domain.Project{"p": {ID: "p", Name: "P", Stage: domain.StagePipeline, Team: []string{}}},
		Clock:       t0,
		GeneratedAt: t0,
	}
	var last repo.SnapshotInfo
	for i := 0; i < 40; i++ {
		snap.ElapsedHours = i
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		last, err = r.SaveSnapshotTx(ctx, tx, "run-1", snap)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if last.Seq != 40 || last.StoredSize == 0 || last.RawSize == 0 {
		t.Fatalf("unexpected info %+v", last)
	}
	got, err := r.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ElapsedHours != 39 || got.Agents["a"].Name != "A" || !got.Treasury.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	infos, err := r.ListSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 32 || infos[0].Seq != 40 || infos[len(infos)-1].Seq != 9 {
		t.Fatalf("expected 32 retained snapshots, got %d", len(infos))
	}
}
