package becoinsdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/app"
	"becoin/internal/config"
	"becoin/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Economy.Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	eng, err := app.NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := server.New(server.Config{Session: app.NewSession(eng, app.SessionOptions{})})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.StartProject(ctx, "PRJ-BETA")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Stage != "active" {
		t.Fatalf("expected active, got %s", p.Stage)
	}
	if _, err := c.PauseProject(ctx, "PRJ-BETA"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := c.ResumeProject(ctx, "PRJ-BETA"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	adv, err := c.AdvanceTime(ctx, 24)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if adv.Transaction == nil || !adv.Balance.Equal(decimal.NewFromInt(7200)) {
		t.Fatalf("unexpected advance %+v", adv)
	}
	rec, err := c.CompleteProject(ctx, "PRJ-BETA")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !rec.Value.Equal(decimal.NewFromInt(6200)) {
		t.Fatalf("unexpected impact value %s", rec.Value)
	}
	tx, err := c.PayAgent(ctx, "AGENT-002", decimal.RequireFromString("99.99"), "sprint bonus")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !tx.BalanceAfter.Equal(decimal.RequireFromString("13300.01")) {
		t.Fatalf("unexpected balance after pay %s", tx.BalanceAfter)
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Transactions) != 4 || snap.Projects["PRJ-BETA"].Stage != "completed" {
		t.Fatalf("unexpected snapshot: %d txs, stage %s", len(snap.Transactions), snap.Projects["PRJ-BETA"].Stage)
	}
	v, err := c.Verify(ctx)
	if err != nil || !v.OK {
		t.Fatalf("verify: %+v %v", v, err)
	}
	names, err := c.Exports(ctx)
	if err != nil || len(names) != 5 {
		t.Fatalf("exports: %v %v", names, err)
	}
	raw, err := c.Export(ctx, names[0])
	if err != nil || len(raw) == 0 {
		t.Fatalf("export %s: %v", names[0], err)
	}
}

func TestClientErrorCodes(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.CompleteProject(ctx, "PRJ-ALPHA")
	if ErrorCode(err) != "stage_conflict" {
		t.Fatalf("expected stage_conflict, got %v", err)
	}
	_, err = c.PayAgent(ctx, "AGENT-404", decimal.NewFromInt(1), "")
	if ErrorCode(err) != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	_, err = c.PayAgent(ctx, "AGENT-001", decimal.NewFromInt(20000), "")
	if ErrorCode(err) != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	_, err = c.AddProject(ctx, Project{ID: "PRJ-ALPHA", Cost: decimal.NewFromInt(1), Value: decimal.NewFromInt(1)})
	if ErrorCode(err) != "invalid_argument" {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}
