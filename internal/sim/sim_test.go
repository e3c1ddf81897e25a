package sim_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/app"
	"becoin/internal/config"
	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/sim"
)

func newSession(t *testing.T, policy domain.BurnPolicy) *app.Session {
	t.Helper()
	cfg := config.Default()
	cfg.Economy.BurnPolicy = policy
	cfg.Economy.Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	eng, err := app.NewEngine(cfg, func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return app.NewSession(eng, app.SessionOptions{})
}

func defaultOptions(steps int) sim.Options {
	return sim.Options{
		Steps:           steps,
		Seed:            42,
		AgentIDs:        []string{"AGENT-001", "AGENT-002", "AGENT-003", "AGENT-101"},
		ProjectIDs:      []string{"PRJ-ALPHA", "PRJ-BETA"},
		PayMin:          decimal.NewFromInt(1),
		PayMax:          decimal.NewFromInt(500),
		Hours:           []int{1, 2, 5, 12},
		FullVerifyEvery: 1000,
	}
}

func TestTenThousandRandomOperationsKeepInvariants(t *testing.T) {
	for _, policy := range []domain.BurnPolicy{domain.BurnStrict, domain.BurnClamp} {
		t.Run(string(policy), func(t *testing.T) {
			s := newSession(t, policy)
			var lastTS time.Time
			seen := 0
			opts := defaultOptions(10000)
			opts.OnStep = func(step int, op string, err error) {
				for _, tx := range s.TransactionsSince(seen) {
					if tx.BalanceAfter.IsNegative() {
						t.Fatalf("step %d: negative balance %s", step, tx.BalanceAfter)
					}
					if tx.Timestamp.Before(lastTS) {
						t.Fatalf("step %d: timestamp went backwards", step)
					}
					lastTS = tx.Timestamp
					seen++
				}
			}
			rep, err := sim.Run(context.Background(), s, opts)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if rep.Steps != 10000 {
				t.Fatalf("expected 10000 steps, got %d", rep.Steps)
			}
			if rep.MinBalance.IsNegative() || rep.FinalBalance.IsNegative() {
				t.Fatalf("balance went negative: min %s final %s", rep.MinBalance, rep.FinalBalance)
			}

			total := 0
			for _, n := range rep.Applied {
				total += n
			}
			for _, codes := range rep.Rejected {
				for _, n := range codes {
					total += n
				}
			}
			if total != 10000 {
				t.Fatalf("applied+rejected = %d, want 10000", total)
			}
			if rep.Rejected[sim.OpPay][engine.CodeNotFound] == 0 {
				t.Fatalf("expected some pays to unknown agents")
			}
			if rep.Rejected[sim.OpComplete][engine.CodeStageConflict] == 0 {
				t.Fatalf("expected some stage conflicts on complete")
			}
			if rep.Transactions != seen {
				t.Fatalf("report counts %d transactions, observed %d", rep.Transactions, seen)
			}
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	a, err := sim.Run(context.Background(), newSession(t, domain.BurnStrict), defaultOptions(500))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := sim.Run(context.Background(), newSession(t, domain.BurnStrict), defaultOptions(500))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(a.Applied, b.Applied) || !reflect.DeepEqual(a.Rejected, b.Rejected) {
		t.Fatalf("same seed gave different outcomes")
	}
	if !a.FinalBalance.Equal(b.FinalBalance) || !a.Clock.Equal(b.Clock) {
		t.Fatalf("same seed gave different end state: %s@%s vs %s@%s", a.FinalBalance, a.Clock, b.FinalBalance, b.Clock)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := sim.Run(ctx, newSession(t, domain.BurnStrict), defaultOptions(10))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Steps != 0 {
		t.Fatalf("expected no steps, got %d", rep.Steps)
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	opts := defaultOptions(10)
	opts.PayMin, opts.PayMax = decimal.NewFromInt(10), decimal.NewFromInt(1)
	if _, err := sim.Run(context.Background(), newSession(t, domain.BurnStrict), opts); err == nil {
		t.Fatalf("expected error for inverted pay range")
	}
}

// brokenTarget posts a ledger line that overdraws the treasury.
type brokenTarget struct {
	*app.Session
	bad []domain.Transaction
}

func (b *brokenTarget) TransactionsSince(n int) []domain.Transaction {
	if n >= len(b.bad) {
		return nil
	}
	return b.bad[n:]
}

func TestRunDetectsBrokenLedger(t *testing.T) {
	s := newSession(t, domain.BurnStrict)
	target := &brokenTarget{Session: s, bad: []domain.Transaction{{
		ID:           1,
		Kind:         domain.TxPayroll,
		Amount:       decimal.NewFromInt(-20000),
		BalanceAfter: decimal.NewFromInt(-10000),
	}}}
	_, err := sim.Run(context.Background(), target, defaultOptions(5))
	if err == nil || !sim.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
