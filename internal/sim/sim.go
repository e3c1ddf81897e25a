// Package sim drives an economy with random operations and checks the ledger
// invariants after every step.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
	"becoin/internal/engine"
)

// Target is what the driver needs from a host. *app.Session satisfies it.
type Target interface {
	StartProject(ctx context.Context, id string) (domain.Project, error)
	CompleteProject(ctx context.Context, id string) (domain.ImpactRecord, error)
	PayAgent(ctx context.Context, id string, amount decimal.Decimal, reason string) (domain.Transaction, error)
	AdvanceTime(ctx context.Context, hours int) (domain.Transaction, error)
	TransactionsSince(n int) []domain.Transaction
	Snapshot() domain.EconomySnapshot
}

// Operation names drawn by the driver.
const (
	OpStart    = "start"
	OpComplete = "complete"
	OpPay      = "pay"
	OpAdvance  = "advance"
)

var ops = []string{OpStart, OpComplete, OpPay, OpAdvance}

// Unknown ids mixed into the pools so lookups fail too.
const (
	UnknownAgent   = "AGENT-UNKNOWN"
	UnknownProject = "PRJ-UNKNOWN"
)

type Options struct {
	Steps      int
	Seed       int64
	AgentIDs   []string
	ProjectIDs []string
	PayMin     decimal.Decimal
	PayMax     decimal.Decimal
	Hours      []int
	// FullVerifyEvery runs engine.Verify on a full snapshot every n steps.
	// Zero means only at the end.
	FullVerifyEvery int
	// OnStep, when set, is called after every step.
	OnStep func(step int, op string, err error)
}

type Report struct {
	Steps        int                       `json:"steps"`
	Seed         int64                     `json:"seed"`
	Applied      map[string]int            `json:"applied"`
	Rejected     map[string]map[string]int `json:"rejected"`
	Transactions int                       `json:"transactions"`
	FinalBalance decimal.Decimal           `json:"final_balance"`
	MinBalance   decimal.Decimal           `json:"min_balance"`
	Clock        time.Time                 `json:"clock"`
	Elapsed      time.Duration             `json:"elapsed_ns"`
}

// Run issues opts.Steps random operations against target. Engine rejections
// are counted; an invariant violation or an unclassified error stops the run.
func Run(ctx context.Context, target Target, opts Options) (Report, error) {
	if opts.Steps < 0 {
		return Report{}, fmt.Errorf("steps must not be negative")
	}
	if len(opts.Hours) == 0 {
		opts.Hours = []int{1}
	}
	if opts.PayMax.LessThan(opts.PayMin) {
		return Report{}, fmt.Errorf("pay range %s..%s is empty", opts.PayMin, opts.PayMax)
	}
	agents := append(append([]string(nil), opts.AgentIDs...), UnknownAgent)
	projects := append(append([]string(nil), opts.ProjectIDs...), UnknownProject)
	rng := rand.New(rand.NewPCG(uint64(opts.Seed), uint64(opts.Seed)^0x9e3779b97f4a7c15))

	began := time.Now()
	snap := target.Snapshot()
	chk := newChecker(snap.Settings.OpeningBalance)
	if err := chk.feed(target.TransactionsSince(0)); err != nil {
		return Report{}, fmt.Errorf("existing ledger: %w", err)
	}
	rep := Report{
		Seed:       opts.Seed,
		Applied:    map[string]int{},
		Rejected:   map[string]map[string]int{},
		MinBalance: chk.balance,
	}

	for step := 1; step <= opts.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		op := ops[rng.IntN(len(ops))]
		var err error
		switch op {
		case OpStart:
			_, err = target.StartProject(ctx, projects[rng.IntN(len(projects))])
		case OpComplete:
			_, err = target.CompleteProject(ctx, projects[rng.IntN(len(projects))])
		case OpPay:
			_, err = target.PayAgent(ctx, agents[rng.IntN(len(agents))], randomAmount(rng, opts.PayMin, opts.PayMax), "")
		case OpAdvance:
			_, err = target.AdvanceTime(ctx, opts.Hours[rng.IntN(len(opts.Hours))])
		}
		rep.Steps = step
		if opts.OnStep != nil {
			opts.OnStep(step, op, err)
		}
		if err != nil {
			code := engine.Code(err)
			if code == engine.CodeInternal {
				return rep, fmt.Errorf("step %d (%s): %w", step, op, err)
			}
			if rep.Rejected[op] == nil {
				rep.Rejected[op] = map[string]int{}
			}
			rep.Rejected[op][code]++
		} else {
			rep.Applied[op]++
		}

		if err := chk.feed(target.TransactionsSince(chk.seen)); err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", step, op, err)
		}
		if chk.balance.LessThan(rep.MinBalance) {
			rep.MinBalance = chk.balance
		}
		if opts.FullVerifyEvery > 0 && step%opts.FullVerifyEvery == 0 {
			if err := engine.Verify(target.Snapshot()); err != nil {
				return rep, fmt.Errorf("step %d (%s): %w", step, op, err)
			}
		}
	}

	final := target.Snapshot()
	if err := engine.Verify(final); err != nil {
		return rep, fmt.Errorf("final state: %w", err)
	}
	rep.Transactions = len(final.Transactions)
	rep.FinalBalance = final.Treasury.Balance
	rep.Clock = final.Clock
	rep.Elapsed = time.Since(began)
	return rep, nil
}

// randomAmount draws a whole-cent amount in [lo, hi], never below one cent.
func randomAmount(rng *rand.Rand, lo, hi decimal.Decimal) decimal.Decimal {
	cents := hi.Sub(lo).Shift(2).IntPart()
	amount := lo
	if cents > 0 {
		amount = lo.Add(decimal.New(rng.Int64N(cents+1), -2))
	}
	if !amount.IsPositive() {
		amount = decimal.New(1, -2)
	}
	return amount
}

// checker replays new ledger lines as they appear.
type checker struct {
	seen    int
	balance decimal.Decimal
	lastID  int64
	lastTS  time.Time
}

func newChecker(opening decimal.Decimal) *checker {
	return &checker{balance: opening}
}

var errInvariant = errors.New("invariant violated")

func (c *checker) feed(txs []domain.Transaction) error {
	for _, tx := range txs {
		if tx.ID <= c.lastID {
			return fmt.Errorf("%w: transaction id %d after %d", errInvariant, tx.ID, c.lastID)
		}
		if tx.Timestamp.Before(c.lastTS) {
			return fmt.Errorf("%w: transaction %d goes back in time", errInvariant, tx.ID)
		}
		c.balance = c.balance.Add(tx.Amount)
		if !c.balance.Equal(tx.BalanceAfter) {
			return fmt.Errorf("%w: transaction %d balance_after %s, replay gives %s", errInvariant, tx.ID, tx.BalanceAfter, c.balance)
		}
		if c.balance.IsNegative() {
			return fmt.Errorf("%w: balance %s after transaction %d", errInvariant, c.balance, tx.ID)
		}
		c.lastID, c.lastTS = tx.ID, tx.Timestamp
		c.seen++
	}
	return nil
}

// IsInvariantViolation reports whether err came from a broken ledger invariant.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, errInvariant) || errors.Is(err, engine.ErrLedgerMismatch)
}
