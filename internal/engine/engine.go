package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

const (
	defaultBurnWindowHours = 72
	// maxElapsedHours keeps the simulated clock inside time.Duration range.
	maxElapsedHours = 1 << 21
)

var teamBonusShare = decimal.RequireFromString("0.1")

// Options configures a new Engine. Zero values select the defaults.
type Options struct {
	BaselineHourlyBurn decimal.Decimal
	BurnPolicy         domain.BurnPolicy
	BurnWindowHours    int
	Epoch              time.Time
	Now                func() time.Time
}

// Engine owns the economy state. It is not safe for concurrent use; hosts
// serialize every call behind a single lock.
type Engine struct {
	Now func() time.Time

	treasury domain.Treasury
	agents   map[string]domain.Agent
	projects map[string]domain.Project
	ledger   []domain.Transaction
	impact   []domain.ImpactRecord
	settings domain.Settings
	elapsed  int
	nextTxID int64
}

// New builds an engine from the opening treasury, roster and projects.
func New(treasury domain.Treasury, agents []domain.Agent, projects []domain.Project, opts Options) (*Engine, error) {
	treasury, err := domain.NewTreasury(treasury.StartCapital, treasury.Balance)
	if err != nil {
		return nil, err
	}
	settings, err := resolveSettings(opts)
	if err != nil {
		return nil, err
	}
	settings.OpeningBalance = treasury.Balance
	e := &Engine{
		Now:      opts.Now,
		treasury: treasury,
		agents:   make(map[string]domain.Agent, len(agents)),
		projects: make(map[string]domain.Project, len(projects)),
		ledger:   []domain.Transaction{},
		impact:   []domain.ImpactRecord{},
		nextTxID: 1,
	}
	if settings.Epoch.IsZero() {
		settings.Epoch = e.now().UTC().Truncate(time.Second)
	}
	e.settings = settings
	for _, in := range agents {
		a, err := domain.NewAgent(in)
		if err != nil {
			return nil, err
		}
		if _, ok := e.agents[a.ID]; ok {
			return nil, fmt.Errorf("%w: agent %s", ErrDuplicateID, a.ID)
		}
		e.agents[a.ID] = a
	}
	for _, in := range projects {
		p, err := domain.NewProject(in)
		if err != nil {
			return nil, err
		}
		if _, ok := e.projects[p.ID]; ok {
			return nil, fmt.Errorf("%w: project %s", ErrDuplicateID, p.ID)
		}
		e.projects[p.ID] = p
	}
	return e, nil
}

func resolveSettings(opts Options) (domain.Settings, error) {
	s := domain.Settings{
		BaselineHourlyBurn: opts.BaselineHourlyBurn,
		BurnPolicy:         opts.BurnPolicy,
		BurnWindowHours:    opts.BurnWindowHours,
		Epoch:              opts.Epoch.UTC(),
	}
	if s.BaselineHourlyBurn.IsNegative() {
		return s, fmt.Errorf("%w: baseline hourly burn %s is negative", ErrInvalidAmount, s.BaselineHourlyBurn)
	}
	if s.BurnPolicy == "" {
		s.BurnPolicy = domain.BurnStrict
	}
	if !s.BurnPolicy.Valid() {
		return s, fmt.Errorf("%w: unknown burn policy %q", domain.ErrInvalid, s.BurnPolicy)
	}
	if s.BurnWindowHours < 0 {
		return s, fmt.Errorf("%w: burn window %d is negative", ErrInvalidHours, s.BurnWindowHours)
	}
	if s.BurnWindowHours == 0 {
		s.BurnWindowHours = defaultBurnWindowHours
	}
	return s, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Clock returns the current simulated time.
func (e *Engine) Clock() time.Time {
	return e.settings.Epoch.Add(time.Duration(e.elapsed) * time.Hour)
}

// Balance returns the current treasury balance.
func (e *Engine) Balance() decimal.Decimal { return e.treasury.Balance }

// Settings returns the parameters the engine was built with.
func (e *Engine) Settings() domain.Settings { return e.settings }

// LedgerLen is the number of posted transactions.
func (e *Engine) LedgerLen() int { return len(e.ledger) }

// ImpactLen is the number of impact records.
func (e *Engine) ImpactLen() int { return len(e.impact) }

// TransactionsSince returns a copy of the ledger entries posted after the first n.
func (e *Engine) TransactionsSince(n int) []domain.Transaction {
	if n < 0 {
		n = 0
	}
	if n >= len(e.ledger) {
		return nil
	}
	return append([]domain.Transaction(nil), e.ledger[n:]...)
}

// ImpactSince returns a copy of the impact records appended after the first n.
func (e *Engine) ImpactSince(n int) []domain.ImpactRecord {
	if n < 0 {
		n = 0
	}
	if n >= len(e.impact) {
		return nil
	}
	return append([]domain.ImpactRecord(nil), e.impact[n:]...)
}

// Project returns the current value of a project.
func (e *Engine) Project(id string) (domain.Project, error) {
	p, ok := e.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	return p.Clone(), nil
}

// Agent returns the current value of an agent.
func (e *Engine) Agent(id string) (domain.Agent, error) {
	a, ok := e.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// AddProject registers a new pipeline project after construction.
func (e *Engine) AddProject(p domain.Project) (domain.Project, error) {
	p, err := domain.NewProject(p)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Stage != domain.StagePipeline {
		return domain.Project{}, &StageError{ProjectID: p.ID, Op: opAdd, Stage: p.Stage, Want: domain.StagePipeline}
	}
	if _, ok := e.projects[p.ID]; ok {
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrDuplicateID, p.ID)
	}
	e.projects[p.ID] = p
	return p.Clone(), nil
}

// StartProject moves a pipeline project to active and pays its cost.
func (e *Engine) StartProject(id string) (domain.Project, error) {
	p, err := e.Project(id)
	if err != nil {
		return domain.Project{}, err
	}
	next, err := ensureStageTransition(p, opStart)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.ensureFunds(opStart+" project "+p.ID, p.Cost); err != nil {
		return domain.Project{}, err
	}

	// Every check has passed; nothing below can fail.
	e.post(domain.TxProjectCost, p.Cost.Neg(), p.ID, "Kickoff for "+p.Name, decimal.Zero)
	startedAt := e.Clock()
	p.Stage = next
	p.StartedAt = &startedAt
	e.projects[p.ID] = p
	for _, agentID := range p.Team {
		a, ok := e.agents[agentID]
		if !ok {
			continue
		}
		a.Status = domain.StatusActive
		a.CurrentTask = p.Name
		e.agents[agentID] = a
	}
	return p.Clone(), nil
}

// CompleteProject moves an active project to completed, books its value and
// records its impact.
func (e *Engine) CompleteProject(id string) (domain.ImpactRecord, error) {
	p, err := e.Project(id)
	if err != nil {
		return domain.ImpactRecord{}, err
	}
	next, err := ensureStageTransition(p, opComplete)
	if err != nil {
		return domain.ImpactRecord{}, err
	}

	e.post(domain.TxProjectRevenue, p.Value, p.ID, "Revenue from "+p.Name, decimal.Zero)
	completedAt := e.Clock()
	p.Stage = next
	p.CompletedAt = &completedAt
	e.projects[p.ID] = p

	if len(p.Team) > 0 {
		bonus := p.Value.Mul(teamBonusShare).Div(decimal.NewFromInt(int64(len(p.Team))))
		for _, agentID := range p.Team {
			a, ok := e.agents[agentID]
			if !ok {
				continue
			}
			a.Status = domain.StatusIdle
			a.CurrentTask = ""
			a.Performance.ProjectsCompleted++
			a.Performance.Earned = a.Performance.Earned.Add(bonus)
			e.agents[agentID] = a
		}
	}

	roi := decimal.Zero
	if !p.Cost.IsZero() {
		roi = p.Value.Div(p.Cost).Round(4)
	}
	rec := domain.ImpactRecord{
		ProjectID:   p.ID,
		ImpactScore: p.ImpactScore,
		Value:       p.Value,
		ROI:         roi,
		Notes:       fmt.Sprintf("Project %s delivered", p.Name),
		CompletedAt: completedAt,
	}
	e.impact = append(e.impact, rec)
	return rec, nil
}

// PauseProject parks an active project. No money moves.
func (e *Engine) PauseProject(id string) (domain.Project, error) {
	return e.moveStage(id, opPause)
}

// ResumeProject returns a paused project to active. No money moves.
func (e *Engine) ResumeProject(id string) (domain.Project, error) {
	return e.moveStage(id, opResume)
}

func (e *Engine) moveStage(id, op string) (domain.Project, error) {
	p, err := e.Project(id)
	if err != nil {
		return domain.Project{}, err
	}
	next, err := ensureStageTransition(p, op)
	if err != nil {
		return domain.Project{}, err
	}
	p.Stage = next
	e.projects[p.ID] = p
	return p.Clone(), nil
}

// PayAgent debits amount from the treasury as payroll for an agent.
func (e *Engine) PayAgent(agentID string, amount decimal.Decimal, reason string) (domain.Transaction, error) {
	if !amount.IsPositive() {
		return domain.Transaction{}, fmt.Errorf("%w: pay amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	a, err := e.Agent(agentID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.ensureFunds("pay agent "+a.ID, amount); err != nil {
		return domain.Transaction{}, err
	}
	if reason == "" {
		reason = "Payroll for " + a.Name
	}
	tx := e.post(domain.TxPayroll, amount.Neg(), a.ID, reason, decimal.Zero)
	a.Performance.Earned = a.Performance.Earned.Add(amount)
	e.agents[a.ID] = a
	return tx, nil
}

// AdvanceTime moves the simulated clock forward and charges the baseline
// burn for the elapsed hours. The returned transaction has ID 0 when no
// burn was posted.
func (e *Engine) AdvanceTime(hours int) (domain.Transaction, error) {
	if hours <= 0 {
		return domain.Transaction{}, fmt.Errorf("%w: hours must be positive, got %d", ErrInvalidHours, hours)
	}
	if hours > maxElapsedHours-e.elapsed {
		return domain.Transaction{}, fmt.Errorf("%w: advancing %d hours overflows the simulated clock", ErrInvalidHours, hours)
	}
	burn := e.settings.BaselineHourlyBurn.Mul(decimal.NewFromInt(int64(hours)))
	charge, shortfall := burn, decimal.Zero
	if burn.GreaterThan(e.treasury.Balance) {
		if e.settings.BurnPolicy != domain.BurnClamp {
			return domain.Transaction{}, &FundsError{Op: fmt.Sprintf("burn for %dh", hours), Need: burn, Available: e.treasury.Balance}
		}
		charge = e.treasury.Balance
		shortfall = burn.Sub(charge)
	}

	e.elapsed += hours
	if burn.IsZero() {
		return domain.Transaction{}, nil
	}
	return e.post(domain.TxBurn, charge.Neg(), "", fmt.Sprintf("Operational runway burn for %dh", hours), shortfall), nil
}

func (e *Engine) ensureFunds(op string, amount decimal.Decimal) error {
	if e.treasury.Balance.Sub(amount).IsNegative() {
		return &FundsError{Op: op, Need: amount, Available: e.treasury.Balance}
	}
	return nil
}

// post appends a ledger line and replaces the treasury. Callers check funds first.
func (e *Engine) post(kind domain.TxKind, amount decimal.Decimal, reference, description string, shortfall decimal.Decimal) domain.Transaction {
	balance := e.treasury.Balance.Add(amount)
	tx := domain.Transaction{
		ID:           e.nextTxID,
		Timestamp:    e.Clock(),
		Kind:         kind,
		Amount:       amount,
		Reference:    reference,
		BalanceAfter: balance,
		Description:  description,
		Shortfall:    shortfall,
	}
	e.nextTxID++
	e.ledger = append(e.ledger, tx)
	e.treasury = e.treasury.WithBalance(balance)
	return tx
}

// Snapshot returns a deep copy of the current state with derived metrics.
// It depends on state only; GeneratedAt is left for the host to stamp.
func (e *Engine) Snapshot() domain.EconomySnapshot {
	agents := make(map[string]domain.Agent, len(e.agents))
	for id, a := range e.agents {
		agents[id] = a
	}
	projects := make(map[string]domain.Project, len(e.projects))
	for id, p := range e.projects {
		projects[id] = p.Clone()
	}
	snap := domain.EconomySnapshot{
		Treasury:     e.treasury,
		Agents:       agents,
		Projects:     projects,
		Transactions: append([]domain.Transaction{}, e.ledger...),
		Impact:       append([]domain.ImpactRecord{}, e.impact...),
		Settings:     e.settings,
		Clock:        e.Clock(),
		ElapsedHours: e.elapsed,
	}
	snap.Metrics = computeMetrics(snap)
	return snap
}
