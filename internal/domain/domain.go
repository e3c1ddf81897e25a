package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalid is wrapped by every construction-time validation failure.
var ErrInvalid = errors.New("invalid record")

type Stage string

const (
	StagePipeline  Stage = "pipeline"
	StageActive    Stage = "active"
	StagePaused    Stage = "paused"
	StageCompleted Stage = "completed"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{StagePipeline, StageActive, StagePaused, StageCompleted}

func (s Stage) Valid() bool {
	switch s {
	case StagePipeline, StageActive, StagePaused, StageCompleted:
		return true
	}
	return false
}

type TxKind string

const (
	TxProjectCost    TxKind = "project_cost"
	TxProjectRevenue TxKind = "project_revenue"
	TxPayroll        TxKind = "payroll"
	TxBurn           TxKind = "burn"
)

// Agent status labels written by the engine. Other values are kept as-is.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

type Treasury struct {
	StartCapital decimal.Decimal `json:"start_capital"`
	Balance      decimal.Decimal `json:"balance"`
}

// NewTreasury validates and returns a treasury value.
func NewTreasury(startCapital, balance decimal.Decimal) (Treasury, error) {
	if startCapital.IsNegative() {
		return Treasury{}, fmt.Errorf("%w: start capital %s is negative", ErrInvalid, startCapital)
	}
	if balance.IsNegative() {
		return Treasury{}, fmt.Errorf("%w: balance %s is negative", ErrInvalid, balance)
	}
	return Treasury{StartCapital: startCapital, Balance: balance}, nil
}

// WithBalance returns a copy of t holding balance b.
func (t Treasury) WithBalance(b decimal.Decimal) Treasury {
	t.Balance = b
	return t
}

type Performance struct {
	Earned            decimal.Decimal `json:"earned"`
	ProjectsCompleted int             `json:"projects_completed"`
}

type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Status      string      `json:"status"`
	EquityShare float64     `json:"equity_share"`
	Founder     bool        `json:"founder"`
	CurrentTask string      `json:"current_task,omitempty"`
	Performance Performance `json:"performance"`
}

// NewAgent validates a and fills defaults. Status and role are free-form.
func NewAgent(a Agent) (Agent, error) {
	if a.ID == "" {
		return Agent{}, fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	if a.EquityShare < 0 || a.EquityShare > 1 {
		return Agent{}, fmt.Errorf("%w: agent %s equity share %v outside [0,1]", ErrInvalid, a.ID, a.EquityShare)
	}
	if a.Performance.Earned.IsNegative() || a.Performance.ProjectsCompleted < 0 {
		return Agent{}, fmt.Errorf("%w: agent %s has negative performance counters", ErrInvalid, a.ID)
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	return a, nil
}

type Project struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Stage       Stage           `json:"stage"`
	Cost        decimal.Decimal `json:"cost"`
	Value       decimal.Decimal `json:"value"`
	ImpactScore int             `json:"impact_score"`
	Team        []string        `json:"team"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewProject validates p, defaults the stage to pipeline and collapses
// duplicate team members while keeping their first-seen order.
func NewProject(p Project) (Project, error) {
	if p.ID == "" {
		return Project{}, fmt.Errorf("%w: project id is required", ErrInvalid)
	}
	if p.Stage == "" {
		p.Stage = StagePipeline
	}
	if !p.Stage.Valid() {
		return Project{}, fmt.Errorf("%w: project %s has unknown stage %q", ErrInvalid, p.ID, p.Stage)
	}
	if p.Cost.IsNegative() {
		return Project{}, fmt.Errorf("%w: project %s cost %s is negative", ErrInvalid, p.ID, p.Cost)
	}
	if p.Value.IsNegative() {
		return Project{}, fmt.Errorf("%w: project %s value %s is negative", ErrInvalid, p.ID, p.Value)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	seen := make(map[string]bool, len(p.Team))
	team := make([]string, 0, len(p.Team))
	for _, id := range p.Team {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		team = append(team, id)
	}
	p.Team = team
	return p.Clone(), nil
}

// Clone returns a copy of p that shares no memory with it.
func (p Project) Clone() Project {
	p.Team = append([]string(nil), p.Team...)
	if p.Team == nil {
		p.Team = []string{}
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		p.StartedAt = &ts
	}
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		p.CompletedAt = &ts
	}
	return p
}

// Transaction is one ledger line. Amount is signed: debits are negative.
type Transaction struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         TxKind          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description,omitempty"`
	Shortfall    decimal.Decimal `json:"shortfall,omitzero"`
}

type ImpactRecord struct {
	ProjectID   string          `json:"project_id"`
	ImpactScore int             `json:"impact_score"`
	Value       decimal.Decimal `json:"value"`
	ROI         decimal.Decimal `json:"roi"`
	Notes       string          `json:"notes,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

type BurnPolicy string

const (
	// BurnStrict rejects a burn the treasury cannot cover.
	BurnStrict BurnPolicy = "strict"
	// BurnClamp takes what is left and records the rest as shortfall.
	BurnClamp BurnPolicy = "clamp"
)

func (p BurnPolicy) Valid() bool {
	return p == BurnStrict || p == BurnClamp
}

// Settings are the engine parameters a snapshot needs to be restored.
type Settings struct {
	OpeningBalance     decimal.Decimal `json:"opening_balance"`
	BaselineHourlyBurn decimal.Decimal `json:"baseline_hourly_burn"`
	BurnPolicy         BurnPolicy      `json:"burn_policy"`
	BurnWindowHours    int             `json:"burn_window_hours"`
	Epoch              time.Time       `json:"epoch"`
}

type Metrics struct {
	BurnRate          decimal.Decimal  `json:"burn_rate"`
	RunwayHours       *decimal.Decimal `json:"runway_hours"`
	ProfitMargin      decimal.Decimal  `json:"profit_margin"`
	TotalRevenue      decimal.Decimal  `json:"total_revenue"`
	TotalCost         decimal.Decimal  `json:"total_cost"`
	PipelineProjects  int              `json:"pipeline_projects"`
	ActiveProjects    int              `json:"active_projects"`
	PausedProjects    int              `json:"paused_projects"`
	CompletedProjects int              `json:"completed_projects"`
	TotalImpactScore  int              `json:"total_impact_score"`
}

// EconomySnapshot is a point-in-time copy of the whole economy.
type EconomySnapshot struct {
	Treasury     Treasury           `json:"treasury"`
	Agents       map[string]Agent   `json:"agents"`
	Projects     map[string]Project `json:"projects"`
	Transactions []Transaction      `json:"transactions"`
	Impact       []ImpactRecord     `json:"impact"`
	Metrics      Metrics            `json:"metrics"`
	Settings     Settings           `json:"settings"`
	Clock        time.Time          `json:"clock"`
	ElapsedHours int                `json:"elapsed_hours"`
	// GeneratedAt is the wall-clock time the snapshot left the host. The
	// engine never sets it.
	GeneratedAt  time.Time          `json:"generated_at"`
}

// SortedAgents returns the roster ordered by id.
func (s EconomySnapshot) SortedAgents() []Agent {
	out := make([]Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProjectsInStage returns the projects in stage ordered by id.
func (s EconomySnapshot) ProjectsInStage(stage Stage) []Project {
	var out []Project
	for _, p := range s.Projects {
		if p.Stage == stage {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedProjects returns every project ordered by id.
func (s EconomySnapshot) SortedProjects() []Project {
	out := make([]Project, 0, len(s.Projects))
	for _, p := range s.Projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
