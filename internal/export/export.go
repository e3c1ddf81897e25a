// Package export reshapes an economy snapshot into the dashboard payloads.
// It only reads snapshots.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

// Payload file names, in the order they are written.
const (
	TreasuryFile     = "treasury.json"
	AgentRosterFile  = "agent-roster.json"
	ProjectsFile     = "projects.json"
	ImpactLedgerFile = "impact-ledger.json"
	StatusFile       = "orchestrator-status.json"
)

var Names = []string{TreasuryFile, AgentRosterFile, ProjectsFile, ImpactLedgerFile, StatusFile}

type Metrics struct {
	BurnRate     json.Number  `json:"burnRate"`
	RunwayHours  *json.Number `json:"runwayHours"`
	ProfitMargin json.Number  `json:"profitMargin"`
}

type Transaction struct {
	ID          int64          `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Type        string         `json:"type"`
	Amount      json.Number    `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type Treasury struct {
	Balance      json.Number   `json:"balance"`
	StartCapital json.Number   `json:"startCapital"`
	Metrics      Metrics       `json:"metrics"`
	Transactions []Transaction `json:"transactions"`
}

type Performance struct {
	BecoinEarned      json.Number `json:"becoinEarned"`
	ProjectsCompleted int         `json:"projectsCompleted"`
}

type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Status      string      `json:"status"`
	EquityShare float64     `json:"equityShare"`
	CurrentTask *string     `json:"current_task"`
	Performance Performance `json:"performance"`
}

type AgentRoster struct {
	Founders  []Agent `json:"founders"`
	Employees []Agent `json:"employees"`
}

type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Stage       string      `json:"stage"`
	Cost        json.Number `json:"cost"`
	Value       json.Number `json:"value"`
	ImpactScore int         `json:"impactScore"`
	Team        []string    `json:"team"`
}

type Projects struct {
	Active    []Project `json:"active"`
	Pipeline  []Project `json:"pipeline"`
	Paused    []Project `json:"paused"`
	Completed []Project `json:"completed"`
}

type ImpactRecord struct {
	ProjectID   string      `json:"projectId"`
	ImpactScore int         `json:"impactScore"`
	Value       json.Number `json:"value"`
	ROI         json.Number `json:"roi"`
	Notes       string      `json:"notes"`
	Timestamp   string      `json:"timestamp"`
}

type ImpactLedger struct {
	Records          []ImpactRecord `json:"records"`
	TotalImpactScore int            `json:"totalImpactScore"`
}

type TreasurySummary struct {
	Balance json.Number `json:"balance"`
	Metrics Metrics     `json:"metrics"`
}

type OrchestratorStatus struct {
	LastUpdate     string          `json:"lastUpdate"`
	Clock          string          `json:"clock"`
	Agents         []Agent         `json:"agents"`
	Treasury       TreasurySummary `json:"treasury"`
	ActiveProjects []Project       `json:"activeProjects"`
}

// Dashboard is the full set of payloads for one snapshot.
type Dashboard struct {
	Treasury           Treasury           `json:"treasury"`
	AgentRoster        AgentRoster        `json:"agent_roster"`
	Projects           Projects           `json:"projects"`
	ImpactLedger       ImpactLedger       `json:"impact_ledger"`
	OrchestratorStatus OrchestratorStatus `json:"orchestrator_status"`
}

// Build converts a snapshot into dashboard payloads.
func Build(s domain.EconomySnapshot) Dashboard {
	metrics := Metrics{
		BurnRate:     money(s.Metrics.BurnRate),
		ProfitMargin: money(s.Metrics.ProfitMargin),
	}
	if s.Metrics.RunwayHours != nil {
		runway := money(*s.Metrics.RunwayHours)
		metrics.RunwayHours = &runway
	}

	txs := make([]Transaction, 0, len(s.Transactions))
	for _, tx := range s.Transactions {
		meta := map[string]any{"balanceAfter": money(tx.BalanceAfter)}
		if tx.Reference != "" {
			meta["reference"] = tx.Reference
		}
		if !tx.Shortfall.IsZero() {
			meta["shortfall"] = money(tx.Shortfall)
		}
		txs = append(txs, Transaction{
			ID:          tx.ID,
			Timestamp:   stamp(tx.Timestamp),
			Type:        string(tx.Kind),
			Amount:      money(tx.Amount),
			Description: tx.Description,
			Metadata:    meta,
		})
	}
	treasury := Treasury{
		Balance:      money(s.Treasury.Balance),
		StartCapital: money(s.Treasury.StartCapital),
		Metrics:      metrics,
		Transactions: txs,
	}

	roster := AgentRoster{Founders: []Agent{}, Employees: []Agent{}}
	for _, a := range s.SortedAgents() {
		if a.Founder {
			roster.Founders = append(roster.Founders, agent(a))
		} else {
			roster.Employees = append(roster.Employees, agent(a))
		}
	}

	projects := Projects{
		Active:    projectList(s.ProjectsInStage(domain.StageActive)),
		Pipeline:  projectList(s.ProjectsInStage(domain.StagePipeline)),
		Paused:    projectList(s.ProjectsInStage(domain.StagePaused)),
		Completed: projectList(s.ProjectsInStage(domain.StageCompleted)),
	}

	ledger := ImpactLedger{Records: make([]ImpactRecord, 0, len(s.Impact))}
	for _, rec := range s.Impact {
		ledger.Records = append(ledger.Records, ImpactRecord{
			ProjectID:   rec.ProjectID,
			ImpactScore: rec.ImpactScore,
			Value:       money(rec.Value),
			ROI:         money(rec.ROI),
			Notes:       rec.Notes,
			Timestamp:   stamp(rec.CompletedAt),
		})
		ledger.TotalImpactScore += rec.ImpactScore
	}

	everyone := append(append([]Agent{}, roster.Founders...), roster.Employees...)
	updated := s.GeneratedAt
	if updated.IsZero() {
		updated = s.Clock
	}
	return Dashboard{
		Treasury:     treasury,
		AgentRoster:  roster,
		Projects:     projects,
		ImpactLedger: ledger,
		OrchestratorStatus: OrchestratorStatus{
			LastUpdate:     stamp(updated),
			Clock:          stamp(s.Clock),
			Agents:         everyone,
			Treasury:       TreasurySummary{Balance: treasury.Balance, Metrics: metrics},
			ActiveProjects: projects.Active,
		},
	}
}

// Payload returns the payload stored under a file name.
func (d Dashboard) Payload(name string) (any, error) {
	switch name {
	case TreasuryFile:
		return d.Treasury, nil
	case AgentRosterFile:
		return d.AgentRoster, nil
	case ProjectsFile:
		return d.Projects, nil
	case ImpactLedgerFile:
		return d.ImpactLedger, nil
	case StatusFile:
		return d.OrchestratorStatus, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, name)
}

// Render encodes one payload as indented JSON.
func (d Dashboard) Render(name string) ([]byte, error) {
	payload, err := d.Payload(name)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return append(out, '\n'), nil
}

// WriteDir writes every payload into dir and returns the written paths. Each
// file is written to a temp name and renamed into place.
func WriteDir(dir string, s domain.EconomySnapshot) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := Build(s)
	paths := make([]string, 0, len(Names))
	for _, name := range Names {
		data, err := d.Render(name)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return paths, err
		}
		if err := os.Rename(tmp, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func agent(a domain.Agent) Agent {
	var task *string
	if a.CurrentTask != "" {
		t := a.CurrentTask
		task = &t
	}
	return Agent{
		ID:          a.ID,
		Name:        a.Name,
		Role:        a.Role,
		Status:      a.Status,
		EquityShare: a.EquityShare,
		CurrentTask: task,
		Performance: Performance{
			BecoinEarned:      money(a.Performance.Earned),
			ProjectsCompleted: a.Performance.ProjectsCompleted,
		},
	}
}

func projectList(in []domain.Project) []Project {
	out := make([]Project, 0, len(in))
	for _, p := range in {
		team := append([]string{}, p.Team...)
		out = append(out, Project{
			ID:          p.ID,
			Name:        p.Name,
			Stage:       string(p.Stage),
			Cost:        money(p.Cost),
			Value:       money(p.Value),
			ImpactScore: p.ImpactScore,
			Team:        team,
		})
	}
	return out
}

// money renders an amount rounded to cents as a JSON number.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.Round(2).String())
}

func stamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
