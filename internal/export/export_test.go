package export_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/export"
)

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func sampleSnapshot(t *testing.T) domain.EconomySnapshot {
	t.Helper()
	treasury, err := domain.NewTreasury(decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	mustOK(t, err)
	agents := []domain.Agent{
		{ID: "AGENT-001", Name: "CEO-Sales", Role: "Revenue Strategist", EquityShare: 0.4, Founder: true},
		{ID: "AGENT-002", Name: "CTO-Engineer", Role: "Platform Engineer", EquityShare: 0.35, Founder: true},
		{ID: "AGENT-101", Name: "Ops Analyst", Role: "Operations"},
	}
	projects := []domain.Project{
		{ID: "PRJ-ALPHA", Name: "Enterprise Outreach", Cost: decimal.NewFromInt(1500), Value: decimal.NewFromInt(3500), ImpactScore: 72, Team: []string{"AGENT-001", "AGENT-101"}},
		{ID: "PRJ-BETA", Name: "Automation Toolkit", Cost: decimal.NewFromInt(2200), Value: decimal.NewFromInt(6200), ImpactScore: 88, Team: []string{"AGENT-002"}},
		{ID: "PRJ-GAMMA", Name: "Partner Program", Cost: decimal.NewFromInt(300), Value: decimal.NewFromInt(900), ImpactScore: 10},
		{ID: "PRJ-DELTA", Name: "Docs Revamp", Cost: decimal.NewFromInt(100), Value: decimal.NewFromInt(50), ImpactScore: 3},
	}
	eng, err := engine.New(treasury, agents, projects, engine.Options{
		BaselineHourlyBurn: decimal.RequireFromString("12.345"),
		Epoch:              time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	})
	mustOK(t, err)
	for _, id := range []string{"PRJ-ALPHA", "PRJ-BETA", "PRJ-GAMMA"} {
		_, err = eng.StartProject(id)
		mustOK(t, err)
	}
	_, err = eng.PauseProject("PRJ-GAMMA")
	mustOK(t, err)
	_, err = eng.AdvanceTime(3)
	mustOK(t, err)
	_, err = eng.CompleteProject("PRJ-ALPHA")
	mustOK(t, err)
	snap := eng.Snapshot()
	snap.GeneratedAt = time.Date(2025, 2, 1, 12, 30, 45, 999, time.UTC)
	return snap
}

func TestBuildGroupsAndRounds(t *testing.T) {
	d := export.Build(sampleSnapshot(t))

	if len(d.AgentRoster.Founders) != 2 || len(d.AgentRoster.Employees) != 1 {
		t.Fatalf("expected 2 founders and 1 employee, got %d/%d", len(d.AgentRoster.Founders), len(d.AgentRoster.Employees))
	}
	if emp := d.AgentRoster.Employees[0]; emp.ID != "AGENT-101" || emp.CurrentTask != nil {
		t.Fatalf("unexpected employee %+v", emp)
	}
	if task := d.AgentRoster.Founders[1].CurrentTask; task == nil || *task != "Automation Toolkit" {
		t.Fatalf("expected CTO on Automation Toolkit, got %v", task)
	}

	p := d.Projects
	if len(p.Active) != 1 || len(p.Pipeline) != 1 || len(p.Paused) != 1 || len(p.Completed) != 1 {
		t.Fatalf("unexpected grouping active=%d pipeline=%d paused=%d completed=%d", len(p.Active), len(p.Pipeline), len(p.Paused), len(p.Completed))
	}
	if p.Paused[0].ID != "PRJ-GAMMA" {
		t.Fatalf("expected PRJ-GAMMA paused, got %s", p.Paused[0].ID)
	}
	if p.Pipeline[0].Team == nil || len(p.Pipeline[0].Team) != 0 {
		t.Fatalf("expected empty non-nil team, got %#v", p.Pipeline[0].Team)
	}

	if len(d.Treasury.Transactions) != 5 {
		t.Fatalf("expected 5 transactions, got %d", len(d.Treasury.Transactions))
	}
	burn := d.Treasury.Transactions[3]
	if burn.Type != "burn" || burn.Amount.String() != "-37.04" || burn.Timestamp != "2025-01-01T12:00:00Z" {
		t.Fatalf("unexpected burn line %+v", burn)
	}
	if _, ok := burn.Metadata["reference"]; ok {
		t.Fatalf("burn should carry no reference")
	}
	if ref := d.Treasury.Transactions[0].Metadata["reference"]; ref != "PRJ-ALPHA" {
		t.Fatalf("expected PRJ-ALPHA reference, got %v", ref)
	}

	if d.ImpactLedger.TotalImpactScore != 72 {
		t.Fatalf("expected total impact 72, got %d", d.ImpactLedger.TotalImpactScore)
	}
	if roi := d.ImpactLedger.Records[0].ROI.String(); roi != "2.33" {
		t.Fatalf("expected roi 2.33, got %s", roi)
	}

	status := d.OrchestratorStatus
	if status.LastUpdate != "2025-02-01T12:30:45Z" {
		t.Fatalf("unexpected lastUpdate %s", status.LastUpdate)
	}
	if len(status.Agents) != 3 || status.Treasury.Balance != d.Treasury.Balance {
		t.Fatalf("status out of step with treasury: %+v", status)
	}
	if !reflect.DeepEqual(status.ActiveProjects, p.Active) {
		t.Fatalf("status active projects differ from projects payload")
	}
	if d.Treasury.Metrics.RunwayHours == nil {
		t.Fatalf("expected runway with a positive burn")
	}
}

func TestLastUpdateFallsBackToClock(t *testing.T) {
	snap := sampleSnapshot(t)
	snap.GeneratedAt = time.Time{}
	d := export.Build(snap)
	if d.OrchestratorStatus.LastUpdate != d.OrchestratorStatus.Clock {
		t.Fatalf("expected lastUpdate %s to match clock %s", d.OrchestratorStatus.LastUpdate, d.OrchestratorStatus.Clock)
	}
}

func TestRenderProducesNumbers(t *testing.T) {
	d := export.Build(sampleSnapshot(t))
	raw, err := d.Render(export.TreasuryFile)
	mustOK(t, err)
	var decoded map[string]any
	mustOK(t, json.Unmarshal(raw, &decoded))
	if _, ok := decoded["balance"].(float64); !ok {
		t.Fatalf("balance should be a JSON number, got %T", decoded["balance"])
	}
	metrics := decoded["metrics"].(map[string]any)
	if _, ok := metrics["burnRate"].(float64); !ok {
		t.Fatalf("burnRate should be a JSON number, got %T", metrics["burnRate"])
	}

	if _, err := d.Render("secrets.json"); !errors.Is(err, export.ErrUnknownPayload) {
		t.Fatalf("expected ErrUnknownPayload, got %v", err)
	}
}

func TestRunwayIsNullWithoutBurn(t *testing.T) {
	treasury, err := domain.NewTreasury(decimal.NewFromInt(5), decimal.NewFromInt(5))
	mustOK(t, err)
	eng, err := engine.New(treasury, nil, nil, engine.Options{})
	mustOK(t, err)
	raw, err := export.Build(eng.Snapshot()).Render(export.StatusFile)
	mustOK(t, err)
	var decoded struct {
		Agents   []any `json:"agents"`
		Treasury struct {
			Metrics map[string]any `json:"metrics"`
		} `json:"treasury"`
		ActiveProjects []any `json:"activeProjects"`
	}
	mustOK(t, json.Unmarshal(raw, &decoded))
	runway, ok := decoded.Treasury.Metrics["runwayHours"]
	if !ok || runway != nil {
		t.Fatalf("expected runwayHours present and null, got %v (present=%v)", runway, ok)
	}
	if decoded.Agents == nil || decoded.ActiveProjects == nil {
		t.Fatalf("empty lists should render as [] not null")
	}
}

func TestWriteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dashboard")
	paths, err := export.WriteDir(dir, sampleSnapshot(t))
	mustOK(t, err)
	if len(paths) != len(export.Names) {
		t.Fatalf("expected %d files, got %d", len(export.Names), len(paths))
	}
	for i, name := range export.Names {
		if want := filepath.Join(dir, name); paths[i] != want {
			t.Fatalf("expected %s, got %s", want, paths[i])
		}
		data, err := os.ReadFile(paths[i])
		mustOK(t, err)
		if !json.Valid(data) {
			t.Fatalf("%s is not valid JSON", name)
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	mustOK(t, err)
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}
