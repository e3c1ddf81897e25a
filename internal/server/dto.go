package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string   `json:"id" minLength:"1"`
	Name        string   `json:"name,omitempty"`
	Cost        string   `json:"cost" example:"1500"`
	Value       string   `json:"value" example:"3500"`
	ImpactScore int      `json:"impact_score,omitempty"`
	Team        []string `json:"team,omitempty"`
}

type PayAgentRequest struct {
	Amount string `json:"amount" example:"250.00"`
	Reason string `json:"reason,omitempty"`
}

type AdvanceClockRequest struct {
	Hours int `json:"hours" example:"24"`
}

// Response payloads. Money is rendered as decimal strings.

type TreasuryResponse struct {
	StartCapital string `json:"start_capital"`
	Balance      string `json:"balance"`
}

type PerformanceResponse struct {
	Earned            string `json:"earned"`
	ProjectsCompleted int    `json:"projects_completed"`
}

type AgentResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Role        string              `json:"role"`
	Status      string              `json:"status"`
	EquityShare float64             `json:"equity_share"`
	Founder     bool                `json:"founder"`
	CurrentTask string              `json:"current_task,omitempty"`
	Performance PerformanceResponse `json:"performance"`
}

type ProjectResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Stage       string   `json:"stage" enum:"pipeline,active,paused,completed"`
	Cost        string   `json:"cost"`
	Value       string   `json:"value"`
	ImpactScore int      `json:"impact_score"`
	Team        []string `json:"team"`
	StartedAt   *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

type TransactionResponse struct {
	ID           int64  `json:"id"`
	Timestamp    string `json:"timestamp" format:"date-time"`
	Kind         string `json:"kind" enum:"project_cost,project_revenue,payroll,burn"`
	Amount       string `json:"amount"`
	Reference    string `json:"reference,omitempty"`
	BalanceAfter string `json:"balance_after"`
	Description  string `json:"description,omitempty"`
	Shortfall    string `json:"shortfall,omitempty"`
}

type ImpactResponse struct {
	ProjectID   string `json:"project_id"`
	ImpactScore int    `json:"impact_score"`
	Value       string `json:"value"`
	ROI         string `json:"roi"`
	Notes       string `json:"notes,omitempty"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

type MetricsResponse struct {
	BurnRate          string  `json:"burn_rate"`
	RunwayHours       *string `json:"runway_hours"`
	ProfitMargin      string  `json:"profit_margin"`
	TotalRevenue      string  `json:"total_revenue"`
	TotalCost         string  `json:"total_cost"`
	PipelineProjects  int     `json:"pipeline_projects"`
	ActiveProjects    int     `json:"active_projects"`
	PausedProjects    int     `json:"paused_projects"`
	CompletedProjects int     `json:"completed_projects"`
	TotalImpactScore  int     `json:"total_impact_score"`
}

type SettingsResponse struct {
	OpeningBalance     string `json:"opening_balance"`
	BaselineHourlyBurn string `json:"baseline_hourly_burn"`
	BurnPolicy         string `json:"burn_policy" enum:"strict,clamp"`
	BurnWindowHours    int    `json:"burn_window_hours"`
	Epoch              string `json:"epoch" format:"date-time"`
}

// SnapshotResponse mirrors the JSON layout of domain.EconomySnapshot.
type SnapshotResponse struct {
	Treasury     TreasuryResponse           `json:"treasury"`
	Agents       map[string]AgentResponse   `json:"agents"`
	Projects     map[string]ProjectResponse `json:"projects"`
	Transactions []TransactionResponse      `json:"transactions"`
	Impact       []ImpactResponse           `json:"impact"`
	Metrics      MetricsResponse            `json:"metrics"`
	Settings     SettingsResponse           `json:"settings"`
	Clock        string                     `json:"clock" format:"date-time"`
	ElapsedHours int                        `json:"elapsed_hours"`
	GeneratedAt  string                     `json:"generated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTransactions struct {
	Items      []TransactionResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type VerifyResponse struct {
	OK           bool   `json:"ok"`
	Transactions int    `json:"transactions"`
	Balance      string `json:"balance"`
	Error        string `json:"error,omitempty"`
}

type ExportListResponse struct {
	Names   []string `json:"names"`
	Version uint64   `json:"version"`
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:          a.ID,
		Name:        a.Name,
		Role:        a.Role,
		Status:      a.Status,
		EquityShare: a.EquityShare,
		Founder:     a.Founder,
		CurrentTask: a.CurrentTask,
		Performance: PerformanceResponse{
			Earned:            a.Performance.Earned.String(),
			ProjectsCompleted: a.Performance.ProjectsCompleted,
		},
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	team := append([]string{}, p.Team...)
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Stage:       string(p.Stage),
		Cost:        p.Cost.String(),
		Value:       p.Value.String(),
		ImpactScore: p.ImpactScore,
		Team:        team,
		StartedAt:   stampPtr(p.StartedAt),
		CompletedAt: stampPtr(p.CompletedAt),
	}
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	out := TransactionResponse{
		ID:           t.ID,
		Timestamp:    stamp(t.Timestamp),
		Kind:         string(t.Kind),
		Amount:       t.Amount.String(),
		Reference:    t.Reference,
		BalanceAfter: t.BalanceAfter.String(),
		Description:  t.Description,
	}
	if !t.Shortfall.IsZero() {
		out.Shortfall = t.Shortfall.String()
	}
	return out
}

func mapTransactions(items []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, transactionResponse(t))
	}
	return out
}

func impactResponse(r domain.ImpactRecord) ImpactResponse {
	return ImpactResponse{
		ProjectID:   r.ProjectID,
		ImpactScore: r.ImpactScore,
		Value:       r.Value.String(),
		ROI:         r.ROI.String(),
		Notes:       r.Notes,
		CompletedAt: stamp(r.CompletedAt),
	}
}

func metricsResponse(m domain.Metrics) MetricsResponse {
	var runway *string
	if m.RunwayHours != nil {
		s := m.RunwayHours.String()
		runway = &s
	}
	return MetricsResponse{
		BurnRate:          m.BurnRate.String(),
		RunwayHours:       runway,
		ProfitMargin:      m.ProfitMargin.String(),
		TotalRevenue:      m.TotalRevenue.String(),
		TotalCost:         m.TotalCost.String(),
		PipelineProjects:  m.PipelineProjects,
		ActiveProjects:    m.ActiveProjects,
		PausedProjects:    m.PausedProjects,
		CompletedProjects: m.CompletedProjects,
		TotalImpactScore:  m.TotalImpactScore,
	}
}

func snapshotResponse(s domain.EconomySnapshot) SnapshotResponse {
	out := SnapshotResponse{
		Treasury: TreasuryResponse{
			StartCapital: s.Treasury.StartCapital.String(),
			Balance:      s.Treasury.Balance.String(),
		},
		Agents:       make(map[string]AgentResponse, len(s.Agents)),
		Projects:     make(map[string]ProjectResponse, len(s.Projects)),
		Transactions: mapTransactions(s.Transactions),
		Impact:       make([]ImpactResponse, 0, len(s.Impact)),
		Metrics:      metricsResponse(s.Metrics),
		Settings: SettingsResponse{
			OpeningBalance:     s.Settings.OpeningBalance.String(),
			BaselineHourlyBurn: s.Settings.BaselineHourlyBurn.String(),
			BurnPolicy:         string(s.Settings.BurnPolicy),
			BurnWindowHours:    s.Settings.BurnWindowHours,
			Epoch:              stamp(s.Settings.Epoch),
		},
		Clock:        stamp(s.Clock),
		ElapsedHours: s.ElapsedHours,
		GeneratedAt:  stamp(s.GeneratedAt),
	}
	for id, a := range s.Agents {
		out.Agents[id] = agentResponse(a)
	}
	for id, p := range s.Projects {
		out.Projects[id] = projectResponse(p)
	}
	for _, r := range s.Impact {
		out.Impact = append(out.Impact, impactResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         stamp(e.TS),
		RunID:      e.RunID,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

// parseMoney reads a decimal amount from a request field.
func parseMoney(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "invalid_argument", "invalid "+field, map[string]any{field: raw})
	}
	return d, nil
}
