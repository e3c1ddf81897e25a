package becoinsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Becoin HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Stage       string          `json:"stage"`
	Cost        decimal.Decimal `json:"cost"`
	Value       decimal.Decimal `json:"value"`
	ImpactScore int             `json:"impact_score"`
	Team        []string        `json:"team"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Agent represents a roster entry (partial).
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
	Performance struct {
		Earned            decimal.Decimal `json:"earned"`
		ProjectsCompleted int             `json:"projects_completed"`
	} `json:"performance"`
}

// Transaction is one ledger line. Debits are negative.
type Transaction struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description,omitempty"`
	Shortfall    string          `json:"shortfall,omitempty"`
}

// ImpactRecord is returned when a project completes.
type ImpactRecord struct {
	ProjectID   string          `json:"project_id"`
	ImpactScore int             `json:"impact_score"`
	Value       decimal.Decimal `json:"value"`
	ROI         decimal.Decimal `json:"roi"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Metrics are the derived treasury figures.
type Metrics struct {
	BurnRate     decimal.Decimal  `json:"burn_rate"`
	RunwayHours  *decimal.Decimal `json:"runway_hours"`
	ProfitMargin decimal.Decimal  `json:"profit_margin"`
	TotalRevenue decimal.Decimal  `json:"total_revenue"`
	TotalCost    decimal.Decimal  `json:"total_cost"`
}

// Snapshot represents the economy snapshot (partial).
type Snapshot struct {
	Treasury struct {
		StartCapital decimal.Decimal `json:"start_capital"`
		Balance      decimal.Decimal `json:"balance"`
	} `json:"treasury"`
	Agents       map[string]Agent   `json:"agents"`
	Projects     map[string]Project `json:"projects"`
	Transactions []Transaction      `json:"transactions"`
	Impact       []ImpactRecord     `json:"impact"`
	Metrics      Metrics            `json:"metrics"`
	Clock        time.Time          `json:"clock"`
	ElapsedHours int                `json:"elapsed_hours"`
}

// Advance is the result of moving the clock.
type Advance struct {
	Clock       time.Time       `json:"clock"`
	Balance     decimal.Decimal `json:"balance"`
	Transaction *Transaction    `json:"transaction,omitempty"`
}

// Verification is the ledger replay verdict.
type Verification struct {
	OK           bool            `json:"ok"`
	Transactions int             `json:"transactions"`
	Balance      decimal.Decimal `json:"balance"`
	Error        string          `json:"error,omitempty"`
}

// APIError wraps non-2xx responses. Code carries the API error code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Snapshot returns the full economy snapshot.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "snapshot", nil, &resp)
	return resp, err
}

// Exports lists the dashboard payload names.
func (c *Client) Exports(ctx context.Context) ([]string, error) {
	var resp struct {
		Names []string `json:"names"`
	}
	err := c.do(ctx, http.MethodGet, "exports", nil, &resp)
	return resp.Names, err
}

// Export returns one rendered dashboard payload.
func (c *Client) Export(ctx context.Context, name string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "exports/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// AddProject adds a pipeline project.
func (c *Client) AddProject(ctx context.Context, p Project) (Project, error) {
	body := map[string]any{
		"id":           p.ID,
		"name":         p.Name,
		"cost":         p.Cost.String(),
		"value":        p.Value.String(),
		"impact_score": p.ImpactScore,
	}
	if len(p.Team) > 0 {
		body["team"] = p.Team
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// StartProject moves a pipeline project to active and debits its cost.
func (c *Client) StartProject(ctx context.Context, id string) (Project, error) {
	return c.moveProject(ctx, id, "start")
}

// PauseProject pauses an active project.
func (c *Client) PauseProject(ctx context.Context, id string) (Project, error) {
	return c.moveProject(ctx, id, "pause")
}

// ResumeProject resumes a paused project.
func (c *Client) ResumeProject(ctx context.Context, id string) (Project, error) {
	return c.moveProject(ctx, id, "resume")
}

func (c *Client) moveProject(ctx context.Context, id, op string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/%s", url.PathEscape(id), op), nil, &resp)
	return resp, err
}

// CompleteProject completes an active project and credits its value.
func (c *Client) CompleteProject(ctx context.Context, id string) (ImpactRecord, error) {
	var resp ImpactRecord
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// PayAgent pays an agent from the treasury.
func (c *Client) PayAgent(ctx context.Context, id string, amount decimal.Decimal, reason string) (Transaction, error) {
	body := map[string]any{
		"amount": amount.String(),
		"reason": reason,
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/pay", url.PathEscape(id)), body, &resp)
	return resp, err
}

// AdvanceTime moves the simulated clock forward.
func (c *Client) AdvanceTime(ctx context.Context, hours int) (Advance, error) {
	var resp Advance
	err := c.do(ctx, http.MethodPost, "clock/advance", map[string]any{"hours": hours}, &resp)
	return resp, err
}

// Verify replays the server ledger.
func (c *Client) Verify(ctx context.Context) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, "ledger/verify", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
