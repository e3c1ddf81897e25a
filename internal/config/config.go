package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"becoin/internal/domain"
)

// Config models becoin.yml.
type Config struct {
	Company    string        `yaml:"company"`
	Economy    Economy       `yaml:"economy"`
	Agents     []AgentSpec   `yaml:"agents"`
	Projects   []ProjectSpec `yaml:"projects"`
	Logging    Logging       `yaml:"logging"`
	Server     Server        `yaml:"server"`
	Simulation Simulation    `yaml:"simulation"`
}

type Economy struct {
	StartCapital       decimal.Decimal   `yaml:"start_capital"`
	BaselineHourlyBurn decimal.Decimal   `yaml:"baseline_hourly_burn"`
	BurnPolicy         domain.BurnPolicy `yaml:"burn_policy"`
	BurnWindowHours    int               `yaml:"burn_window_hours"`
	Epoch              time.Time         `yaml:"epoch"`
}

type AgentSpec struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Role        string  `yaml:"role"`
	Status      string  `yaml:"status,omitempty"`
	EquityShare float64 `yaml:"equity_share"`
	Founder     bool    `yaml:"founder"`
}

type ProjectSpec struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Cost        decimal.Decimal `yaml:"cost"`
	Value       decimal.Decimal `yaml:"value"`
	ImpactScore int             `yaml:"impact_score"`
	Team        []string        `yaml:"team"`
}

// Logging configures the slog handler.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// ExportCacheMB bounds the rendered export cache.
	ExportCacheMB int64 `yaml:"export_cache_mb"`
}

// Simulation holds the defaults for becoin simulate.
type Simulation struct {
	Steps  int             `yaml:"steps"`
	Seed   int64           `yaml:"seed"`
	PayMin decimal.Decimal `yaml:"pay_min"`
	PayMax decimal.Decimal `yaml:"pay_max"`
	Hours  []int           `yaml:"hours"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with becoin init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Economy.StartCapital.IsNegative() {
		return fmt.Errorf("config.economy.start_capital must not be negative")
	}
	if c.Economy.BaselineHourlyBurn.IsNegative() {
		return fmt.Errorf("config.economy.baseline_hourly_burn must not be negative")
	}
	if c.Economy.BurnPolicy != "" && !c.Economy.BurnPolicy.Valid() {
		return fmt.Errorf("config.economy.burn_policy must be strict or clamp, got %q", c.Economy.BurnPolicy)
	}
	if c.Economy.BurnWindowHours < 0 {
		return fmt.Errorf("config.economy.burn_window_hours must not be negative")
	}
	agents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.agents[%d].id is required", i)
		}
		if agents[a.ID] {
			return fmt.Errorf("agent %s is defined twice", a.ID)
		}
		if a.EquityShare < 0 || a.EquityShare > 1 {
			return fmt.Errorf("agent %s equity_share must be within [0,1]", a.ID)
		}
		agents[a.ID] = true
	}
	projects := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("config.projects[%d].id is required", i)
		}
		if projects[p.ID] {
			return fmt.Errorf("project %s is defined twice", p.ID)
		}
		if p.Cost.IsNegative() || p.Value.IsNegative() {
			return fmt.Errorf("project %s cost and value must not be negative", p.ID)
		}
		for _, member := range p.Team {
			if !agents[member] {
				return fmt.Errorf("project %s team references unknown agent %s", p.ID, member)
			}
		}
		projects[p.ID] = true
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be json or text")
	}
	if c.Simulation.Steps < 0 {
		return fmt.Errorf("config.simulation.steps must not be negative")
	}
	if c.Simulation.PayMin.IsNegative() || c.Simulation.PayMax.LessThan(c.Simulation.PayMin) {
		return fmt.Errorf("config.simulation pay range is invalid")
	}
	for _, h := range c.Simulation.Hours {
		if h <= 0 {
			return fmt.Errorf("config.simulation.hours must be positive")
		}
	}
	return nil
}

// Treasury returns the opening treasury.
func (c *Config) Treasury() (domain.Treasury, error) {
	return domain.NewTreasury(c.Economy.StartCapital, c.Economy.StartCapital)
}

// Roster converts the agent list into domain agents.
func (c *Config) Roster() []domain.Agent {
	out := make([]domain.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, domain.Agent{
			ID:          a.ID,
			Name:        a.Name,
			Role:        a.Role,
			Status:      a.Status,
			EquityShare: a.EquityShare,
			Founder:     a.Founder,
		})
	}
	return out
}

// Pipeline converts the project list into pipeline-stage domain projects.
func (c *Config) Pipeline() []domain.Project {
	out := make([]domain.Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		out = append(out, domain.Project{
			ID:          p.ID,
			Name:        p.Name,
			Stage:       domain.StagePipeline,
			Cost:        p.Cost,
			Value:       p.Value,
			ImpactScore: p.ImpactScore,
			Team:        append([]string(nil), p.Team...),
		})
	}
	return out
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "becoin.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(company string) string {
	return fmt.Sprintf(defaultTemplate, company)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("Becoin Labs"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `company: %q

economy:
  start_capital: 10000
  baseline_hourly_burn: 25
  burn_policy: strict
  burn_window_hours: 72

agents:
  - id: AGENT-001
    name: CEO-Sales
    role: Revenue Strategist
    equity_share: 0.4
    founder: true
  - id: AGENT-002
    name: CTO-Engineer
    role: Platform Engineer
    equity_share: 0.35
    founder: true
  - id: AGENT-003
    name: CDO-Design
    role: Product Designer
    equity_share: 0.25
    founder: true
  - id: AGENT-101
    name: Ops Analyst
    role: Operations
    equity_share: 0
    founder: false

projects:
  - id: PRJ-ALPHA
    name: Enterprise Outreach
    cost: 1500
    value: 3500
    impact_score: 72
    team: [AGENT-001, AGENT-101]
  - id: PRJ-BETA
    name: Automation Toolkit
    cost: 2200
    value: 6200
    impact_score: 88
    team: [AGENT-002, AGENT-003]

logging:
  level: info
  format: json
  service: becoin

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  export_cache_mb: 16

simulation:
  steps: 1000
  seed: 42
  pay_min: 1
  pay_max: 250
  hours: [1, 4, 8, 24]
`
