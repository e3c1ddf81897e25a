package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"becoin/internal/config"
	"becoin/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Company != "Becoin Labs" || !cfg.Economy.StartCapital.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected economy %q %s", cfg.Company, cfg.Economy.StartCapital)
	}
	if cfg.Economy.BurnPolicy != domain.BurnStrict {
		t.Fatalf("expected strict burn policy, got %s", cfg.Economy.BurnPolicy)
	}
	if len(cfg.Agents) != 4 || len(cfg.Projects) != 2 {
		t.Fatalf("expected 4 agents and 2 projects, got %d/%d", len(cfg.Agents), len(cfg.Projects))
	}
	if !reflect.DeepEqual(cfg.Simulation.Hours, []int{1, 4, 8, 24}) {
		t.Fatalf("unexpected simulation hours %v", cfg.Simulation.Hours)
	}

	founders := 0
	for _, a := range cfg.Roster() {
		if a.Founder {
			founders++
		}
	}
	if founders != 3 {
		t.Fatalf("expected 3 founders, got %d", founders)
	}

	pipeline := cfg.Pipeline()
	beta := pipeline[1]
	if beta.ID != "PRJ-BETA" || beta.Stage != domain.StagePipeline || !beta.Value.Equal(decimal.NewFromInt(6200)) {
		t.Fatalf("unexpected PRJ-BETA %+v", beta)
	}

	treasury, err := cfg.Treasury()
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if !treasury.Balance.Equal(treasury.StartCapital) {
		t.Fatalf("opening balance %s differs from capital %s", treasury.Balance, treasury.StartCapital)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("Acme \"Coin\"")))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg.Company != "Acme \"Coin\"" {
		t.Fatalf("company not escaped correctly: %q", cfg.Company)
	}

	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := config.FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !again.Economy.BaselineHourlyBurn.Equal(cfg.Economy.BaselineHourlyBurn) {
		t.Fatalf("burn changed: %s -> %s", cfg.Economy.BaselineHourlyBurn, again.Economy.BaselineHourlyBurn)
	}
	if !reflect.DeepEqual(cfg.Agents, again.Agents) {
		t.Fatalf("agents changed across marshal")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		want     string
	}{
		{"negative capital", "start_capital: 10000", "start_capital: -1", "start_capital"},
		{"bad policy", "burn_policy: strict", "burn_policy: sometimes", "burn_policy"},
		{"duplicate agent", "id: AGENT-101", "id: AGENT-001", "defined twice"},
		{"unknown member", "team: [AGENT-002, AGENT-003]", "team: [AGENT-002, AGENT-999]", "unknown agent"},
		{"equity", "equity_share: 0.25", "equity_share: 1.5", "equity_share"},
		{"negative cost", "cost: 1500", "cost: -1500", "must not be negative"},
		{"log format", "format: json", "format: xml", "logging.format"},
		{"pay range", "pay_max: 250", "pay_max: 0", "pay range"},
		{"hours", "hours: [1, 4, 8, 24]", "hours: [1, 0]", "hours"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := strings.Replace(config.GenerateDefault("x"), tc.old, tc.new, 1)
			_, err := config.FromYAML([]byte(raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := config.FromYAML([]byte("economy: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected invalid config yaml, got %v", err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected no config in empty workspace, got %v %v", cfg, err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "becoin init") {
		t.Fatalf("expected hint to run becoin init, got %v", err)
	}

	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("ws")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Company != "ws" {
		t.Fatalf("expected company ws, got %s", cfg.Company)
	}
	if want := filepath.Join(dir, "becoin.yml"); config.Path(dir) != want {
		t.Fatalf("expected path %s, got %s", want, config.Path(dir))
	}

	fromFile, err := config.FromFile(config.Path(dir))
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if !reflect.DeepEqual(cfg, fromFile) {
		t.Fatalf("Load and FromFile disagree")
	}
}
