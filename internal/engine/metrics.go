package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// computeMetrics derives the treasury health figures from a snapshot. Burn
// rate is the debit total inside the trailing window divided by its length,
// measured on the simulated clock.
func computeMetrics(s domain.EconomySnapshot) domain.Metrics {
	var m domain.Metrics
	window := s.Settings.BurnWindowHours
	if window <= 0 {
		window = defaultBurnWindowHours
	}
	windowStart := s.Clock.Add(-time.Duration(window) * time.Hour)

	recent := decimal.Zero
	for _, tx := range s.Transactions {
		if tx.Amount.IsNegative() {
			m.TotalCost = m.TotalCost.Add(tx.Amount.Neg())
			if !tx.Timestamp.Before(windowStart) {
				recent = recent.Add(tx.Amount.Neg())
			}
		} else {
			m.TotalRevenue = m.TotalRevenue.Add(tx.Amount)
		}
	}
	m.BurnRate = recent.Div(decimal.NewFromInt(int64(window))).Round(2)
	if m.BurnRate.IsPositive() {
		runway := s.Treasury.Balance.Div(m.BurnRate).Round(2)
		m.RunwayHours = &runway
	}

	switch {
	case m.TotalRevenue.IsPositive():
		m.ProfitMargin = m.TotalRevenue.Sub(m.TotalCost).Div(m.TotalRevenue).Mul(hundred).Round(2)
	case m.TotalCost.IsPositive():
		m.ProfitMargin = hundred.Neg()
	default:
		m.ProfitMargin = decimal.Zero
	}

	for _, p := range s.Projects {
		switch p.Stage {
		case domain.StagePipeline:
			m.PipelineProjects++
		case domain.StageActive:
			m.ActiveProjects++
		case domain.StagePaused:
			m.PausedProjects++
		case domain.StageCompleted:
			m.CompletedProjects++
		}
	}
	for _, rec := range s.Impact {
		m.TotalImpactScore += rec.ImpactScore
	}
	return m
}
