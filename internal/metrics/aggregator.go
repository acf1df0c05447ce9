// Package metrics derives running cost and performance totals for a run.
package metrics

import (
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
)

// Advisory budget thresholds, as fractions of the configured maximum cost.
const (
	NoticeThreshold   = 0.50
	WarningThreshold  = 0.75
	CriticalThreshold = 0.90
)

// Aggregator sums node-level figures into run totals. It never halts a
// run: budget severity is presentation only. Not safe for concurrent use.
type Aggregator struct {
	maxCost float64
	totals  core.Totals
}

// NewAggregator returns an aggregator budgeting against maxCost. A
// non-positive maxCost disables the budget fraction.
func NewAggregator(maxCost float64) *Aggregator {
	a := &Aggregator{maxCost: maxCost}
	a.Reset()
	return a
}

// Reset zeroes every total; the budget is kept.
func (a *Aggregator) Reset() {
	a.totals = core.Totals{MaxCost: a.maxCost, Severity: core.SeverityNone}
}

// SetMaxCost changes the budget, e.g. from the options of a new run.
func (a *Aggregator) SetMaxCost(maxCost float64) {
	a.maxCost = maxCost
	a.totals.MaxCost = maxCost
}

// RecordCompletion adds a completed node's figures. Negative costs are
// ignored so TotalCost stays monotonic.
func (a *Aggregator) RecordCompletion(cost float64, thoughts int) {
	if cost > 0 {
		a.totals.TotalCost += cost
	}
	a.totals.ThoughtsCount += thoughts
	a.totals.CompletedOperations++
}

// RecordFailure adds an errored node's figures.
func (a *Aggregator) RecordFailure(thoughts int) {
	a.totals.ThoughtsCount += thoughts
	a.totals.FailedOperations++
}

// ObserveCostUpdate records the backend-reported total for display. It is
// kept monotonic and does not affect TotalCost.
func (a *Aggregator) ObserveCostUpdate(update protocol.CostUpdated) {
	if update.Total > a.totals.ReportedCost {
		a.totals.ReportedCost = update.Total
	}
}

// ApplyPerformance overwrites the display figures.
func (a *Aggregator) ApplyPerformance(m protocol.PerformanceMetrics) {
	a.totals.Display = core.Display{
		ExecutionTimeMs: m.ExecutionTimeMs,
		OperationsCount: m.OperationsCount,
		ThoughtsCount:   m.ThoughtsCount,
		AvgScore:        m.AvgScore,
	}
}

// ApplySummary folds in the totals of execution_completed.
func (a *Aggregator) ApplySummary(s protocol.ExecutionCompleted) {
	if s.TotalCost > a.totals.ReportedCost {
		a.totals.ReportedCost = s.TotalCost
	}
	a.totals.Display.ExecutionTimeMs = s.ExecutionTimeMs
	a.totals.Display.OperationsCount = s.OperationsCount
	a.totals.Display.ThoughtsCount = s.ThoughtsCount
}

// TotalCost is the sum of every completed node's cost.
func (a *Aggregator) TotalCost() float64 {
	return a.totals.TotalCost
}

// ThoughtsCount is the number of thoughts across finished nodes.
func (a *Aggregator) ThoughtsCount() int {
	return a.totals.ThoughtsCount
}

// BudgetFraction is TotalCost / maxCost, or 0 without a budget.
func (a *Aggregator) BudgetFraction() float64 {
	if a.maxCost <= 0 {
		return 0
	}
	return a.totals.TotalCost / a.maxCost
}

// Severity maps the budget fraction onto its advisory tier.
func (a *Aggregator) Severity() core.Severity {
	return SeverityFor(a.BudgetFraction())
}

// CostPerThought is TotalCost divided by ThoughtsCount (at least one).
func (a *Aggregator) CostPerThought() float64 {
	n := a.totals.ThoughtsCount
	if n < 1 {
		n = 1
	}
	return a.totals.TotalCost / float64(n)
}

// Totals returns a snapshot with derived fields filled in.
func (a *Aggregator) Totals() core.Totals {
	t := a.totals
	t.BudgetFraction = a.BudgetFraction()
	t.Severity = a.Severity()
	t.CostPerThought = a.CostPerThought()
	return t
}

// SeverityFor maps a budget fraction onto its advisory tier.
func SeverityFor(fraction float64) core.Severity {
	switch {
	case fraction >= CriticalThreshold:
		return core.SeverityCritical
	case fraction >= WarningThreshold:
		return core.SeverityWarning
	case fraction >= NoticeThreshold:
		return core.SeverityNotice
	default:
		return core.SeverityNone
	}
}
