package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// RuleStats tracks one rule's evaluations
type RuleStats struct {
	Executions         uint64        `json:"executions"`
	Matches            uint64        `json:"matches"`
	Errors             uint64        `json:"errors"`
	TotalExecutionTime time.Duration `json:"-"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
	LastMatchedAt      *time.Time    `json:"last_matched_at,omitempty"`
	LastError          string        `json:"last_error,omitempty"`
}

// EngineMetrics summarises the registry and evaluation counters
type EngineMetrics struct {
	TotalRules      int                   `json:"total_rules"`
	ActiveRules     int                   `json:"active_rules"`
	TestingRules    int                   `json:"testing_rules"`
	TotalExecutions uint64                `json:"total_executions"`
	TotalMatches    uint64                `json:"total_matches"`
	TotalErrors     uint64                `json:"total_errors"`
	MatchRate       float64               `json:"match_rate"`
	RuleStats       map[string]*RuleStats `json:"rule_stats"`
}

// Engine holds the loaded rules and classifies events against them.
// Evaluation is a pure function of the supplied event and recent window.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]*RuleInstance
	ordered []*RuleInstance

	statsMu    sync.Mutex
	stats      map[string]*RuleStats
	executions uint64
	matches    uint64
	errors     uint64

	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	now     func() time.Time
}

// NewEngine creates an empty rule engine
func NewEngine(m *metrics.PrometheusMetrics) *Engine {
	return &Engine{
		rules:   make(map[string]*RuleInstance),
		stats:   make(map[string]*RuleStats),
		metrics: m,
		logger:  utils.ComponentLogger("rule_engine"),
		now:     time.Now,
	}
}

// RegisterRule adds instance, replacing any rule with the same id
func (e *Engine) RegisterRule(instance *RuleInstance) error {
	if instance == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "rule instance is required")
	}
	if !instance.Status().Loadable() {
		return utils.NewAppError(utils.ErrCodeValidation,
			fmt.Sprintf("rule %s has status %s and cannot be registered", instance.ID(), instance.Status()))
	}

	e.mu.Lock()
	_, replaced := e.rules[instance.ID()]
	e.rules[instance.ID()] = instance
	e.rebuildLocked()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"rule_id":   instance.ID(),
		"severity":  instance.Severity(),
		"status":    instance.Status(),
		"condition": instance.ConditionType(),
		"replaced":  replaced,
	}).Info("Rule registered")
	return nil
}

// UnregisterRule removes a rule and reports whether it was present
func (e *Engine) UnregisterRule(id string) bool {
	e.mu.Lock()
	_, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
		e.rebuildLocked()
	}
	e.mu.Unlock()

	if ok {
		e.statsMu.Lock()
		delete(e.stats, id)
		e.statsMu.Unlock()
		e.logger.WithField("rule_id", id).Info("Rule unregistered")
	}
	return ok
}

// GetRule returns a registered rule
func (e *Engine) GetRule(id string) (*RuleInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns the registered rules in evaluation order
func (e *Engine) Rules() []*RuleInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ordered
}

// rebuildLocked recomputes the evaluation order: severity descending, then id
func (e *Engine) rebuildLocked() {
	ordered := make([]*RuleInstance, 0, len(e.rules))
	for _, r := range e.rules {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Severity().Rank(), ordered[j].Severity().Rank()
		if ri != rj {
			return ri > rj
		}
		return ordered[i].ID() < ordered[j].ID()
	})

	var active, testing int
	for _, r := range ordered {
		if r.Status() == models.RuleStatusTesting {
			testing++
		} else {
			active++
		}
	}
	e.metrics.UpdateRulesLoaded(string(models.RuleStatusActive), active)
	e.metrics.UpdateRulesLoaded(string(models.RuleStatusTesting), testing)

	// Published as a fresh slice so readers holding the old one are unaffected.
	e.ordered = ordered
}

type evaluation struct {
	instance *RuleInstance
	outcome  *Outcome
	err      error
	duration time.Duration
}

// Evaluate runs every registered rule against event and returns the matches
// in severity order. A failing rule is counted and skipped.
func (e *Engine) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) []*models.RuleEvaluationResult {
	rules := e.Rules()
	if len(rules) == 0 || event == nil {
		return nil
	}

	evals := make([]evaluation, 0, len(rules))
	for _, instance := range rules {
		evals = append(evals, e.run(ctx, instance, event, recent))
	}

	now := e.now()
	var results []*models.RuleEvaluationResult

	e.statsMu.Lock()
	for _, ev := range evals {
		id := ev.instance.ID()
		stats, ok := e.stats[id]
		if !ok {
			stats = &RuleStats{}
			e.stats[id] = stats
		}
		stats.Executions++
		stats.TotalExecutionTime += ev.duration
		stats.AvgExecutionTime = stats.TotalExecutionTime / time.Duration(stats.Executions)
		e.executions++

		switch {
		case ev.err != nil:
			stats.Errors++
			stats.LastError = ev.err.Error()
			e.errors++
		case ev.outcome.Matched:
			stats.Matches++
			matchedAt := now
			stats.LastMatchedAt = &matchedAt
			e.matches++
			results = append(results, buildResult(ev.instance, ev.outcome, now, ev.duration))
		}
	}
	e.statsMu.Unlock()

	for _, ev := range evals {
		status := "no_match"
		if ev.err != nil {
			status = "error"
			e.logger.WithFields(logrus.Fields{
				"rule_id":    ev.instance.ID(),
				"event_type": event.EventType,
				"error":      ev.err.Error(),
			}).Warn("Rule evaluation failed")
		} else if ev.outcome.Matched {
			status = "match"
		}
		e.metrics.RecordRuleEvaluation(ev.instance.ID(), string(ev.instance.ConditionType()), status, ev.duration)
	}

	return results
}

// EvaluateRule runs a single rule without touching engine statistics.
// The result is returned whether or not the rule matched.
func (e *Engine) EvaluateRule(ctx context.Context, instance *RuleInstance, event *models.SecurityEvent, recent []*models.SecurityEvent) (*models.RuleEvaluationResult, error) {
	if instance == nil || event == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "rule and event are required")
	}

	ev := e.run(ctx, instance, event, recent)
	if ev.err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeProcessing, fmt.Sprintf("Rule %s evaluation failed", instance.ID()), ev.err)
	}
	return buildResult(instance, ev.outcome, e.now(), ev.duration), nil
}

// run evaluates one rule, converting panics into errors
func (e *Engine) run(ctx context.Context, instance *RuleInstance, event *models.SecurityEvent, recent []*models.SecurityEvent) (ev evaluation) {
	ev.instance = instance
	start := time.Now()
	defer func() {
		ev.duration = time.Since(start)
		if r := recover(); r != nil {
			ev.outcome = nil
			ev.err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	ev.outcome, ev.err = instance.evaluator.Evaluate(ctx, event, recent)
	if ev.err == nil && ev.outcome == nil {
		ev.err = fmt.Errorf("rule returned no outcome")
	}
	return ev
}

func buildResult(instance *RuleInstance, outcome *Outcome, at time.Time, took time.Duration) *models.RuleEvaluationResult {
	return &models.RuleEvaluationResult{
		RuleID:           instance.ID(),
		RuleName:         instance.Name(),
		Matched:          outcome.Matched,
		Severity:         instance.Severity(),
		Score:            outcome.Score,
		Reason:           outcome.Reason,
		Evidence:         outcome.Evidence,
		SuggestedActions: instance.actions,
		Testing:          instance.Status() == models.RuleStatusTesting,
		EvaluatedAt:      at.UTC(),
		ExecutionTime:    took,
	}
}

// Metrics returns a snapshot of the engine counters
func (e *Engine) Metrics() *EngineMetrics {
	rules := e.Rules()

	m := &EngineMetrics{
		TotalRules: len(rules),
		RuleStats:  make(map[string]*RuleStats),
	}
	for _, r := range rules {
		if r.Status() == models.RuleStatusTesting {
			m.TestingRules++
		} else {
			m.ActiveRules++
		}
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	m.TotalExecutions = e.executions
	m.TotalMatches = e.matches
	m.TotalErrors = e.errors
	if e.executions > 0 {
		m.MatchRate = float64(e.matches) / float64(e.executions)
	}
	for id, s := range e.stats {
		c := *s
		m.RuleStats[id] = &c
	}
	return m
}
