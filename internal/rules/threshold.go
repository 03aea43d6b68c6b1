package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
)

// ThresholdConfig fires when enough matching events arrive inside a time window
type ThresholdConfig struct {
	Threshold         int          `json:"threshold" validate:"required,min=1"`
	TimeWindowSeconds int          `json:"timeWindowSeconds" validate:"required,min=1"`
	EventTypes        []string     `json:"eventTypes,omitempty" validate:"omitempty,dive,required"`
	GroupBy           string       `json:"groupBy,omitempty" validate:"omitempty,oneof=actor.userId actor.ipAddress actor.userAgent"`
	Conditions        []*Condition `json:"conditions,omitempty" validate:"omitempty,dive"`
	SuggestedActions  []string     `json:"suggestedActions,omitempty"`
}

type thresholdBuilder struct{}

func (thresholdBuilder) parse(config map[string]interface{}) (*ThresholdConfig, *ValidationResult) {
	result := newValidationResult()
	cfg := &ThresholdConfig{}
	if !decodeConfig(config, cfg, result) {
		return nil, result
	}
	for i, c := range cfg.Conditions {
		if c == nil {
			continue
		}
		if err := c.compile(); err != nil {
			result.addError(fmt.Sprintf("conditions[%d].value", i), "value", err.Error(), c.Value)
		}
	}
	return cfg, result
}

func (b thresholdBuilder) Validate(config map[string]interface{}) *ValidationResult {
	_, result := b.parse(config)
	return result
}

func (b thresholdBuilder) Build(rule *models.ThreatRule) (Evaluator, error) {
	cfg, result := b.parse(rule.Config)
	if !result.Valid {
		return nil, fmt.Errorf("invalid threshold config: %s", result.Summary())
	}
	return &thresholdEvaluator{config: cfg, window: time.Duration(cfg.TimeWindowSeconds) * time.Second}, nil
}

type thresholdEvaluator struct {
	config *ThresholdConfig
	window time.Duration
}

func (t *thresholdEvaluator) predicate(event *models.SecurityEvent) bool {
	if len(t.config.EventTypes) > 0 && !containsString(t.config.EventTypes, event.EventType) {
		return false
	}
	return matchAll(t.config.Conditions, event)
}

// Evaluate counts the current event plus recent events that satisfy the
// predicate and share its group. The window ends at the newest such event,
// so events submitted out of order still count.
func (t *thresholdEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	if !t.predicate(event) {
		return &Outcome{Reason: "event does not satisfy rule predicate"}, nil
	}

	group := groupValue(event, t.config.GroupBy)

	candidates := []*models.SecurityEvent{event}
	end := event.Timestamp
	for _, r := range recent {
		if r == nil || r == event || !t.predicate(r) {
			continue
		}
		if t.config.GroupBy != "" && groupValue(r, t.config.GroupBy) != group {
			continue
		}
		candidates = append(candidates, r)
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}

	from := end.Add(-t.window)
	count := 0
	for _, c := range candidates {
		if !c.Timestamp.Before(from) {
			count++
		}
	}

	outcome := &Outcome{
		Matched: count >= t.config.Threshold,
		Score:   scaledScore(float64(count) / float64(t.config.Threshold)),
		Evidence: map[string]interface{}{
			"count":             count,
			"threshold":         t.config.Threshold,
			"timeWindowSeconds": t.config.TimeWindowSeconds,
			"windowEnd":         end,
		},
	}
	if t.config.GroupBy != "" {
		outcome.Evidence["groupBy"] = t.config.GroupBy
		outcome.Evidence["group"] = group
	}
	outcome.Reason = fmt.Sprintf("%d matching events in %s (threshold %d)", count, t.window, t.config.Threshold)
	return outcome, nil
}
