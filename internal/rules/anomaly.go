package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/smartdevs17/security-event-chain/internal/models"
)

// AnomalyConfig fires when a numeric feature leaves its expected band. The band
// is either fixed (baseline ± deviation) or learned from recent events
// (mean ± sigma·stddev) when Dynamic is set.
type AnomalyConfig struct {
	Feature          string   `json:"feature" validate:"required,fieldpath"`
	Baseline         *float64 `json:"baseline,omitempty"`
	Deviation        *float64 `json:"deviation,omitempty" validate:"omitempty,gt=0"`
	Dynamic          bool     `json:"dynamic,omitempty"`
	Sigma            float64  `json:"sigma,omitempty" validate:"omitempty,gt=0"`
	MinSamples       int      `json:"minSamples,omitempty" validate:"omitempty,min=2"`
	EventTypes       []string `json:"eventTypes,omitempty" validate:"omitempty,dive,required"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
}

const (
	defaultSigma      = 3.0
	defaultMinSamples = 10
)

type anomalyBuilder struct{}

func (anomalyBuilder) parse(config map[string]interface{}) (*AnomalyConfig, *ValidationResult) {
	result := newValidationResult()
	cfg := &AnomalyConfig{}
	if !decodeConfig(config, cfg, result) {
		return nil, result
	}

	if cfg.Dynamic {
		if cfg.Sigma == 0 {
			cfg.Sigma = defaultSigma
		}
		if cfg.MinSamples == 0 {
			cfg.MinSamples = defaultMinSamples
		}
		return cfg, result
	}

	if cfg.Baseline == nil {
		result.addError("baseline", "required", "is required unless dynamic is set", nil)
	}
	if cfg.Deviation == nil {
		result.addError("deviation", "required", "is required unless dynamic is set", nil)
	}
	return cfg, result
}

func (b anomalyBuilder) Validate(config map[string]interface{}) *ValidationResult {
	_, result := b.parse(config)
	return result
}

func (b anomalyBuilder) Build(rule *models.ThreatRule) (Evaluator, error) {
	cfg, result := b.parse(rule.Config)
	if !result.Valid {
		return nil, fmt.Errorf("invalid anomaly config: %s", result.Summary())
	}
	return &anomalyEvaluator{config: cfg}, nil
}

type anomalyEvaluator struct {
	config *AnomalyConfig
}

func (a *anomalyEvaluator) applies(event *models.SecurityEvent) bool {
	return len(a.config.EventTypes) == 0 || containsString(a.config.EventTypes, event.EventType)
}

func (a *anomalyEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	if !a.applies(event) {
		return &Outcome{Reason: "event type not covered by rule"}, nil
	}

	raw, ok := ResolveField(event, a.config.Feature)
	if !ok || raw == nil {
		return &Outcome{Reason: fmt.Sprintf("event has no %s", a.config.Feature)}, nil
	}
	value, ok := toFloat(raw)
	if !ok {
		return nil, fmt.Errorf("feature %s is not numeric: %v", a.config.Feature, raw)
	}

	var baseline, deviation float64
	evidence := map[string]interface{}{
		"feature": a.config.Feature,
		"value":   value,
	}

	if a.config.Dynamic {
		samples := a.samples(event, recent)
		evidence["samples"] = len(samples)
		if len(samples) < a.config.MinSamples {
			return &Outcome{
				Reason:   fmt.Sprintf("%d samples, need %d to learn a baseline", len(samples), a.config.MinSamples),
				Evidence: evidence,
			}, nil
		}
		mean, stddev := meanStddev(samples)
		baseline = mean
		deviation = a.config.Sigma * stddev
		evidence["sigma"] = a.config.Sigma
	} else {
		baseline = *a.config.Baseline
		deviation = *a.config.Deviation
	}

	distance := math.Abs(value - baseline)
	evidence["baseline"] = baseline
	evidence["deviation"] = deviation
	evidence["distance"] = distance

	outcome := &Outcome{Evidence: evidence}
	if deviation == 0 {
		outcome.Matched = distance > 0
		if outcome.Matched {
			outcome.Score = 100
		}
	} else {
		outcome.Matched = distance > deviation
		outcome.Score = scaledScore(distance / deviation)
	}
	outcome.Reason = fmt.Sprintf("%s=%g, expected %g ± %g", a.config.Feature, value, baseline, deviation)
	return outcome, nil
}

func (a *anomalyEvaluator) samples(event *models.SecurityEvent, recent []*models.SecurityEvent) []float64 {
	samples := make([]float64, 0, len(recent))
	for _, r := range recent {
		if r == nil || r == event || !a.applies(r) {
			continue
		}
		raw, ok := ResolveField(r, a.config.Feature)
		if !ok {
			continue
		}
		if v, ok := toFloat(raw); ok {
			samples = append(samples, v)
		}
	}
	return samples
}

func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
