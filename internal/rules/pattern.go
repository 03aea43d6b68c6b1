package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/smartdevs17/security-event-chain/internal/models"
)

// PolicyQuery is the Rego rule a pattern policy must define
const PolicyQuery = "data.threat.match"

const (
	defaultSequenceWindowSeconds = 300
	defaultMaxLookback           = 50
)

// PatternConfig fires on a binary match. Every configured part must hold:
// an expression over one field, a set of conditions, an ordered sequence of
// event types ending at the current event, or a Rego policy.
type PatternConfig struct {
	Expression            string       `json:"expression,omitempty"`
	Field                 string       `json:"field,omitempty" validate:"omitempty,fieldpath"`
	EventTypes            []string     `json:"eventTypes,omitempty" validate:"omitempty,dive,required"`
	Conditions            []*Condition `json:"conditions,omitempty" validate:"omitempty,dive"`
	Sequence              []string     `json:"sequence,omitempty" validate:"omitempty,min=2,dive,required"`
	SequenceWindowSeconds int          `json:"sequenceWindowSeconds,omitempty" validate:"omitempty,min=1"`
	MaxLookback           int          `json:"maxLookback,omitempty" validate:"omitempty,min=1,max=1000"`
	SameActor             bool         `json:"sameActor,omitempty"`
	Policy                string       `json:"policy,omitempty"`
	SuggestedActions      []string     `json:"suggestedActions,omitempty"`
}

type patternBuilder struct{}

type compiledPattern struct {
	config *PatternConfig
	expr   *regexp.Regexp
	policy *rego.PreparedEvalQuery
}

func (patternBuilder) compile(config map[string]interface{}) (*compiledPattern, *ValidationResult) {
	result := newValidationResult()
	cfg := &PatternConfig{}
	if !decodeConfig(config, cfg, result) {
		return nil, result
	}

	if cfg.Expression == "" && len(cfg.Conditions) == 0 && len(cfg.Sequence) == 0 && cfg.Policy == "" {
		result.addError("config", "required", "pattern rules need an expression, conditions, sequence or policy", nil)
		return nil, result
	}

	compiled := &compiledPattern{config: cfg}

	if cfg.Field == "" {
		cfg.Field = FieldEventType
	}
	if cfg.Expression != "" {
		re, err := regexp.Compile(cfg.Expression)
		if err != nil {
			result.addError("expression", "regex", err.Error(), cfg.Expression)
		}
		compiled.expr = re
	}

	for i, c := range cfg.Conditions {
		if c == nil {
			continue
		}
		if err := c.compile(); err != nil {
			result.addError(fmt.Sprintf("conditions[%d].value", i), "value", err.Error(), c.Value)
		}
	}

	if len(cfg.Sequence) > 0 {
		if cfg.SequenceWindowSeconds == 0 {
			cfg.SequenceWindowSeconds = defaultSequenceWindowSeconds
		}
		if cfg.MaxLookback == 0 {
			cfg.MaxLookback = defaultMaxLookback
		}
	}

	if cfg.Policy != "" {
		query, err := preparePolicy(cfg.Policy)
		if err != nil {
			result.addError("policy", "rego", err.Error(), nil)
		}
		compiled.policy = query
	}

	return compiled, result
}

func preparePolicy(src string) (*rego.PreparedEvalQuery, error) {
	module, err := ast.ParseModule("rule.rego", src)
	if err != nil {
		return nil, err
	}
	if module == nil || module.Package.Path.String() != "data.threat" {
		return nil, fmt.Errorf("policy must declare package threat")
	}

	query, err := rego.New(
		rego.Query(PolicyQuery),
		rego.Module("rule.rego", src),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, err
	}
	return &query, nil
}

func (b patternBuilder) Validate(config map[string]interface{}) *ValidationResult {
	_, result := b.compile(config)
	return result
}

func (b patternBuilder) Build(rule *models.ThreatRule) (Evaluator, error) {
	compiled, result := b.compile(rule.Config)
	if !result.Valid {
		return nil, fmt.Errorf("invalid pattern config: %s", result.Summary())
	}
	return &patternEvaluator{
		compiled: compiled,
		score:    scoreForSeverity(rule.Severity),
	}, nil
}

type patternEvaluator struct {
	compiled *compiledPattern
	score    float64
}

func (p *patternEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	cfg := p.compiled.config
	miss := func(reason string) (*Outcome, error) {
		return &Outcome{Reason: reason}, nil
	}

	if len(cfg.EventTypes) > 0 && !containsString(cfg.EventTypes, event.EventType) {
		return miss("event type not covered by rule")
	}

	evidence := map[string]interface{}{}
	var reasons []string

	if p.compiled.expr != nil {
		raw, _ := ResolveField(event, cfg.Field)
		value := toString(raw)
		if !p.compiled.expr.MatchString(value) {
			return miss(fmt.Sprintf("%s does not match expression", cfg.Field))
		}
		evidence["field"] = cfg.Field
		evidence["value"] = value
		reasons = append(reasons, fmt.Sprintf("%s matches %q", cfg.Field, cfg.Expression))
	}

	if len(cfg.Conditions) > 0 {
		if !matchAll(cfg.Conditions, event) {
			return miss("conditions not satisfied")
		}
		reasons = append(reasons, fmt.Sprintf("%d conditions satisfied", len(cfg.Conditions)))
	}

	if len(cfg.Sequence) > 0 {
		chain, ok := p.matchSequence(event, recent)
		if !ok {
			return miss("sequence not observed")
		}
		evidence["sequence"] = chain
		reasons = append(reasons, fmt.Sprintf("sequence %s observed", strings.Join(cfg.Sequence, " -> ")))
	}

	if p.compiled.policy != nil {
		matched, err := p.evalPolicy(ctx, event, recent)
		if err != nil {
			return nil, err
		}
		if !matched {
			return miss("policy did not match")
		}
		reasons = append(reasons, "policy matched")
	}

	return &Outcome{
		Matched:  true,
		Score:    p.score,
		Reason:   strings.Join(reasons, "; "),
		Evidence: evidence,
	}, nil
}

// matchSequence walks recent backwards from the current event looking for
// the configured event types in order. It gives up after MaxLookback events
// or once events fall outside the sequence window.
func (p *patternEvaluator) matchSequence(event *models.SecurityEvent, recent []*models.SecurityEvent) ([]string, bool) {
	cfg := p.compiled.config
	seq := cfg.Sequence
	if event.EventType != seq[len(seq)-1] {
		return nil, false
	}

	from := event.Timestamp.Add(-time.Duration(cfg.SequenceWindowSeconds) * time.Second)
	actor := event.Actor.Key()
	want := len(seq) - 2
	matched := []string{event.EventType}
	looked := 0

	for i := len(recent) - 1; i >= 0 && want >= 0 && looked < cfg.MaxLookback; i-- {
		r := recent[i]
		if r == nil || r == event || r.Timestamp.After(event.Timestamp) {
			continue
		}
		if r.Timestamp.Before(from) {
			break
		}
		looked++
		if cfg.SameActor && r.Actor.Key() != actor {
			continue
		}
		if r.EventType == seq[want] {
			matched = append([]string{r.EventType}, matched...)
			want--
		}
	}
	return matched, want < 0
}

func (p *patternEvaluator) evalPolicy(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (bool, error) {
	docs := make([]interface{}, 0, len(recent))
	for _, r := range recent {
		if r != nil && r != event {
			docs = append(docs, eventDocument(r))
		}
	}
	input := map[string]interface{}{
		"event":  eventDocument(event),
		"recent": docs,
	}

	rs, err := p.compiled.policy.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluating policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	matched, ok := rs[0].Expressions[0].Value.(bool)
	return ok && matched, nil
}
