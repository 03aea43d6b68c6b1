package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

func (r *ValidationResult) addError(field, errType, message string, value interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Type:    errType,
		Message: message,
		Value:   value,
	})
}

func (r *ValidationResult) merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for _, e := range other.Errors {
		r.addError(e.Field, e.Type, e.Message, e.Value)
	}
}

// Summary joins the errors into one line
func (r *ValidationResult) Summary() string {
	var messages []string
	for _, e := range r.Errors {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(messages, "; ")
}

// Outcome is what an evaluator decides about one event
type Outcome struct {
	Matched  bool
	Score    float64
	Reason   string
	Evidence map[string]interface{}
}

// Evaluator is the executable form of a rule condition
type Evaluator interface {
	Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error)
}

// ConditionBuilder validates and compiles the config of one condition type
type ConditionBuilder interface {
	Validate(config map[string]interface{}) *ValidationResult
	Build(rule *models.ThreatRule) (Evaluator, error)
}

// RuleInstance is a validated rule bound to its compiled condition
type RuleInstance struct {
	rule      *models.ThreatRule
	evaluator Evaluator
	actions   []string
}

// NewRuleInstance binds rule to an evaluator built outside the factory
func NewRuleInstance(rule *models.ThreatRule, evaluator Evaluator) *RuleInstance {
	r := *rule
	return &RuleInstance{rule: &r, evaluator: evaluator, actions: suggestedActions(rule.Config)}
}

// ID returns the rule id
func (r *RuleInstance) ID() string { return r.rule.ID }

// Name returns the rule name
func (r *RuleInstance) Name() string { return r.rule.Name }

// Status returns the rule status
func (r *RuleInstance) Status() models.RuleStatus { return r.rule.Status }

// Severity returns the rule severity
func (r *RuleInstance) Severity() models.Severity { return r.rule.Severity }

// ConditionType returns the rule condition type
func (r *RuleInstance) ConditionType() models.ConditionType { return r.rule.ConditionType }

// Rule returns a copy of the record the instance was built from
func (r *RuleInstance) Rule() *models.ThreatRule {
	c := *r.rule
	return &c
}

var (
	configValidate     *validator.Validate
	configValidateOnce sync.Once
)

func getValidator() *validator.Validate {
	configValidateOnce.Do(func() {
		configValidate = validator.New(validator.WithRequiredStructEnabled())
		configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = configValidate.RegisterValidation("fieldpath", func(fl validator.FieldLevel) bool {
			return ValidFieldPath(fl.Field().String())
		})
	})
	return configValidate
}

// Factory validates rule records and turns them into rule instances
type Factory struct {
	mu       sync.RWMutex
	builders map[models.ConditionType]ConditionBuilder
}

// NewFactory creates a factory with the built-in condition types registered
func NewFactory() *Factory {
	f := &Factory{builders: make(map[models.ConditionType]ConditionBuilder)}
	f.RegisterConditionType(models.ConditionThreshold, thresholdBuilder{})
	f.RegisterConditionType(models.ConditionPattern, patternBuilder{})
	f.RegisterConditionType(models.ConditionAnomaly, anomalyBuilder{})
	return f
}

// RegisterConditionType adds or replaces the builder for a condition type
func (f *Factory) RegisterConditionType(conditionType models.ConditionType, builder ConditionBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[conditionType] = builder
}

// ConditionTypes returns the supported condition types
func (f *Factory) ConditionTypes() []models.ConditionType {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]models.ConditionType, 0, len(f.builders))
	for ct := range f.builders {
		types = append(types, ct)
	}
	return types
}

func (f *Factory) builder(conditionType models.ConditionType) (ConditionBuilder, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.builders[conditionType]
	return b, ok
}

// ValidateConfig checks config against the schema of conditionType
func (f *Factory) ValidateConfig(conditionType models.ConditionType, config map[string]interface{}) *ValidationResult {
	b, ok := f.builder(conditionType)
	if !ok {
		result := newValidationResult()
		result.addError("conditionType", "unknown", fmt.Sprintf("unsupported condition type %q", conditionType), string(conditionType))
		return result
	}
	return b.Validate(config)
}

// ValidateRecord checks the record fields and its config
func (f *Factory) ValidateRecord(rule *models.ThreatRule) *ValidationResult {
	result := newValidationResult()
	if rule == nil {
		result.addError("rule", "required", "rule is required", nil)
		return result
	}

	if strings.TrimSpace(rule.ID) == "" {
		result.addError("id", "required", "is required", nil)
	}
	if strings.TrimSpace(rule.Name) == "" {
		result.addError("name", "required", "is required", nil)
	}
	if !rule.Severity.Valid() {
		result.addError("severity", "oneof", "must be one of LOW MEDIUM HIGH CRITICAL", string(rule.Severity))
	}
	if !rule.Status.Valid() {
		result.addError("status", "oneof", "must be one of ACTIVE TESTING INACTIVE", string(rule.Status))
	}

	result.merge(f.ValidateConfig(rule.ConditionType, rule.Config))
	return result
}

// CreateFromRecord validates rule and compiles it into an executable instance
func (f *Factory) CreateFromRecord(rule *models.ThreatRule) (*RuleInstance, error) {
	result := f.ValidateRecord(rule)
	if !result.Valid {
		return nil, &InvalidRuleError{RuleID: ruleID(rule), Result: result}
	}

	b, _ := f.builder(rule.ConditionType)
	evaluator, err := b.Build(rule)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeValidation, fmt.Sprintf("Failed to build rule %s", rule.ID), err)
	}
	return NewRuleInstance(rule, evaluator), nil
}

// InvalidRuleError carries the field errors of a rejected rule
type InvalidRuleError struct {
	RuleID string
	Result *ValidationResult
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("%s: rule %s is invalid (%s)", utils.ErrCodeValidation, e.RuleID, e.Result.Summary())
}

// Unwrap exposes the error as a validation AppError
func (e *InvalidRuleError) Unwrap() error {
	return utils.NewAppError(utils.ErrCodeValidation, "Rule validation failed", e.Result.Summary())
}

// ValidationErrors extracts field errors from err, if it carries any
func ValidationErrors(err error) []*ValidationError {
	var invalid *InvalidRuleError
	if errors.As(err, &invalid) {
		return invalid.Result.Errors
	}
	return nil
}

func ruleID(rule *models.ThreatRule) string {
	if rule == nil {
		return ""
	}
	return rule.ID
}

// decodeConfig decodes config into target and applies its struct tags.
// It returns false when decoding failed.
func decodeConfig(config map[string]interface{}, target interface{}, result *ValidationResult) bool {
	if config == nil {
		config = map[string]interface{}{}
	}

	raw, err := json.Marshal(config)
	if err != nil {
		result.addError("config", "encoding", err.Error(), nil)
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			result.addError(typeErr.Field, "type", fmt.Sprintf("must be a %s", typeErr.Type), typeErr.Value)
		} else {
			result.addError("config", "decode", err.Error(), nil)
		}
		return false
	}

	if err := getValidator().Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			result.addError("config", "validate", err.Error(), nil)
			return false
		}
		for _, fe := range fieldErrs {
			result.addError(fieldName(fe), fe.Tag(), tagMessage(fe), fe.Value())
		}
	}
	return true
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "fieldpath":
		return "must be eventType, severity, actor.userId, actor.ipAddress, actor.userAgent or metadata.<key>"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func suggestedActions(config map[string]interface{}) []string {
	raw, ok := config["suggestedActions"].([]interface{})
	if !ok {
		if list, ok := config["suggestedActions"].([]string); ok {
			return append([]string(nil), list...)
		}
		return nil
	}
	actions := make([]string, 0, len(raw))
	for _, a := range raw {
		if s := toString(a); s != "" {
			actions = append(actions, s)
		}
	}
	return actions
}

// scoreForSeverity is the fixed score of binary matches
func scoreForSeverity(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 100
	case models.SeverityHigh:
		return 75
	case models.SeverityMedium:
		return 50
	default:
		return 25
	}
}

// scaledScore maps ratio 1.0 to 50 and caps at 100
func scaledScore(ratio float64) float64 {
	score := 50 * ratio
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
