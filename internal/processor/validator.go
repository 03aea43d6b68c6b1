// File: internal/processor/validator.go
package processor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/rules"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

const (
	maxEventTypeLength = 128
	maxUserIDLength    = 256
	maxUserAgentLength = 1024
	maxMetadataBytes   = 64 * 1024
	maxClockSkew       = 5 * time.Minute
)

// ValidationRule is an extra per event type check applied after the built in ones
type ValidationRule struct {
	Field    string   `json:"field"`
	Type     string   `json:"type"` // required, regex, range
	Message  string   `json:"message"`
	Pattern  string   `json:"pattern,omitempty"`
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`

	re *regexp.Regexp
}

// InvalidEventError carries the field errors of a rejected event
type InvalidEventError struct {
	Result *rules.ValidationResult
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("%s: event is invalid (%s)", utils.ErrCodeValidation, e.Result.Summary())
}

// Unwrap exposes the error as a validation AppError
func (e *InvalidEventError) Unwrap() error {
	return utils.NewAppError(utils.ErrCodeValidation, "Event validation failed", e.Result.Summary())
}

// EventValidationErrors extracts field errors from err, if it carries any
func EventValidationErrors(err error) []*rules.ValidationError {
	var invalid *InvalidEventError
	if errors.As(err, &invalid) {
		return invalid.Result.Errors
	}
	return nil
}

// EventValidator checks normalized security events before they are enqueued
type EventValidator struct {
	eventTypeRegex *regexp.Regexp
	validate       *validator.Validate
	now            func() time.Time

	mu              sync.RWMutex
	validationRules map[string][]*ValidationRule
	rejected        map[string]int
}

// NewEventValidator creates a new event validator
func NewEventValidator() *EventValidator {
	return &EventValidator{
		eventTypeRegex:  regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`),
		validate:        validator.New(),
		now:             time.Now,
		validationRules: make(map[string][]*ValidationRule),
		rejected:        make(map[string]int),
	}
}

// ValidateEvent validates event and returns an *InvalidEventError on failure
func (ev *EventValidator) ValidateEvent(event *models.SecurityEvent) error {
	result := ev.ValidateEventDetailed(event)
	if !result.Valid {
		return &InvalidEventError{Result: result}
	}
	return nil
}

// ValidateEventDetailed validates an event and returns detailed results
func (ev *EventValidator) ValidateEventDetailed(event *models.SecurityEvent) *rules.ValidationResult {
	result := &rules.ValidationResult{Valid: true}
	if event == nil {
		ev.addError(result, "event", "required", "Event is required", nil)
		return result
	}

	ev.validateRequiredFields(event, result)
	ev.validateFormats(event, result)
	ev.validateBusinessLogic(event, result)
	ev.validateCustomRules(event, result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (ev *EventValidator) addError(result *rules.ValidationResult, field, errType, message string, value interface{}) {
	result.Valid = false
	result.Errors = append(result.Errors, &rules.ValidationError{
		Field:   field,
		Type:    errType,
		Message: message,
		Value:   value,
	})

	ev.mu.Lock()
	ev.rejected[field]++
	ev.mu.Unlock()
}

// validateRequiredFields validates required fields
func (ev *EventValidator) validateRequiredFields(event *models.SecurityEvent, result *rules.ValidationResult) {
	if strings.TrimSpace(event.EventType) == "" {
		ev.addError(result, "eventType", "required", "Event type is required", nil)
	}
	if !event.Severity.Valid() {
		ev.addError(result, "severity", "oneof", "Severity must be one of LOW, MEDIUM, HIGH, CRITICAL", event.Severity)
	}
	if event.Timestamp.IsZero() {
		ev.addError(result, "timestamp", "required", "Timestamp is required", nil)
	}
}

// validateFormats validates field formats
func (ev *EventValidator) validateFormats(event *models.SecurityEvent, result *rules.ValidationResult) {
	if event.EventType != "" {
		if len(event.EventType) > maxEventTypeLength {
			ev.addError(result, "eventType", "max", fmt.Sprintf("Event type exceeds %d characters", maxEventTypeLength), event.EventType)
		} else if !ev.eventTypeRegex.MatchString(event.EventType) {
			ev.addError(result, "eventType", "format", "Event type must start with a letter and contain only letters, digits and _.:-", event.EventType)
		}
	}

	if ip := event.Actor.IPAddress; ip != "" {
		if err := ev.validate.Var(ip, "ip"); err != nil {
			ev.addError(result, "actor.ipAddress", "ip", "Actor IP address is not a valid IPv4 or IPv6 address", ip)
		}
	}
	if len(event.Actor.UserID) > maxUserIDLength {
		ev.addError(result, "actor.userId", "max", fmt.Sprintf("Actor user id exceeds %d characters", maxUserIDLength), nil)
	}
	if len(event.Actor.UserAgent) > maxUserAgentLength {
		ev.addError(result, "actor.userAgent", "max", fmt.Sprintf("Actor user agent exceeds %d characters", maxUserAgentLength), nil)
	}
}

// validateBusinessLogic validates constraints the chain depends on
func (ev *EventValidator) validateBusinessLogic(event *models.SecurityEvent, result *rules.ValidationResult) {
	if !event.Timestamp.IsZero() && event.Timestamp.After(ev.now().Add(maxClockSkew)) {
		ev.addError(result, "timestamp", "future", "Timestamp is too far in the future", event.Timestamp)
	}

	for key := range event.Metadata {
		if strings.TrimSpace(key) == "" {
			ev.addError(result, "metadata", "key", "Metadata keys must not be empty", nil)
			break
		}
	}

	// Metadata that cannot be canonicalized would only fail later in the writer.
	canonical, err := integrity.CanonicalJSON(event.Metadata)
	if err != nil {
		ev.addError(result, "metadata", "encoding", "Metadata must be JSON encodable", nil)
	} else if len(canonical) > maxMetadataBytes {
		ev.addError(result, "metadata", "max", fmt.Sprintf("Metadata exceeds %d bytes", maxMetadataBytes), len(canonical))
	}
}

// validateCustomRules applies rules registered for the event type and for "*"
func (ev *EventValidator) validateCustomRules(event *models.SecurityEvent, result *rules.ValidationResult) {
	ev.mu.RLock()
	applicable := append([]*ValidationRule{}, ev.validationRules[event.EventType]...)
	applicable = append(applicable, ev.validationRules["*"]...)
	ev.mu.RUnlock()

	for _, rule := range applicable {
		if err := ev.applyValidationRule(event, rule); err != nil {
			ev.addError(result, rule.Field, rule.Type, err.Error(), nil)
		}
	}
}

// applyValidationRule applies a single validation rule
func (ev *EventValidator) applyValidationRule(event *models.SecurityEvent, rule *ValidationRule) error {
	value, ok := rules.ResolveField(event, rule.Field)

	switch rule.Type {
	case "required":
		if !ok || value == nil || value == "" {
			return errors.New(rule.message("%s is required", rule.Field))
		}
	case "regex":
		if !ok {
			return nil
		}
		if !rule.re.MatchString(fmt.Sprintf("%v", value)) {
			return errors.New(rule.message("%s does not match %s", rule.Field, rule.Pattern))
		}
	case "range":
		if !ok {
			return nil
		}
		n, numeric := rules.NumericValue(value)
		if !numeric {
			return errors.New(rule.message("%s must be numeric", rule.Field))
		}
		if rule.MinValue != nil && n < *rule.MinValue {
			return errors.New(rule.message("%s must be at least %v", rule.Field, *rule.MinValue))
		}
		if rule.MaxValue != nil && n > *rule.MaxValue {
			return errors.New(rule.message("%s must be at most %v", rule.Field, *rule.MaxValue))
		}
	}
	return nil
}

func (r *ValidationRule) message(format string, args ...interface{}) string {
	if r.Message != "" {
		return r.Message
	}
	return fmt.Sprintf(format, args...)
}

// AddValidationRule registers rule for eventType, or for every event with "*"
func (ev *EventValidator) AddValidationRule(eventType string, rule *ValidationRule) error {
	if !rules.ValidFieldPath(rule.Field) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid validation rule field", rule.Field)
	}
	switch rule.Type {
	case "required":
	case "regex":
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeValidation, "Invalid validation rule pattern", err.Error())
		}
		rule.re = re
	case "range":
		if rule.MinValue == nil && rule.MaxValue == nil {
			return utils.NewAppError(utils.ErrCodeValidation, "Range validation rule needs a bound", rule.Field)
		}
	default:
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown validation rule type", rule.Type)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.validationRules[eventType] = append(ev.validationRules[eventType], rule)
	return nil
}

// RemoveValidationRule removes the rules for field registered under eventType
func (ev *EventValidator) RemoveValidationRule(eventType string, field string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	kept := ev.validationRules[eventType][:0]
	for _, rule := range ev.validationRules[eventType] {
		if rule.Field != field {
			kept = append(kept, rule)
		}
	}
	if len(kept) == 0 {
		delete(ev.validationRules, eventType)
		return
	}
	ev.validationRules[eventType] = kept
}

// GetValidationSummary returns rejection counts per field
func (ev *EventValidator) GetValidationSummary() map[string]int {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	summary := make(map[string]int, len(ev.rejected))
	for field, n := range ev.rejected {
		summary[field] = n
	}
	return summary
}
