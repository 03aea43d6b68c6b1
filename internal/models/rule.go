package models

import "time"

// RuleStatus controls whether a rule is loaded into the engine
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusTesting  RuleStatus = "TESTING"
	RuleStatusInactive RuleStatus = "INACTIVE"
)

// Loadable reports whether rules in this status belong in the engine.
func (s RuleStatus) Loadable() bool {
	return s == RuleStatusActive || s == RuleStatusTesting
}

// Valid reports whether s is a known status.
func (s RuleStatus) Valid() bool {
	return s.Loadable() || s == RuleStatusInactive
}

// ConditionType selects how a rule evaluates events
type ConditionType string

const (
	ConditionThreshold ConditionType = "THRESHOLD"
	ConditionPattern   ConditionType = "PATTERN"
	ConditionAnomaly   ConditionType = "ANOMALY"
)

// ThreatRule is the stored configuration of a threat detection rule
type ThreatRule struct {
	ID            string                 `json:"id" yaml:"id" db:"id"`
	Name          string                 `json:"name" yaml:"name" db:"name"`
	Description   string                 `json:"description,omitempty" yaml:"description" db:"description"`
	Version       int                    `json:"version" yaml:"version" db:"version"`
	Status        RuleStatus             `json:"status" yaml:"status" db:"status"`
	Severity      Severity               `json:"severity" yaml:"severity" db:"severity"`
	ConditionType ConditionType          `json:"condition_type" yaml:"condition_type" db:"condition_type"`
	Config        map[string]interface{} `json:"config" yaml:"config" db:"config"`
	Tags          []string               `json:"tags,omitempty" yaml:"tags" db:"tags"`
	CreatedBy     string                 `json:"created_by,omitempty" yaml:"created_by" db:"created_by"`
	CreatedAt     time.Time              `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedBy     string                 `json:"updated_by,omitempty" yaml:"updated_by" db:"updated_by"`
	UpdatedAt     time.Time              `json:"updated_at" yaml:"-" db:"updated_at"`
}

// HasTag reports whether the rule carries tag.
func (r *ThreatRule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RuleFilter for listing rules
type RuleFilter struct {
	Status        *RuleStatus    `json:"status,omitempty"`
	ConditionType *ConditionType `json:"condition_type,omitempty"`
	Tag           *string        `json:"tag,omitempty"`
}

// Matches applies the filter to a rule in memory.
func (f RuleFilter) Matches(rule *ThreatRule) bool {
	if f.Status != nil && rule.Status != *f.Status {
		return false
	}
	if f.ConditionType != nil && rule.ConditionType != *f.ConditionType {
		return false
	}
	if f.Tag != nil && !rule.HasTag(*f.Tag) {
		return false
	}
	return true
}

// RuleEvaluationResult is produced for one rule evaluated against one event
type RuleEvaluationResult struct {
	RuleID           string                 `json:"rule_id"`
	RuleName         string                 `json:"rule_name"`
	Matched          bool                   `json:"matched"`
	Severity         Severity               `json:"severity"`
	Score            float64                `json:"score"`
	Reason           string                 `json:"reason"`
	Evidence         map[string]interface{} `json:"evidence,omitempty"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
	Testing          bool                   `json:"testing"`
	EvaluatedAt      time.Time              `json:"evaluated_at"`
	ExecutionTime    time.Duration          `json:"execution_time"`
}
