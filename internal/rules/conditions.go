package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smartdevs17/security-event-chain/internal/models"
)

// Condition operators
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpIn       = "in"
	OpContains = "contains"
	OpPrefix   = "prefix"
	OpSuffix   = "suffix"
	OpRegex    = "regex"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpExists   = "exists"
)

// Condition compares one event field against a value
type Condition struct {
	Field    string      `json:"field" validate:"required,fieldpath"`
	Operator string      `json:"operator" validate:"required,oneof=eq neq in contains prefix suffix regex gt gte lt lte exists"`
	Value    interface{} `json:"value,omitempty"`

	re *regexp.Regexp
}

// compile checks the value shape for the operator and prepares regexes
func (c *Condition) compile() error {
	switch c.Operator {
	case OpExists:
		return nil
	case OpIn:
		if _, ok := c.Value.([]interface{}); !ok {
			return fmt.Errorf("operator %q requires a list value", c.Operator)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("operator %q requires a numeric value", c.Operator)
		}
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("operator %q requires a string pattern", c.Operator)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		c.re = re
	default:
		if c.Value == nil {
			return fmt.Errorf("operator %q requires a value", c.Operator)
		}
	}
	return nil
}

// Matches reports whether event satisfies the condition
func (c *Condition) Matches(event *models.SecurityEvent) bool {
	actual, present := ResolveField(event, c.Field)

	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return present == want
	}
	if !present {
		return c.Operator == OpNeq
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNeq:
		return !valuesEqual(actual, c.Value)
	case OpIn:
		list, _ := c.Value.([]interface{})
		for _, candidate := range list {
			if valuesEqual(actual, candidate) {
				return true
			}
		}
		return false
	case OpContains:
		if list, ok := actual.([]interface{}); ok {
			for _, item := range list {
				if valuesEqual(item, c.Value) {
					return true
				}
			}
			return false
		}
		return strings.Contains(toString(actual), toString(c.Value))
	case OpPrefix:
		return strings.HasPrefix(toString(actual), toString(c.Value))
	case OpSuffix:
		return strings.HasSuffix(toString(actual), toString(c.Value))
	case OpRegex:
		return c.re != nil && c.re.MatchString(toString(actual))
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		b, _ := toFloat(c.Value)
		switch c.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			_, aString := a.(string)
			_, bString := b.(string)
			if !aString || !bString {
				return fa == fb
			}
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return toString(a) == toString(b)
}

// matchAll reports whether every condition holds. An empty list matches.
func matchAll(conditions []*Condition, event *models.SecurityEvent) bool {
	for _, c := range conditions {
		if !c.Matches(event) {
			return false
		}
	}
	return true
}
