package rules

import (
	"testing"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exfilPolicy = `package threat

match if {
	input.event.eventType == "FILE_DOWNLOAD"
	input.event.metadata.bytes > 1000000
}
`

func errorFields(result *ValidationResult) []string {
	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestValidateConfig(t *testing.T) {
	f := NewFactory()

	tests := []struct {
		name      string
		condition models.ConditionType
		config    map[string]interface{}
		wantField string
	}{
		{
			name:      "threshold ok",
			condition: models.ConditionThreshold,
			config:    map[string]interface{}{"threshold": 5, "timeWindowSeconds": 300, "eventTypes": []interface{}{"LOGIN_FAILED"}},
		},
		{
			name:      "threshold missing window",
			condition: models.ConditionThreshold,
			config:    map[string]interface{}{"threshold": 5},
			wantField: "timeWindowSeconds",
		},
		{
			name:      "threshold not a number",
			condition: models.ConditionThreshold,
			config:    map[string]interface{}{"threshold": "five", "timeWindowSeconds": 300},
			wantField: "threshold",
		},
		{
			name:      "threshold unknown group",
			condition: models.ConditionThreshold,
			config:    map[string]interface{}{"threshold": 5, "timeWindowSeconds": 300, "groupBy": "metadata.host"},
			wantField: "groupBy",
		},
		{
			name:      "threshold bad operator",
			condition: models.ConditionThreshold,
			config: map[string]interface{}{"threshold": 2, "timeWindowSeconds": 60, "conditions": []interface{}{
				map[string]interface{}{"field": "metadata.path", "operator": "like", "value": "/admin"},
			}},
			wantField: "conditions[0].operator",
		},
		{
			name:      "threshold in needs list",
			condition: models.ConditionThreshold,
			config: map[string]interface{}{"threshold": 2, "timeWindowSeconds": 60, "conditions": []interface{}{
				map[string]interface{}{"field": "actor.ipAddress", "operator": "in", "value": "10.0.0.1"},
			}},
			wantField: "conditions[0].value",
		},
		{
			name:      "pattern expression ok",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"expression": "^PRIVILEGE_", "field": "eventType"},
		},
		{
			name:      "pattern empty",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{},
			wantField: "config",
		},
		{
			name:      "pattern bad regex",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"expression": "([a-z"},
			wantField: "expression",
		},
		{
			name:      "pattern bad field",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"expression": "x", "field": "actor.name"},
			wantField: "field",
		},
		{
			name:      "pattern short sequence",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"sequence": []interface{}{"LOGIN_FAILED"}},
			wantField: "sequence",
		},
		{
			name:      "pattern policy ok",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"policy": exfilPolicy},
		},
		{
			name:      "pattern policy wrong package",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"policy": "package other\n\nmatch := true\n"},
			wantField: "policy",
		},
		{
			name:      "pattern policy syntax error",
			condition: models.ConditionPattern,
			config:    map[string]interface{}{"policy": "package threat\n\nmatch if {"},
			wantField: "policy",
		},
		{
			name:      "anomaly ok",
			condition: models.ConditionAnomaly,
			config:    map[string]interface{}{"feature": "metadata.bytes", "baseline": 1000, "deviation": 500},
		},
		{
			name:      "anomaly missing deviation",
			condition: models.ConditionAnomaly,
			config:    map[string]interface{}{"feature": "metadata.bytes", "baseline": 1000},
			wantField: "deviation",
		},
		{
			name:      "anomaly zero deviation",
			condition: models.ConditionAnomaly,
			config:    map[string]interface{}{"feature": "metadata.bytes", "baseline": 1000, "deviation": 0},
			wantField: "deviation",
		},
		{
			name:      "anomaly missing feature",
			condition: models.ConditionAnomaly,
			config:    map[string]interface{}{"baseline": 1, "deviation": 1},
			wantField: "feature",
		},
		{
			name:      "anomaly dynamic ok",
			condition: models.ConditionAnomaly,
			config:    map[string]interface{}{"feature": "metadata.bytes", "dynamic": true},
		},
		{
			name:      "unknown condition type",
			condition: models.ConditionType("MACHINE_LEARNING"),
			config:    map[string]interface{}{},
			wantField: "conditionType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.ValidateConfig(tt.condition, tt.config)
			if tt.wantField == "" {
				assert.True(t, result.Valid, "unexpected errors: %s", result.Summary())
				assert.Empty(t, result.Errors)
				return
			}
			assert.False(t, result.Valid)
			assert.Contains(t, errorFields(result), tt.wantField)
		})
	}
}

func TestCreateFromRecordRejectsInvalidRule(t *testing.T) {
	f := NewFactory()

	_, err := f.CreateFromRecord(&models.ThreatRule{
		ID:            "bad",
		Name:          "Bad rule",
		Status:        models.RuleStatusActive,
		Severity:      models.SeverityHigh,
		ConditionType: models.ConditionThreshold,
		Config:        map[string]interface{}{"threshold": 0, "timeWindowSeconds": 60},
	})
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
	assert.Contains(t, fieldsOf(ValidationErrors(err)), "threshold")

	_, err = f.CreateFromRecord(&models.ThreatRule{
		ID:            "unknown",
		Name:          "Unknown",
		Status:        models.RuleStatusActive,
		Severity:      "URGENT",
		ConditionType: "GRAPH",
	})
	require.Error(t, err)
	fields := fieldsOf(ValidationErrors(err))
	assert.Contains(t, fields, "severity")
	assert.Contains(t, fields, "conditionType")
}

func TestCreateFromRecordBuildsInstance(t *testing.T) {
	f := NewFactory()

	instance, err := f.CreateFromRecord(&models.ThreatRule{
		ID:            "exfil",
		Name:          "Large download",
		Status:        models.RuleStatusTesting,
		Severity:      models.SeverityCritical,
		ConditionType: models.ConditionPattern,
		Config: map[string]interface{}{
			"policy":           exfilPolicy,
			"suggestedActions": []interface{}{"revoke-session", "notify-owner"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "exfil", instance.ID())
	assert.Equal(t, models.RuleStatusTesting, instance.Status())
	assert.Equal(t, []string{"revoke-session", "notify-owner"}, instance.actions)
}

func fieldsOf(errs []*ValidationError) []string {
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	return fields
}
