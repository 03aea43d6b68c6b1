package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/security-event-chain/internal/models"
)

func validEvent() *models.SecurityEvent {
	return &models.SecurityEvent{
		EventType: "FILE_DOWNLOAD",
		Severity:  models.SeverityLow,
		Timestamp: time.Now(),
		Actor:     models.Actor{UserID: "u-1", IPAddress: "192.0.2.10"},
		Metadata:  map[string]interface{}{"bytes": 2048, "path": "/exports/q3.csv"},
	}
}

func TestEventValidatorAcceptsValidEvent(t *testing.T) {
	v := NewEventValidator()
	assert.NoError(t, v.ValidateEvent(validEvent()))

	event := validEvent()
	event.Actor = models.Actor{}
	assert.NoError(t, v.ValidateEvent(event), "actor is optional for system events")
}

func TestEventValidatorRejectsOversizedMetadata(t *testing.T) {
	v := NewEventValidator()
	event := validEvent()
	event.Metadata = map[string]interface{}{"blob": string(make([]byte, maxMetadataBytes))}

	result := v.ValidateEventDetailed(event)
	require.False(t, result.Valid)
	assert.Equal(t, "metadata", result.Errors[0].Field)
	assert.Equal(t, map[string]int{"metadata": 1}, v.GetValidationSummary())
}

func TestEventValidatorCustomRules(t *testing.T) {
	v := NewEventValidator()
	maxBytes := 1024.0

	require.NoError(t, v.AddValidationRule("FILE_DOWNLOAD", &ValidationRule{
		Field:    "metadata.bytes",
		Type:     "range",
		MaxValue: &maxBytes,
	}))
	require.NoError(t, v.AddValidationRule("FILE_DOWNLOAD", &ValidationRule{
		Field:   "metadata.path",
		Type:    "regex",
		Pattern: `^/exports/`,
	}))
	require.NoError(t, v.AddValidationRule("*", &ValidationRule{
		Field:   "actor.userId",
		Type:    "required",
		Message: "every event needs a user",
	}))

	result := v.ValidateEventDetailed(validEvent())
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "metadata.bytes", result.Errors[0].Field)
	assert.Equal(t, "metadata.bytes must be at most 1024", result.Errors[0].Message)

	anonymous := validEvent()
	anonymous.EventType = "LOGIN"
	anonymous.Actor.UserID = ""
	result = v.ValidateEventDetailed(anonymous)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "every event needs a user", result.Errors[0].Message)

	v.RemoveValidationRule("FILE_DOWNLOAD", "metadata.bytes")
	assert.NoError(t, v.ValidateEvent(validEvent()))
}

func TestEventValidatorRejectsBadRules(t *testing.T) {
	v := NewEventValidator()

	assert.Error(t, v.AddValidationRule("*", &ValidationRule{Field: "nope", Type: "required"}))
	assert.Error(t, v.AddValidationRule("*", &ValidationRule{Field: "eventType", Type: "regex", Pattern: "("}))
	assert.Error(t, v.AddValidationRule("*", &ValidationRule{Field: "metadata.x", Type: "range"}))
	assert.Error(t, v.AddValidationRule("*", &ValidationRule{Field: "metadata.x", Type: "lua"}))
}
