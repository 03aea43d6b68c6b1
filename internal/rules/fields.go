package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
)

// Field paths addressable by rule configs
const (
	FieldEventType      = "eventType"
	FieldSeverity       = "severity"
	FieldActorUserID    = "actor.userId"
	FieldActorIPAddress = "actor.ipAddress"
	FieldActorUserAgent = "actor.userAgent"
	metadataFieldPrefix = "metadata."
)

// ValidFieldPath reports whether path names an event field or a metadata key
func ValidFieldPath(path string) bool {
	switch path {
	case FieldEventType, FieldSeverity, FieldActorUserID, FieldActorIPAddress, FieldActorUserAgent:
		return true
	}
	if !strings.HasPrefix(path, metadataFieldPrefix) {
		return false
	}
	for _, part := range strings.Split(strings.TrimPrefix(path, metadataFieldPrefix), ".") {
		if part == "" {
			return false
		}
	}
	return true
}

// ResolveField returns the value at path. Missing metadata keys and empty
// actor fields report ok=false.
func ResolveField(event *models.SecurityEvent, path string) (interface{}, bool) {
	if event == nil {
		return nil, false
	}

	switch path {
	case FieldEventType:
		return event.EventType, event.EventType != ""
	case FieldSeverity:
		return string(event.Severity), event.Severity != ""
	case FieldActorUserID:
		return event.Actor.UserID, event.Actor.UserID != ""
	case FieldActorIPAddress:
		return event.Actor.IPAddress, event.Actor.IPAddress != ""
	case FieldActorUserAgent:
		return event.Actor.UserAgent, event.Actor.UserAgent != ""
	}

	if !strings.HasPrefix(path, metadataFieldPrefix) {
		return nil, false
	}

	var current interface{} = event.Metadata
	for _, key := range strings.Split(strings.TrimPrefix(path, metadataFieldPrefix), ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// groupValue returns the value an event is grouped by, empty when groupBy is unset
func groupValue(event *models.SecurityEvent, groupBy string) string {
	if groupBy == "" {
		return ""
	}
	v, _ := ResolveField(event, groupBy)
	return toString(v)
}

// eventDocument renders an event with the same names used by field paths
func eventDocument(event *models.SecurityEvent) map[string]interface{} {
	actor := map[string]interface{}{
		"userId":    event.Actor.UserID,
		"ipAddress": event.Actor.IPAddress,
		"userAgent": event.Actor.UserAgent,
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"eventType": event.EventType,
		"severity":  string(event.Severity),
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":     actor,
		"metadata":  metadata,
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// NumericValue converts a resolved field value to a number when it holds one
func NumericValue(v interface{}) (float64, bool) {
	return toFloat(v)
}
