package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// sqliteTimeFormat is fixed width so that text comparison orders like time.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

const logEntryColumns = `sequence_number, id, event_type, severity, timestamp,
	actor_user_id, actor_ip_address, actor_user_agent, metadata,
	hash, previous_hash, archived, archived_at, created_at`

// logFilterClause builds the WHERE clause for a log query using $n placeholders.
func logFilterClause(filter models.LogFilter, formatTime func(time.Time) interface{}) (string, []interface{}) {
	clause := " WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.EventType != nil {
		clause += fmt.Sprintf(" AND event_type = $%d", argIndex)
		args = append(args, *filter.EventType)
		argIndex++
	}

	if filter.ActorID != nil {
		clause += fmt.Sprintf(" AND (actor_user_id = $%d OR actor_ip_address = $%d)", argIndex, argIndex+1)
		args = append(args, *filter.ActorID, *filter.ActorID)
		argIndex += 2
	}

	if filter.Severity != nil {
		clause += fmt.Sprintf(" AND severity = $%d", argIndex)
		args = append(args, string(*filter.Severity))
		argIndex++
	}

	if filter.From != nil {
		clause += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, formatTime(*filter.From))
		argIndex++
	}

	if filter.To != nil {
		clause += fmt.Sprintf(" AND timestamp <= $%d", argIndex)
		args = append(args, formatTime(*filter.To))
		argIndex++
	}

	if !filter.IncludeArchived {
		clause += " AND archived = FALSE"
	}

	return clause, args
}

// rebind converts $n placeholders to ? for drivers that need it.
func rebind(query string, argCount int) string {
	for i := argCount; i >= 1; i-- {
		query = strings.ReplaceAll(query, fmt.Sprintf("$%d", i), "?")
	}
	return query
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal JSON column", err.Error())
	}
	return string(raw), nil
}

// decodeJSONMap decodes a JSON object keeping numbers as json.Number so hashes
// recompute over the exact stored literals.
func decodeJSONMap(raw []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal JSON column", err.Error())
	}
	return out, nil
}

func decodeTags(raw []byte) ([]string, error) {
	var tags []string
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal rule tags", err.Error())
	}
	return tags, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal rule tags", err.Error())
	}
	return string(raw), nil
}

func int64Placeholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func filterRules(rules []*models.ThreatRule, filter models.RuleFilter) []*models.ThreatRule {
	out := make([]*models.ThreatRule, 0, len(rules))
	for _, rule := range rules {
		if filter.Matches(rule) {
			out = append(out, rule)
		}
	}
	return out
}
