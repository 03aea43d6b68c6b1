package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

func loginFailed(user string, ago time.Duration) *models.SecurityEvent {
	return &models.SecurityEvent{
		EventType: "LOGIN_FAILED",
		Severity:  models.SeverityMedium,
		Timestamp: now.Add(-ago),
		Actor:     models.Actor{UserID: user, IPAddress: "198.51.100.20"},
		Metadata:  map[string]interface{}{"reason": "bad_password"},
	}
}

func mustInstance(t *testing.T, rule *models.ThreatRule) *RuleInstance {
	t.Helper()
	instance, err := NewFactory().CreateFromRecord(rule)
	require.NoError(t, err)
	return instance
}

func bruteForceRule(status models.RuleStatus) *models.ThreatRule {
	return &models.ThreatRule{
		ID:            "brute-force",
		Name:          "Brute force login",
		Version:       1,
		Status:        status,
		Severity:      models.SeverityHigh,
		ConditionType: models.ConditionThreshold,
		Config: map[string]interface{}{
			"threshold":         5,
			"timeWindowSeconds": 300,
			"eventTypes":        []interface{}{"LOGIN_FAILED"},
		},
	}
}

func recentFailures(n int) []*models.SecurityEvent {
	recent := make([]*models.SecurityEvent, 0, n)
	for i := n; i >= 1; i-- {
		recent = append(recent, loginFailed("alice", time.Duration(i)*30*time.Second))
	}
	return recent
}

func TestThresholdRuleCountsRecentEvents(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusActive))))

	current := loginFailed("alice", 0)

	results := engine.Evaluate(context.Background(), current, recentFailures(4))
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.Equal(t, "brute-force", results[0].RuleID)
	assert.Equal(t, models.SeverityHigh, results[0].Severity)
	assert.Equal(t, 50.0, results[0].Score)
	assert.Equal(t, 5, results[0].Evidence["count"])
	assert.False(t, results[0].Testing)

	assert.Empty(t, engine.Evaluate(context.Background(), current, recentFailures(3)))

	m := engine.Metrics()
	assert.Equal(t, uint64(2), m.TotalExecutions)
	assert.Equal(t, uint64(1), m.TotalMatches)
	assert.InDelta(t, 0.5, m.MatchRate, 1e-9)
	assert.Equal(t, uint64(2), m.RuleStats["brute-force"].Executions)
	assert.NotNil(t, m.RuleStats["brute-force"].LastMatchedAt)
}

func TestThresholdRuleIgnoresOutOfWindowAndOtherTypes(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusActive))))

	recent := recentFailures(3)
	recent = append(recent, loginFailed("alice", 10*time.Minute))
	other := loginFailed("alice", time.Minute)
	other.EventType = "LOGIN_SUCCESS"
	recent = append(recent, other)

	assert.Empty(t, engine.Evaluate(context.Background(), loginFailed("alice", 0), recent))

	// The current event itself must satisfy the predicate.
	success := loginFailed("alice", 0)
	success.EventType = "LOGIN_SUCCESS"
	assert.Empty(t, engine.Evaluate(context.Background(), success, recentFailures(10)))
}

func TestThresholdRuleCountsEventsNewerThanCurrent(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusActive))))

	// A delayed submission arrives after four newer failures.
	newer := []*models.SecurityEvent{
		loginFailed("alice", 3*time.Minute),
		loginFailed("alice", 2*time.Minute),
		loginFailed("alice", time.Minute),
		loginFailed("alice", 0),
	}
	results := engine.Evaluate(context.Background(), loginFailed("alice", 4*time.Minute), newer)
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.Equal(t, 5, results[0].Evidence["count"])
	assert.Equal(t, now, results[0].Evidence["windowEnd"])

	// Too old to share a window with the newest failure.
	assert.Empty(t, engine.Evaluate(context.Background(), loginFailed("alice", 10*time.Minute), newer))
}

func TestThresholdRuleGroupsByActor(t *testing.T) {
	rule := bruteForceRule(models.RuleStatusActive)
	rule.Config["groupBy"] = "actor.userId"
	rule.Config["threshold"] = 3

	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, rule)))

	recent := []*models.SecurityEvent{
		loginFailed("bob", 2*time.Minute),
		loginFailed("carol", 90*time.Second),
		loginFailed("bob", time.Minute),
	}
	assert.Empty(t, engine.Evaluate(context.Background(), loginFailed("carol", 0), recent))

	results := engine.Evaluate(context.Background(), loginFailed("bob", 0), recent)
	require.Len(t, results, 1)
	assert.Equal(t, "bob", results[0].Evidence["group"])
}

func TestPatternRules(t *testing.T) {
	ctx := context.Background()

	t.Run("expression", func(t *testing.T) {
		instance := mustInstance(t, &models.ThreatRule{
			ID: "priv", Name: "Privilege change", Status: models.RuleStatusActive,
			Severity: models.SeverityMedium, ConditionType: models.ConditionPattern,
			Config: map[string]interface{}{"expression": "^/admin/", "field": "metadata.path"},
		})
		event := loginFailed("alice", 0)
		event.Metadata = map[string]interface{}{"path": "/admin/users"}

		result, err := NewEngine(nil).EvaluateRule(ctx, instance, event, nil)
		require.NoError(t, err)
		assert.True(t, result.Matched)
		assert.Equal(t, 50.0, result.Score)

		event.Metadata["path"] = "/home"
		result, err = NewEngine(nil).EvaluateRule(ctx, instance, event, nil)
		require.NoError(t, err)
		assert.False(t, result.Matched)
	})

	t.Run("sequence", func(t *testing.T) {
		instance := mustInstance(t, &models.ThreatRule{
			ID: "takeover", Name: "Account takeover", Status: models.RuleStatusActive,
			Severity: models.SeverityCritical, ConditionType: models.ConditionPattern,
			Config: map[string]interface{}{
				"sequence":              []interface{}{"LOGIN_FAILED", "LOGIN_SUCCESS", "PASSWORD_CHANGED"},
				"sequenceWindowSeconds": 600,
				"sameActor":             true,
			},
		})

		success := loginFailed("alice", 2*time.Minute)
		success.EventType = "LOGIN_SUCCESS"
		current := loginFailed("alice", 0)
		current.EventType = "PASSWORD_CHANGED"

		recent := []*models.SecurityEvent{loginFailed("alice", 5*time.Minute), loginFailed("bob", 4*time.Minute), success}
		result, err := NewEngine(nil).EvaluateRule(ctx, instance, current, recent)
		require.NoError(t, err)
		assert.True(t, result.Matched)
		assert.Equal(t, 100.0, result.Score)
		assert.Equal(t, []string{"LOGIN_FAILED", "LOGIN_SUCCESS", "PASSWORD_CHANGED"}, result.Evidence["sequence"])

		// Out of order: the failure came after the success.
		reordered := []*models.SecurityEvent{success, loginFailed("alice", time.Minute)}
		result, err = NewEngine(nil).EvaluateRule(ctx, instance, current, reordered)
		require.NoError(t, err)
		assert.False(t, result.Matched)

		// Another actor's events do not complete the sequence.
		bobSuccess := loginFailed("bob", 2*time.Minute)
		bobSuccess.EventType = "LOGIN_SUCCESS"
		result, err = NewEngine(nil).EvaluateRule(ctx, instance, current, []*models.SecurityEvent{loginFailed("alice", 5*time.Minute), bobSuccess})
		require.NoError(t, err)
		assert.False(t, result.Matched)
	})

	t.Run("policy", func(t *testing.T) {
		instance := mustInstance(t, &models.ThreatRule{
			ID: "exfil", Name: "Large download", Status: models.RuleStatusActive,
			Severity: models.SeverityHigh, ConditionType: models.ConditionPattern,
			Config: map[string]interface{}{"policy": exfilPolicy},
		})
		event := &models.SecurityEvent{
			EventType: "FILE_DOWNLOAD",
			Severity:  models.SeverityLow,
			Timestamp: now,
			Actor:     models.Actor{UserID: "dave", IPAddress: "192.0.2.44"},
			Metadata:  map[string]interface{}{"bytes": 5000000},
		}

		result, err := NewEngine(nil).EvaluateRule(ctx, instance, event, nil)
		require.NoError(t, err)
		assert.True(t, result.Matched)
		assert.Equal(t, 75.0, result.Score)

		event.Metadata["bytes"] = 10
		result, err = NewEngine(nil).EvaluateRule(ctx, instance, event, nil)
		require.NoError(t, err)
		assert.False(t, result.Matched)
	})
}

func TestAnomalyRules(t *testing.T) {
	ctx := context.Background()
	download := func(bytes interface{}) *models.SecurityEvent {
		return &models.SecurityEvent{
			EventType: "FILE_DOWNLOAD",
			Severity:  models.SeverityLow,
			Timestamp: now,
			Actor:     models.Actor{UserID: "erin", IPAddress: "192.0.2.10"},
			Metadata:  map[string]interface{}{"bytes": bytes},
		}
	}

	static := mustInstance(t, &models.ThreatRule{
		ID: "volume", Name: "Download volume", Status: models.RuleStatusActive,
		Severity: models.SeverityMedium, ConditionType: models.ConditionAnomaly,
		Config: map[string]interface{}{"feature": "metadata.bytes", "baseline": 1000, "deviation": 500},
	})
	engine := NewEngine(nil)

	result, err := engine.EvaluateRule(ctx, static, download(2000), nil)
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, 100.0, result.Score)

	result, err = engine.EvaluateRule(ctx, static, download("1400"), nil)
	require.NoError(t, err)
	assert.False(t, result.Matched)

	_, err = engine.EvaluateRule(ctx, static, download("lots"), nil)
	assert.Error(t, err)

	login := loginFailed("erin", 0)
	result, err = engine.EvaluateRule(ctx, static, login, nil)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Contains(t, result.Reason, "metadata.bytes")

	dynamic := mustInstance(t, &models.ThreatRule{
		ID: "volume-learned", Name: "Learned download volume", Status: models.RuleStatusActive,
		Severity: models.SeverityMedium, ConditionType: models.ConditionAnomaly,
		Config: map[string]interface{}{"feature": "metadata.bytes", "dynamic": true, "sigma": 2, "minSamples": 4},
	})

	history := []*models.SecurityEvent{download(900), download(1100), download(1000), download(1000)}
	result, err = engine.EvaluateRule(ctx, dynamic, download(1050), history)
	require.NoError(t, err)
	assert.False(t, result.Matched)

	result, err = engine.EvaluateRule(ctx, dynamic, download(5000), history)
	require.NoError(t, err)
	assert.True(t, result.Matched)

	result, err = engine.EvaluateRule(ctx, dynamic, download(5000), history[:2])
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Contains(t, result.Reason, "samples")
}

type panicEvaluator struct{}

func (panicEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	panic("index out of range")
}

type errorEvaluator struct{}

func (errorEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	return nil, errors.New("malformed metadata")
}

type alwaysEvaluator struct{}

func (alwaysEvaluator) Evaluate(ctx context.Context, event *models.SecurityEvent, recent []*models.SecurityEvent) (*Outcome, error) {
	return &Outcome{Matched: true, Score: 10, Reason: "always"}, nil
}

func stubRule(id string, severity models.Severity) *models.ThreatRule {
	return &models.ThreatRule{ID: id, Name: id, Status: models.RuleStatusActive, Severity: severity, ConditionType: "STUB"}
}

func TestAnomalyRuleWithoutFeatureIsNotAnError(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, &models.ThreatRule{
		ID: "volume", Name: "Download volume", Status: models.RuleStatusActive,
		Severity: models.SeverityMedium, ConditionType: models.ConditionAnomaly,
		Config: map[string]interface{}{"feature": "metadata.bytes", "baseline": 1000, "deviation": 500},
	})))

	for i := 0; i < 3; i++ {
		assert.Empty(t, engine.Evaluate(context.Background(), loginFailed("erin", 0), nil))
	}

	m := engine.Metrics()
	assert.Equal(t, uint64(3), m.TotalExecutions)
	assert.Zero(t, m.TotalErrors)
	assert.Zero(t, m.RuleStats["volume"].Errors)
}

func TestEvaluateIsolatesFailingRules(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(NewRuleInstance(stubRule("a-panics", models.SeverityCritical), panicEvaluator{})))
	require.NoError(t, engine.RegisterRule(NewRuleInstance(stubRule("b-errors", models.SeverityCritical), errorEvaluator{})))
	require.NoError(t, engine.RegisterRule(NewRuleInstance(stubRule("c-matches", models.SeverityLow), alwaysEvaluator{})))

	results := engine.Evaluate(context.Background(), loginFailed("alice", 0), nil)
	require.Len(t, results, 1)
	assert.Equal(t, "c-matches", results[0].RuleID)

	m := engine.Metrics()
	assert.Equal(t, uint64(3), m.TotalExecutions)
	assert.Equal(t, uint64(2), m.TotalErrors)
	assert.Equal(t, uint64(1), m.TotalMatches)
	assert.Contains(t, m.RuleStats["a-panics"].LastError, "index out of range")
	assert.Equal(t, "malformed metadata", m.RuleStats["b-errors"].LastError)
}

func TestEvaluateOrdersBySeverity(t *testing.T) {
	engine := NewEngine(nil)
	for _, r := range []*models.ThreatRule{
		stubRule("low", models.SeverityLow),
		stubRule("critical-b", models.SeverityCritical),
		stubRule("medium", models.SeverityMedium),
		stubRule("critical-a", models.SeverityCritical),
		stubRule("high", models.SeverityHigh),
	} {
		require.NoError(t, engine.RegisterRule(NewRuleInstance(r, alwaysEvaluator{})))
	}

	results := engine.Evaluate(context.Background(), loginFailed("alice", 0), nil)
	var ids []string
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	assert.Equal(t, []string{"critical-a", "critical-b", "high", "medium", "low"}, ids)
}

func TestRegisterRuleLifecycle(t *testing.T) {
	engine := NewEngine(nil)

	err := engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusInactive)))
	assert.Error(t, err)
	assert.Empty(t, engine.Rules())

	require.NoError(t, engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusTesting))))
	results := engine.Evaluate(context.Background(), loginFailed("alice", 0), recentFailures(4))
	require.Len(t, results, 1)
	assert.True(t, results[0].Testing)

	// Hot swap to a stricter threshold under the same id.
	stricter := bruteForceRule(models.RuleStatusActive)
	stricter.Config["threshold"] = 10
	require.NoError(t, engine.RegisterRule(mustInstance(t, stricter)))
	assert.Len(t, engine.Rules(), 1)
	assert.Empty(t, engine.Evaluate(context.Background(), loginFailed("alice", 0), recentFailures(4)))

	m := engine.Metrics()
	assert.Equal(t, 1, m.TotalRules)
	assert.Equal(t, 1, m.ActiveRules)
	assert.Equal(t, 0, m.TestingRules)

	assert.True(t, engine.UnregisterRule("brute-force"))
	assert.False(t, engine.UnregisterRule("brute-force"))
	assert.Empty(t, engine.Rules())
}

func TestEvaluateRuleLeavesMetricsUntouched(t *testing.T) {
	engine := NewEngine(nil)
	instance := mustInstance(t, bruteForceRule(models.RuleStatusActive))

	result, err := engine.EvaluateRule(context.Background(), instance, loginFailed("alice", 0), recentFailures(1))
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, 20.0, result.Score)

	m := engine.Metrics()
	assert.Zero(t, m.TotalExecutions)
	assert.Empty(t, m.RuleStats)
}

func TestConcurrentEvaluateAndRegister(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterRule(mustInstance(t, bruteForceRule(models.RuleStatusActive))))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				engine.Evaluate(context.Background(), loginFailed("alice", 0), recentFailures(4))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("stub-%d", i)
		require.NoError(t, engine.RegisterRule(NewRuleInstance(stubRule(id, models.SeverityLow), alwaysEvaluator{})))
		engine.UnregisterRule(id)
	}
	wg.Wait()

	m := engine.Metrics()
	assert.GreaterOrEqual(t, m.TotalExecutions, uint64(200))
	assert.Equal(t, uint64(200), m.RuleStats["brute-force"].Executions)
}
