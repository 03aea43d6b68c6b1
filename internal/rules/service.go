package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/storage"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
	"gopkg.in/yaml.v3"
)

// LoadResult reports a rule load from the store
type LoadResult struct {
	Loaded   int               `json:"loaded"`
	Inactive int               `json:"inactive"`
	Skipped  int               `json:"skipped"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// ImportResult reports a rule pack import
type ImportResult struct {
	Created int               `json:"created"`
	Updated int               `json:"updated"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// RulePack is the YAML document accepted by ImportRules
type RulePack struct {
	Rules []*models.ThreatRule `yaml:"rules"`
}

// Service keeps the rule store and the engine registry in step
type Service struct {
	store   storage.RuleStore
	factory *Factory
	engine  *Engine
	logger  *logrus.Entry
	now     func() time.Time

	// mu serialises mutations so a store write and its registry update are not interleaved
	mu sync.Mutex
}

// NewService creates a rule service
func NewService(store storage.RuleStore, factory *Factory, engine *Engine) *Service {
	return &Service{
		store:   store,
		factory: factory,
		engine:  engine,
		logger:  utils.ComponentLogger("rule_service"),
		now:     time.Now,
	}
}

// Engine returns the engine the service feeds
func (s *Service) Engine() *Engine {
	return s.engine
}

// Factory returns the rule factory
func (s *Service) Factory() *Factory {
	return s.factory
}

// LoadRules registers every ACTIVE and TESTING rule from the store.
// Rules that fail validation are skipped and logged.
func (s *Service) LoadRules(ctx context.Context) (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.store.ListRules(ctx, models.RuleFilter{})
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to list rules", err)
	}

	result := &LoadResult{Errors: make(map[string]string)}
	for _, record := range records {
		if !record.Status.Loadable() {
			result.Inactive++
			s.engine.UnregisterRule(record.ID)
			continue
		}

		instance, err := s.factory.CreateFromRecord(record)
		if err != nil {
			result.Skipped++
			result.Errors[record.ID] = err.Error()
			s.logger.WithFields(logrus.Fields{
				"rule_id": record.ID,
				"error":   err.Error(),
			}).Error("Skipping invalid rule")
			continue
		}

		if err := s.engine.RegisterRule(instance); err != nil {
			result.Skipped++
			result.Errors[record.ID] = err.Error()
			continue
		}
		result.Loaded++
	}

	s.logger.WithFields(logrus.Fields{
		"loaded":   result.Loaded,
		"inactive": result.Inactive,
		"skipped":  result.Skipped,
	}).Info("Rules loaded")
	return result, nil
}

// ValidateRule checks a rule record without storing it
func (s *Service) ValidateRule(rule *models.ThreatRule) *ValidationResult {
	return s.factory.ValidateRecord(rule)
}

// CreateRule validates and stores a new rule, registering it when loadable
func (s *Service) CreateRule(ctx context.Context, rule *models.ThreatRule) (*models.ThreatRule, error) {
	if rule == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "rule is required")
	}

	record := *rule
	if record.ID == "" {
		record.ID = utils.NewJobID()
	}
	if record.Status == "" {
		record.Status = models.RuleStatusTesting
	}
	record.Version = 1
	now := s.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.UpdatedBy == "" {
		record.UpdatedBy = record.CreatedBy
	}

	instance, err := s.factory.CreateFromRecord(&record)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.CreateRule(ctx, &record); err != nil {
		return nil, err
	}
	if record.Status.Loadable() {
		if err := s.engine.RegisterRule(instance); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"rule_id": record.ID,
		"status":  record.Status,
	}).Info("Rule created")
	return &record, nil
}

// UpdateRule replaces the rule identified by id, bumping its version.
// The engine copy is hot swapped, or removed when the rule became INACTIVE.
func (s *Service) UpdateRule(ctx context.Context, id string, rule *models.ThreatRule) (*models.ThreatRule, error) {
	if rule == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "rule is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	record := *rule
	record.ID = id
	record.Version = existing.Version + 1
	record.CreatedAt = existing.CreatedAt
	record.CreatedBy = existing.CreatedBy
	record.UpdatedAt = s.now().UTC()
	if record.Status == "" {
		record.Status = existing.Status
	}

	instance, err := s.factory.CreateFromRecord(&record)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateRule(ctx, &record); err != nil {
		return nil, err
	}

	if record.Status.Loadable() {
		if err := s.engine.RegisterRule(instance); err != nil {
			return nil, err
		}
	} else {
		s.engine.UnregisterRule(id)
	}

	s.logger.WithFields(logrus.Fields{
		"rule_id": id,
		"version": record.Version,
		"status":  record.Status,
	}).Info("Rule updated")
	return &record, nil
}

// DeleteRule removes a rule from the store and the engine
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.engine.UnregisterRule(id)

	s.logger.WithField("rule_id", id).Info("Rule deleted")
	return nil
}

// GetRule returns a stored rule
func (s *Service) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	return s.store.GetRule(ctx, id)
}

// ListRules returns stored rules matching filter
func (s *Service) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	return s.store.ListRules(ctx, filter)
}

// TestRule evaluates a stored rule, whatever its status, against event and
// recent without affecting engine statistics or dispatching anything.
func (s *Service) TestRule(ctx context.Context, id string, event *models.SecurityEvent, recent []*models.SecurityEvent) (*models.RuleEvaluationResult, error) {
	record, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	instance, err := s.factory.CreateFromRecord(record)
	if err != nil {
		return nil, err
	}
	return s.engine.EvaluateRule(ctx, instance, event, recent)
}

// ImportRules upserts every rule of a YAML rule pack. Invalid rules are
// reported per id and do not stop the import.
func (s *Service) ImportRules(ctx context.Context, data []byte, importedBy string) (*ImportResult, error) {
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeValidation, "Failed to parse rule pack", err)
	}

	result := &ImportResult{Errors: make(map[string]string)}
	for i, rule := range pack.Rules {
		if rule == nil {
			continue
		}
		key := rule.ID
		if key == "" {
			key = fmt.Sprintf("rules[%d]", i)
		}

		_, err := s.store.GetRule(ctx, rule.ID)
		switch {
		case rule.ID != "" && err == nil:
			rule.UpdatedBy = importedBy
			if _, err := s.UpdateRule(ctx, rule.ID, rule); err != nil {
				result.Failed++
				result.Errors[key] = err.Error()
				continue
			}
			result.Updated++

		case rule.ID == "" || errors.Is(err, storage.ErrNotFound):
			if rule.CreatedBy == "" {
				rule.CreatedBy = importedBy
			}
			if _, err := s.CreateRule(ctx, rule); err != nil {
				result.Failed++
				result.Errors[key] = err.Error()
				continue
			}
			result.Created++

		default:
			return result, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to look up rule "+rule.ID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"created": result.Created,
		"updated": result.Updated,
		"failed":  result.Failed,
	}).Info("Rule pack imported")
	return result, nil
}
