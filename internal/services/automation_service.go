package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planboard/internal/models"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// AutomationRequest 创建/更新自动化规则的请求体
type AutomationRequest struct {
	Name          string                   `json:"name" binding:"required"`
	Description   *string                  `json:"description"`
	Trigger       string                   `json:"trigger" binding:"required"`
	TriggerConfig map[string]interface{}   `json:"trigger_config"`
	Actions       []map[string]interface{} `json:"actions"`
	IsActive      *bool                    `json:"is_active"`
}

// JobEnqueuer accepts background project jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// AutomationService is the public surface of the automation engine.
type AutomationService struct {
	store        AutomationStore
	snapshots    SnapshotProvider
	orchestrator *Orchestrator
	queue        JobEnqueuer
	locker       ProjectLocker
	lockWait     time.Duration
	logger       *logrus.Logger
}

func NewAutomationService(store AutomationStore, snapshots SnapshotProvider, orchestrator *Orchestrator, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		store:        store,
		snapshots:    snapshots,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// SetQueue enables background processing for ProcessProject. Without a queue
// the sweep runs inline.
func (s *AutomationService) SetQueue(q JobEnqueuer) { s.queue = q }

// SetLocker makes task events take the same per-project lock as the worker
// pool, waiting up to wait for an in-flight sweep to finish.
func (s *AutomationService) SetLocker(l ProjectLocker, wait time.Duration) {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	s.locker = l
	s.lockWait = wait
}

// lockProject returns a no-op release when no locker is set.
func (s *AutomationService) lockProject(ctx context.Context, projectID uint) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	var release func()
	backoff := retry.WithMaxDuration(s.lockWait, retry.NewConstant(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, ok, err := s.locker.TryLock(ctx, projectID)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(ErrProjectBusy)
		}
		release = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock project %d: %w", projectID, err)
	}
	return release, nil
}

// ListAutomations returns every automation of the project.
func (s *AutomationService) ListAutomations(ctx context.Context, projectID uint) ([]models.Automation, error) {
	return s.store.Find(ctx, projectID)
}

func (s *AutomationService) GetAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	return s.store.Get(ctx, id)
}

// CreateAutomation validates and stores a new automation. New automations
// are active unless the request says otherwise.
func (s *AutomationService) CreateAutomation(ctx context.Context, projectID uint, req *AutomationRequest) (*models.Automation, error) {
	if _, err := s.snapshots.Project(ctx, projectID); err != nil {
		return nil, err
	}
	a := &models.Automation{ProjectID: projectID, IsActive: true}
	if err := applyRequest(a, req); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"automation_id": a.ID, "project_id": projectID, "trigger": a.Trigger}).Info("automation created")
	return a, nil
}

// UpdateAutomation re-validates and replaces the definition. Counters are kept.
func (s *AutomationService) UpdateAutomation(ctx context.Context, id uint, req *AutomationRequest) (*models.Automation, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyRequest(a, req); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *AutomationService) DeleteAutomation(ctx context.Context, id uint) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("automation_id", id).Info("automation deleted")
	return nil
}

// ToggleAutomation flips is_active.
func (s *AutomationService) ToggleAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.IsActive = !a.IsActive
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// TestAutomation runs the automation without touching the store.
func (s *AutomationService) TestAutomation(ctx context.Context, id uint) (*RunResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.RunManual(ctx, a, true), nil
}

// ExecuteAutomation runs the automation and records the outcome. A failure
// to record statistics is reported on the result, not as an error.
func (s *AutomationService) ExecuteAutomation(ctx context.Context, id uint) (*RunResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.RunManual(ctx, a, false), nil
}

// ProcessProject schedules a sweep of the project's automations.
func (s *AutomationService) ProcessProject(ctx context.Context, projectID uint) (*Job, error) {
	if _, err := s.snapshots.Project(ctx, projectID); err != nil {
		return nil, err
	}
	job := NewJob(projectID, EventScheduleTick)
	if s.queue == nil {
		release, err := s.lockProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		defer release()
		if _, err := s.orchestrator.ProcessEvent(ctx, projectID, EventScheduleTick, nil); err != nil {
			return nil, err
		}
		return &job, nil
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue project %d: %w", projectID, err)
	}
	return &job, nil
}

// HandleTaskEvent runs event-driven automations for a task change inline.
func (s *AutomationService) HandleTaskEvent(ctx context.Context, projectID, taskID uint, kind EventKind) ([]*RunResult, error) {
	if kind != EventTaskCreated && kind != EventTaskUpdated {
		return nil, invalid("event", "must be %s or %s", EventTaskCreated, EventTaskUpdated)
	}
	release, err := s.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.orchestrator.ProcessEvent(ctx, projectID, kind, &taskID)
}

// ListWorkflowTemplates returns the static template catalog.
func (s *AutomationService) ListWorkflowTemplates() []WorkflowTemplate {
	return WorkflowTemplates()
}

// ListRuns pages through the audit trail of an automation.
func (s *AutomationService) ListRuns(ctx context.Context, id uint, page, pageSize int) ([]models.AutomationRun, int64, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListRuns(ctx, id, page, pageSize)
}

// applyRequest validates req and copies it onto a. a is untouched on error.
func applyRequest(a *models.Automation, req *AutomationRequest) error {
	if req == nil {
		return invalid("", "request body is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return invalid("name", "is required")
	}
	trigger := strings.TrimSpace(req.Trigger)
	if _, err := ParseDefinition(trigger, req.TriggerConfig, req.Actions); err != nil {
		return err
	}

	cfg := req.TriggerConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return invalid("trigger_config", "%v", err)
	}
	actionsJSON, err := json.Marshal(NormalizeActions(req.Actions))
	if err != nil {
		return invalid("actions", "%v", err)
	}

	a.Name = name
	a.Description = req.Description
	a.Trigger = trigger
	a.TriggerConfig = datatypes.JSON(cfgJSON)
	a.Actions = datatypes.JSON(actionsJSON)
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	return nil
}

// IsNotFound reports errors that map to a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound) || errors.Is(err, ErrProjectNotFound) || errors.Is(err, ErrTaskNotFound)
}
