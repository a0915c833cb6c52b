package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"planboard/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutomationStore is the narrow persistence boundary the engine relies on.
type AutomationStore interface {
	Find(ctx context.Context, projectID uint) ([]models.Automation, error)
	Get(ctx context.Context, id uint) (*models.Automation, error)
	Create(ctx context.Context, a *models.Automation) error
	Update(ctx context.Context, a *models.Automation) error
	Delete(ctx context.Context, id uint) error
	RecordRun(ctx context.Context, rec RunRecord) (*models.Automation, error)
	ListRuns(ctx context.Context, automationID uint, page, pageSize int) ([]models.AutomationRun, int64, error)
	LastFiredForTasks(ctx context.Context, automationID uint, taskIDs []uint) (map[uint]time.Time, error)
	ProjectsWithActiveAutomations(ctx context.Context) ([]uint, error)
}

// RunRecord is what one finished, non-dry run contributes to the counters
// and the audit trail. Score is 0..100.
type RunRecord struct {
	AutomationID uint
	ProjectID    uint
	TaskID       *uint
	RunID        string
	State        RunState
	Message      string
	Score        float64
	At           time.Time
}

// GormAutomationStore implements AutomationStore on gorm.
type GormAutomationStore struct {
	db *gorm.DB
}

func NewGormAutomationStore(db *gorm.DB) *GormAutomationStore {
	return &GormAutomationStore{db: db}
}

func (s *GormAutomationStore) Find(ctx context.Context, projectID uint) ([]models.Automation, error) {
	var list []models.Automation
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("find automations: %w", err)
	}
	return list, nil
}

func (s *GormAutomationStore) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("get automation: %w", err)
	}
	return &a, nil
}

func (s *GormAutomationStore) Create(ctx context.Context, a *models.Automation) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create automation: %w", err)
	}
	return nil
}

// Update rewrites the definition columns. Counters are owned by RecordRun.
func (s *GormAutomationStore) Update(ctx context.Context, a *models.Automation) error {
	res := s.db.WithContext(ctx).
		Model(&models.Automation{ID: a.ID}).
		Select("name", "description", "trigger", "trigger_config", "actions", "is_active", "updated_at").
		Updates(a)
	if res.Error != nil {
		return fmt.Errorf("update automation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

func (s *GormAutomationStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Automation{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete automation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAutomationNotFound
		}
		if err := tx.Where("automation_id = ?", id).Delete(&models.AutomationRun{}).Error; err != nil {
			return fmt.Errorf("delete automation runs: %w", err)
		}
		return nil
	})
}

// RecordRun folds one run into the counters and appends the audit row in a
// single transaction. The row is re-read inside the transaction (and locked
// on Postgres) so concurrent runs never compute from a stale base.
func (s *GormAutomationStore) RecordRun(ctx context.Context, rec RunRecord) (*models.Automation, error) {
	var updated models.Automation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&updated, rec.AutomationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAutomationNotFound
			}
			return err
		}

		runs := updated.RunsCount
		rate := NextSuccessRate(updated.SuccessRate, runs, rec.Score)
		at := rec.At
		if err := tx.Model(&models.Automation{}).
			Where("id = ?", updated.ID).
			Updates(map[string]interface{}{
				"runs_count":   runs + 1,
				"success_rate": rate,
				"last_run_at":  at,
			}).Error; err != nil {
			return err
		}

		run := models.AutomationRun{
			AutomationID: rec.AutomationID,
			ProjectID:    rec.ProjectID,
			TaskID:       rec.TaskID,
			RunID:        rec.RunID,
			State:        string(rec.State),
			Message:      rec.Message,
			CreatedAt:    at,
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}

		updated.RunsCount = runs + 1
		updated.SuccessRate = rate
		updated.LastRunAt = &at
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAutomationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &updated, nil
}

// NextSuccessRate is the running mean of per-run scores, rounded to two
// decimals and clamped to 0..100.
func NextSuccessRate(rate float64, runs int, score float64) float64 {
	if runs < 0 {
		runs = 0
	}
	next := (rate*float64(runs) + score) / float64(runs+1)
	next = math.Round(next*100) / 100
	return math.Max(0, math.Min(100, next))
}

func (s *GormAutomationStore) ListRuns(ctx context.Context, automationID uint, page, pageSize int) ([]models.AutomationRun, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("automation_id = ?", automationID).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count automation runs: %w", err)
	}
	var runs []models.AutomationRun
	if err := q.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("list automation runs: %w", err)
	}
	return runs, total, nil
}

// LastFiredForTasks returns, per task, the time of the most recent recorded
// run of the automation against it.
func (s *GormAutomationStore) LastFiredForTasks(ctx context.Context, automationID uint, taskIDs []uint) (map[uint]time.Time, error) {
	out := make(map[uint]time.Time, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	var runs []models.AutomationRun
	if err := s.db.WithContext(ctx).
		Select("task_id", "created_at").
		Where("automation_id = ? AND task_id IN ?", automationID, taskIDs).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("load task run ledger: %w", err)
	}
	for _, r := range runs {
		if r.TaskID == nil {
			continue
		}
		if prev, ok := out[*r.TaskID]; !ok || r.CreatedAt.After(prev) {
			out[*r.TaskID] = r.CreatedAt
		}
	}
	return out, nil
}

func (s *GormAutomationStore) ProjectsWithActiveAutomations(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.Automation{}).
		Where("is_active = ?", true).
		Distinct().
		Order("project_id ASC").
		Pluck("project_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list projects with automations: %w", err)
	}
	return ids, nil
}
