package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planboard/internal/models"

	"gorm.io/gorm"
)

// SnapshotProvider gives read-only access to the task and project state the
// engine evaluates against.
type SnapshotProvider interface {
	Project(ctx context.Context, projectID uint) (*ProjectSnapshot, error)
	Task(ctx context.Context, projectID, taskID uint) (*TaskSnapshot, error)
	OpenTasks(ctx context.Context, projectID uint) ([]TaskSnapshot, error)
	LatestOpenTask(ctx context.Context, projectID uint) (*TaskSnapshot, error)
}

// GormSnapshotProvider reads projects/tasks/users tables owned by the
// surrounding application.
type GormSnapshotProvider struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormSnapshotProvider(db *gorm.DB) *GormSnapshotProvider {
	return &GormSnapshotProvider{db: db, now: time.Now}
}

func (p *GormSnapshotProvider) Project(ctx context.Context, projectID uint) (*ProjectSnapshot, error) {
	db := p.db.WithContext(ctx)

	var project models.Project
	if err := db.Preload("Owner").First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	snap := &ProjectSnapshot{
		ID:               project.ID,
		Name:             project.Name,
		OwnerName:        project.Owner.Name,
		OwnerEmail:       project.Owner.Email,
		StakeholderEmail: project.StakeholderEmail,
	}

	tasks := db.Model(&models.Task{}).Where("project_id = ?", projectID).Session(&gorm.Session{})
	if err := tasks.Count(&snap.TasksTotal).Error; err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := tasks.Where("status = ? OR completed_at IS NOT NULL", models.TaskStatusDone).
		Count(&snap.TasksCompleted).Error; err != nil {
		return nil, fmt.Errorf("count completed tasks: %w", err)
	}
	now := p.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if err := tasks.Where("completed_at >= ?", dayStart).
		Count(&snap.TasksCompletedToday).Error; err != nil {
		return nil, fmt.Errorf("count tasks completed today: %w", err)
	}
	return snap, nil
}

func (p *GormSnapshotProvider) Task(ctx context.Context, projectID, taskID uint) (*TaskSnapshot, error) {
	var task models.Task
	err := p.db.WithContext(ctx).
		Preload("Assignee").
		Where("project_id = ?", projectID).
		First(&task, taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: task %d in project %d", ErrTaskNotFound, taskID, projectID)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	snap := taskSnapshot(&task)
	return &snap, nil
}

func (p *GormSnapshotProvider) OpenTasks(ctx context.Context, projectID uint) ([]TaskSnapshot, error) {
	var tasks []models.Task
	if err := p.openTaskQuery(ctx, projectID).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("load open tasks: %w", err)
	}
	out := make([]TaskSnapshot, 0, len(tasks))
	for i := range tasks {
		out = append(out, taskSnapshot(&tasks[i]))
	}
	return out, nil
}

// LatestOpenTask returns the most recently created open task, or nil when the
// project has none.
func (p *GormSnapshotProvider) LatestOpenTask(ctx context.Context, projectID uint) (*TaskSnapshot, error) {
	var tasks []models.Task
	if err := p.openTaskQuery(ctx, projectID).
		Order("created_at DESC").Order("id DESC").
		Limit(1).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("load latest task: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	snap := taskSnapshot(&tasks[0])
	return &snap, nil
}

func (p *GormSnapshotProvider) openTaskQuery(ctx context.Context, projectID uint) *gorm.DB {
	return p.db.WithContext(ctx).
		Preload("Assignee").
		Where("project_id = ? AND status <> ? AND completed_at IS NULL", projectID, models.TaskStatusDone)
}

func taskSnapshot(t *models.Task) TaskSnapshot {
	snap := TaskSnapshot{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		Priority:        t.Priority,
		DueDate:         t.DueDate,
		AssigneeID:      t.AssigneeID,
		UnassignedSince: t.UnassignedSince,
		Open:            t.IsOpen(),
		CreatedAt:       t.CreatedAt,
	}
	if t.Assignee != nil {
		snap.AssigneeName = t.Assignee.Name
		snap.AssigneeEmail = t.Assignee.Email
	}
	return snap
}
