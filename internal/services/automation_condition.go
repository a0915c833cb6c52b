package services

import (
	"strings"
	"time"
)

// EventKind identifies what caused an evaluation pass.
type EventKind string

const (
	EventTaskCreated  EventKind = "task_created"
	EventTaskUpdated  EventKind = "task_updated"
	EventScheduleTick EventKind = "schedule_tick"
)

// ParseEventKind accepts the wire names used by the event hook.
func ParseEventKind(s string) (EventKind, bool) {
	switch EventKind(strings.ToLower(strings.TrimSpace(s))) {
	case EventTaskCreated:
		return EventTaskCreated, true
	case EventTaskUpdated:
		return EventTaskUpdated, true
	case EventScheduleTick:
		return EventScheduleTick, true
	}
	return "", false
}

// TaskSnapshot is the read-only view of a task used during evaluation and
// rendering.
type TaskSnapshot struct {
	ID              uint
	Title           string
	Description     string
	Status          string
	Priority        string
	DueDate         *time.Time
	AssigneeID      *uint
	AssigneeName    string
	AssigneeEmail   string
	UnassignedSince *time.Time
	Open            bool
	CreatedAt       time.Time
}

// Unassigned reports whether the task has no assignee.
func (t *TaskSnapshot) Unassigned() bool { return t.AssigneeID == nil }

// UnassignedFor returns how long the task has been without an assignee at now.
// Tasks that never had an assignee count from creation.
func (t *TaskSnapshot) UnassignedFor(now time.Time) time.Duration {
	if !t.Unassigned() {
		return 0
	}
	return now.Sub(t.unassignedFrom())
}

func (t *TaskSnapshot) unassignedFrom() time.Time {
	if t.UnassignedSince != nil {
		return *t.UnassignedSince
	}
	return t.CreatedAt
}

// ProjectSnapshot is the read-only view of a project and its task counters.
type ProjectSnapshot struct {
	ID                  uint
	Name                string
	OwnerName           string
	OwnerEmail          string
	StakeholderEmail    string
	TasksTotal          int64
	TasksCompleted      int64
	TasksCompletedToday int64
}

// CompletionPercentage is completed/total rounded to a whole percent.
func (p *ProjectSnapshot) CompletionPercentage() int {
	if p == nil || p.TasksTotal == 0 {
		return 0
	}
	return int(float64(p.TasksCompleted)*100/float64(p.TasksTotal) + 0.5)
}

// EvalContext is everything the evaluator may look at. LastFired is the
// automation's last_run_at for Schedule triggers and the last audit run for
// the task in context for task-scoped triggers.
type EvalContext struct {
	Event               EventKind
	Task                *TaskSnapshot
	Project             *ProjectSnapshot
	Now                 time.Time
	LastFired           *time.Time
	AutomationCreatedAt time.Time
}

// IsDue decides whether a trigger fires in the given context. It has no side
// effects.
func IsDue(trigger TriggerSpec, ctx EvalContext) bool {
	switch t := trigger.(type) {
	case *ScheduleTrigger:
		return scheduleDue(t, ctx)
	case *TaskCreatedTrigger:
		return taskCreatedDue(t, ctx)
	case *TaskDueDateTrigger:
		return dueDateDue(t, ctx)
	case *TaskPriorityTrigger:
		return priorityDue(t, ctx)
	default:
		return false
	}
}

func scheduleDue(t *ScheduleTrigger, ctx EvalContext) bool {
	if t.schedule == nil {
		return false
	}
	base := ctx.AutomationCreatedAt
	if ctx.LastFired != nil {
		base = *ctx.LastFired
	}
	next := t.schedule.Next(base)
	return !next.IsZero() && !next.After(ctx.Now)
}

func taskCreatedDue(t *TaskCreatedTrigger, ctx EvalContext) bool {
	if ctx.Event != EventTaskCreated || ctx.Task == nil || ctx.LastFired != nil {
		return false
	}
	if len(t.Columns) > 0 && !containsFold(t.Columns, ctx.Task.Status) {
		return false
	}
	if t.TimeWindow > 0 {
		window := time.Duration(t.TimeWindow) * time.Minute
		if ctx.Now.Sub(ctx.Task.CreatedAt) > window {
			return false
		}
	}
	return true
}

func dueDateDue(t *TaskDueDateTrigger, ctx EvalContext) bool {
	task := ctx.Task
	if task == nil || !task.Open || task.DueDate == nil {
		return false
	}
	remaining := task.DueDate.Sub(ctx.Now)
	lead := hoursDuration(t.HoursBefore)
	if remaining <= 0 || remaining > lead {
		return false
	}
	windowOpened := task.DueDate.Add(-lead)
	if ctx.LastFired != nil && !ctx.LastFired.Before(windowOpened) {
		return false
	}
	return true
}

func priorityDue(t *TaskPriorityTrigger, ctx EvalContext) bool {
	task := ctx.Task
	if task == nil || !task.Open || !strings.EqualFold(task.Priority, t.Priority) {
		return false
	}
	since := task.CreatedAt
	if t.HoursUnassigned > 0 {
		if !task.Unassigned() || task.UnassignedFor(ctx.Now) < hoursDuration(t.HoursUnassigned) {
			return false
		}
		since = task.unassignedFrom()
	}
	if ctx.LastFired != nil && !ctx.LastFired.Before(since) {
		return false
	}
	return true
}

// MatchesEvent reports whether a trigger kind listens to an event kind.
func MatchesEvent(trigger TriggerSpec, event EventKind) bool {
	switch trigger.(type) {
	case *ScheduleTrigger:
		return event == EventScheduleTick
	case *TaskCreatedTrigger:
		return event == EventTaskCreated
	case *TaskDueDateTrigger, *TaskPriorityTrigger:
		return event == EventTaskCreated || event == EventTaskUpdated || event == EventScheduleTick
	default:
		return false
	}
}

// IsTaskScoped reports whether the trigger is evaluated per task.
func IsTaskScoped(trigger TriggerSpec) bool {
	switch trigger.(type) {
	case *TaskCreatedTrigger, *TaskDueDateTrigger, *TaskPriorityTrigger:
		return true
	}
	return false
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
