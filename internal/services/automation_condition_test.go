package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTrigger(t *testing.T, kind string, cfg map[string]interface{}) TriggerSpec {
	t.Helper()
	def, err := ParseDefinition(kind, cfg, nil)
	require.NoError(t, err)
	return def.Trigger
}

func TestIsDue_TaskDueDate(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	trigger := mustTrigger(t, "Task Due Date", map[string]interface{}{"hours_before": 24})

	tests := []struct {
		name      string
		due       *time.Time
		open      bool
		lastFired *time.Time
		want      bool
	}{
		{"due in 23 hours", ptrTime(now.Add(23 * time.Hour)), true, nil, true},
		{"due in 25 hours", ptrTime(now.Add(25 * time.Hour)), true, nil, false},
		{"exactly at the boundary", ptrTime(now.Add(24 * time.Hour)), true, nil, true},
		{"already past", ptrTime(now.Add(-time.Minute)), true, nil, false},
		{"no due date", nil, true, nil, false},
		{"completed task", ptrTime(now.Add(time.Hour)), false, nil, false},
		{"already fired in this window", ptrTime(now.Add(23 * time.Hour)), true, ptrTime(now.Add(-30 * time.Minute)), false},
		{"fired before the window opened", ptrTime(now.Add(23 * time.Hour)), true, ptrTime(now.Add(-48 * time.Hour)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := EvalContext{
				Event:     EventScheduleTick,
				Now:       now,
				Task:      &TaskSnapshot{ID: 1, DueDate: tt.due, Open: tt.open},
				LastFired: tt.lastFired,
			}
			assert.Equal(t, tt.want, IsDue(trigger, ctx))
		})
	}
}

func TestIsDue_TaskPriority(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	withThreshold := mustTrigger(t, "Task Priority", map[string]interface{}{"priority": "high", "hours_unassigned": 2})
	noThreshold := mustTrigger(t, "Task Priority", map[string]interface{}{"priority": "urgent"})
	assignee := uint(7)

	tests := []struct {
		name    string
		trigger TriggerSpec
		task    TaskSnapshot
		last    *time.Time
		want    bool
	}{
		{"unassigned for 3h", withThreshold, TaskSnapshot{Priority: "high", Open: true, CreatedAt: now.Add(-3 * time.Hour)}, nil, true},
		{"unassigned for 1h", withThreshold, TaskSnapshot{Priority: "high", Open: true, CreatedAt: now.Add(-time.Hour)}, nil, false},
		{"priority compared case-insensitively", withThreshold, TaskSnapshot{Priority: "HIGH", Open: true, CreatedAt: now.Add(-3 * time.Hour)}, nil, true},
		{"assigned task", withThreshold, TaskSnapshot{Priority: "high", Open: true, AssigneeID: &assignee, CreatedAt: now.Add(-5 * time.Hour)}, nil, false},
		{"unassigned since overrides creation", withThreshold, TaskSnapshot{Priority: "high", Open: true, CreatedAt: now.Add(-10 * time.Hour), UnassignedSince: ptrTime(now.Add(-time.Hour))}, nil, false},
		{"other priority", withThreshold, TaskSnapshot{Priority: "low", Open: true, CreatedAt: now.Add(-3 * time.Hour)}, nil, false},
		{"already fired since unassigned", withThreshold, TaskSnapshot{Priority: "high", Open: true, CreatedAt: now.Add(-3 * time.Hour)}, ptrTime(now.Add(-time.Minute)), false},
		{"no threshold fires once", noThreshold, TaskSnapshot{Priority: "urgent", Open: true, AssigneeID: &assignee, CreatedAt: now.Add(-time.Hour)}, nil, true},
		{"no threshold already fired", noThreshold, TaskSnapshot{Priority: "urgent", Open: true, CreatedAt: now.Add(-time.Hour)}, ptrTime(now.Add(-time.Minute)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			ctx := EvalContext{Event: EventTaskUpdated, Now: now, Task: &task, LastFired: tt.last}
			assert.Equal(t, tt.want, IsDue(tt.trigger, ctx))
		})
	}
}

func TestIsDue_TaskCreated(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	trigger := mustTrigger(t, "Task Created", map[string]interface{}{"columns": []interface{}{"todo", "in_progress"}, "time_window": 10})
	task := &TaskSnapshot{Status: "todo", Open: true, CreatedAt: now.Add(-5 * time.Minute)}

	assert.True(t, IsDue(trigger, EvalContext{Event: EventTaskCreated, Now: now, Task: task}))
	assert.False(t, IsDue(trigger, EvalContext{Event: EventTaskUpdated, Now: now, Task: task}), "only task_created events")
	assert.False(t, IsDue(trigger, EvalContext{Event: EventTaskCreated, Now: now.Add(time.Hour), Task: task}), "outside time window")
	assert.False(t, IsDue(trigger, EvalContext{Event: EventTaskCreated, Now: now, Task: &TaskSnapshot{Status: "review", CreatedAt: now}}), "column filter")
	assert.False(t, IsDue(trigger, EvalContext{Event: EventTaskCreated, Now: now, Task: task, LastFired: ptrTime(now)}), "fires once per task")

	unfiltered := mustTrigger(t, "Task Created", nil)
	assert.True(t, IsDue(unfiltered, EvalContext{Event: EventTaskCreated, Now: now, Task: &TaskSnapshot{Status: "review", CreatedAt: now.Add(-48 * time.Hour)}}))
}

func TestIsDue_Schedule(t *testing.T) {
	trigger := mustTrigger(t, "Schedule", map[string]interface{}{"frequency": "daily", "time": "09:00"})
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ctx := EvalContext{Event: EventScheduleTick, AutomationCreatedAt: created}

	ctx.Now = time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC)
	assert.False(t, IsDue(trigger, ctx), "before the first slot")

	ctx.Now = time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	assert.True(t, IsDue(trigger, ctx), "first slot after creation")

	ctx.LastFired = ptrTime(time.Date(2026, 3, 2, 9, 0, 31, 0, time.UTC))
	ctx.Now = time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	assert.False(t, IsDue(trigger, ctx), "already fired for today's slot")

	ctx.Now = time.Date(2026, 3, 3, 9, 1, 0, 0, time.UTC)
	assert.True(t, IsDue(trigger, ctx), "next day's slot")
}

func TestIsDue_ScheduleTimezone(t *testing.T) {
	trigger := mustTrigger(t, "Schedule", map[string]interface{}{"frequency": "daily", "time": "09:00", "timezone": "America/New_York"})
	created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	ctx := EvalContext{Event: EventScheduleTick, AutomationCreatedAt: created}

	// 09:00 EDT is 13:00 UTC
	ctx.Now = time.Date(2026, 7, 1, 12, 59, 0, 0, time.UTC)
	assert.False(t, IsDue(trigger, ctx))
	ctx.Now = time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC)
	assert.True(t, IsDue(trigger, ctx))
}

func TestIsDue_UnknownNeverDue(t *testing.T) {
	assert.False(t, IsDue(UnknownTrigger{Name: "Task Archived"}, EvalContext{Event: EventScheduleTick, Now: time.Now()}))
}

func TestMatchesEvent(t *testing.T) {
	schedule := mustTrigger(t, "Schedule", map[string]interface{}{"frequency": "hourly"})
	created := mustTrigger(t, "Task Created", nil)
	due := mustTrigger(t, "Task Due Date", nil)
	priority := mustTrigger(t, "Task Priority", map[string]interface{}{"priority": "high"})

	tests := []struct {
		trigger TriggerSpec
		event   EventKind
		want    bool
	}{
		{schedule, EventScheduleTick, true},
		{schedule, EventTaskCreated, false},
		{created, EventTaskCreated, true},
		{created, EventScheduleTick, false},
		{created, EventTaskUpdated, false},
		{due, EventTaskCreated, true},
		{due, EventTaskUpdated, true},
		{due, EventScheduleTick, true},
		{priority, EventTaskUpdated, true},
		{UnknownTrigger{Name: "x"}, EventScheduleTick, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesEvent(tt.trigger, tt.event), "%s/%s", tt.trigger.Kind(), tt.event)
	}
}

func TestParseEventKind(t *testing.T) {
	k, ok := ParseEventKind(" Task_Created ")
	assert.True(t, ok)
	assert.Equal(t, EventTaskCreated, k)
	_, ok = ParseEventKind("task_deleted")
	assert.False(t, ok)
}

func TestProjectSnapshot_CompletionPercentage(t *testing.T) {
	assert.Equal(t, 0, (&ProjectSnapshot{}).CompletionPercentage())
	assert.Equal(t, 67, (&ProjectSnapshot{TasksTotal: 3, TasksCompleted: 2}).CompletionPercentage())
	var nilSnap *ProjectSnapshot
	assert.Equal(t, 0, nilSnap.CompletionPercentage())
}
