package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"planboard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSuccessRate(t *testing.T) {
	cases := []struct {
		name  string
		rate  float64
		runs  int
		score float64
		want  float64
	}{
		{"first run success", 0, 0, 100, 100},
		{"first run failure", 100, 0, 0, 0},
		{"partial after perfect", 100, 1, 50, 75},
		{"rounded to two decimals", 100, 2, 0, 66.67},
		{"negative runs treated as zero", 40, -3, 80, 80},
		{"clamped high", 100, 1, 250, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, NextSuccessRate(tc.rate, tc.runs, tc.score), 0.001)
		})
	}
}

func TestGormAutomationStore_RecordRun(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createAutomation(&AutomationRequest{Name: "digest", Trigger: "Schedule", TriggerConfig: map[string]interface{}{"frequency": "daily"}})

	taskID := uint(7)
	first := f.now.Add(-time.Hour)
	updated, err := f.store.RecordRun(ctx, RunRecord{
		AutomationID: a.ID, ProjectID: f.project.ID, TaskID: &taskID,
		RunID: "run-1", State: RunCompleted, Message: "ok", Score: 100, At: first,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunsCount)
	assert.InDelta(t, 100, updated.SuccessRate, 0.001)
	require.NotNil(t, updated.LastRunAt)
	assert.True(t, updated.LastRunAt.Equal(first))

	updated, err = f.store.RecordRun(ctx, RunRecord{
		AutomationID: a.ID, ProjectID: f.project.ID,
		RunID: "run-2", State: RunPartiallyFailed, Message: "1 of 2 failed", Score: 50, At: f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.RunsCount)
	assert.InDelta(t, 75, updated.SuccessRate, 0.001)

	stored := f.reload(a.ID)
	assert.Equal(t, 2, stored.RunsCount)
	assert.InDelta(t, 75, stored.SuccessRate, 0.001)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, stored.LastRunAt.Equal(f.now))
	assert.EqualValues(t, 2, f.runCount(a.ID))

	_, err = f.store.RecordRun(ctx, RunRecord{AutomationID: 9999, RunID: "run-x", At: f.now})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestGormAutomationStore_RecordRunRollsBackOnAuditFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createAutomation(&AutomationRequest{Name: "digest", Trigger: "Schedule", TriggerConfig: map[string]interface{}{"frequency": "daily"}})

	_, err := f.store.RecordRun(ctx, RunRecord{AutomationID: a.ID, ProjectID: f.project.ID, RunID: "dup", State: RunCompleted, Score: 100, At: f.now})
	require.NoError(t, err)

	// run_id is unique, so the second insert fails and the counters must not move
	_, err = f.store.RecordRun(ctx, RunRecord{AutomationID: a.ID, ProjectID: f.project.ID, RunID: "dup", State: RunFailed, Score: 0, At: f.now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	stored := f.reload(a.ID)
	assert.Equal(t, 1, stored.RunsCount)
	assert.InDelta(t, 100, stored.SuccessRate, 0.001)
	assert.EqualValues(t, 1, f.runCount(a.ID))
}

func TestGormAutomationStore_ListRunsPaging(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createAutomation(&AutomationRequest{Name: "digest", Trigger: "Schedule", TriggerConfig: map[string]interface{}{"frequency": "hourly"}})

	for i := 0; i < 5; i++ {
		_, err := f.store.RecordRun(ctx, RunRecord{
			AutomationID: a.ID, ProjectID: f.project.ID,
			RunID: "run-" + string(rune('a'+i)), State: RunCompleted, Score: 100,
			At: f.now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	runs, total, err := f.store.ListRuns(ctx, a.ID, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-e", runs[0].RunID)
	assert.Equal(t, "run-d", runs[1].RunID)

	runs, total, err = f.store.ListRuns(ctx, a.ID, 3, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-a", runs[0].RunID)

	runs, _, err = f.store.ListRuns(ctx, a.ID, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestGormAutomationStore_UpdateAndDeleteMissing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	err := f.store.Update(ctx, &models.Automation{ID: 4242, Name: "ghost"})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
	assert.ErrorIs(t, f.store.Delete(ctx, 4242), ErrAutomationNotFound)

	_, err = f.store.Get(ctx, 4242)
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestGormAutomationStore_DeleteRemovesRuns(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createAutomation(&AutomationRequest{Name: "digest", Trigger: "Schedule", TriggerConfig: map[string]interface{}{"frequency": "daily"}})
	_, err := f.store.RecordRun(ctx, RunRecord{AutomationID: a.ID, ProjectID: f.project.ID, RunID: "r1", State: RunCompleted, Score: 100, At: f.now})
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, a.ID))
	assert.EqualValues(t, 0, f.runCount(a.ID))
	_, err = f.store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestGormAutomationStore_LastFiredForTasks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.createAutomation(&AutomationRequest{Name: "due", Trigger: "Task Due Date"})

	t1, t2, t3 := uint(1), uint(2), uint(3)
	older := f.now.Add(-2 * time.Hour)
	newer := f.now.Add(-time.Hour)
	for _, rec := range []RunRecord{
		{RunID: "a", TaskID: &t1, At: older},
		{RunID: "b", TaskID: &t1, At: newer},
		{RunID: "c", TaskID: &t2, At: older},
		{RunID: "d", At: f.now},
	} {
		rec.AutomationID = a.ID
		rec.ProjectID = f.project.ID
		rec.State = RunCompleted
		rec.Score = 100
		_, err := f.store.RecordRun(ctx, rec)
		require.NoError(t, err)
	}

	ledger, err := f.store.LastFiredForTasks(ctx, a.ID, []uint{t1, t2, t3})
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.True(t, ledger[t1].Equal(newer))
	assert.True(t, ledger[t2].Equal(older))
	_, ok := ledger[t3]
	assert.False(t, ok)

	empty, err := f.store.LastFiredForTasks(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGormAutomationStore_ProjectsWithActiveAutomations(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	other := models.Project{Name: "Gemini", OwnerID: f.owner.ID}
	require.NoError(t, f.db.Create(&other).Error)
	idle := models.Project{Name: "Mercury", OwnerID: f.owner.ID}
	require.NoError(t, f.db.Create(&idle).Error)

	off := false
	f.createAutomation(&AutomationRequest{Name: "a", Trigger: "Schedule", TriggerConfig: map[string]interface{}{"frequency": "daily"}})
	f.createAutomation(&AutomationRequest{Name: "b", Trigger: "Task Created"})
	_, err := f.svc.CreateAutomation(ctx, other.ID, &AutomationRequest{Name: "c", Trigger: "Task Created"})
	require.NoError(t, err)
	_, err = f.svc.CreateAutomation(ctx, idle.ID, &AutomationRequest{Name: "d", Trigger: "Task Created", IsActive: &off})
	require.NoError(t, err)

	ids, err := f.store.ProjectsWithActiveAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{f.project.ID, other.ID}, ids)
}
