package services

import (
	"errors"
	"testing"

	"planboard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestParseDefinition_ScheduleCompilesCron(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]interface{}
		want string
	}{
		{"daily default time", map[string]interface{}{"frequency": "daily"}, "0 9 * * *"},
		{"hourly uses minute only", map[string]interface{}{"frequency": "hourly", "time": "00:15"}, "15 * * * *"},
		{"weekly by name", map[string]interface{}{"frequency": "Weekly", "day_of_week": "friday", "time": "16:30"}, "30 16 * * 5"},
		{"weekly by number", map[string]interface{}{"frequency": "weekly", "day_of_week": 0}, "0 9 * * 0"},
		{"monthly", map[string]interface{}{"frequency": "monthly", "day_of_month": "15", "time": "08:00"}, "0 8 15 * *"},
		{"timezone prefix", map[string]interface{}{"frequency": "daily", "timezone": "Europe/Berlin"}, "CRON_TZ=Europe/Berlin 0 9 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition("Schedule", tt.cfg, nil)
			require.NoError(t, err)
			sched, ok := def.Trigger.(*ScheduleTrigger)
			require.True(t, ok)
			assert.Equal(t, tt.want, sched.CronSpec())
		})
	}
}

func TestParseDefinition_ScheduleInvalid(t *testing.T) {
	tests := []struct {
		name  string
		cfg   map[string]interface{}
		field string
	}{
		{"missing frequency", map[string]interface{}{}, "trigger_config.frequency"},
		{"bad frequency", map[string]interface{}{"frequency": "yearly"}, "trigger_config.frequency"},
		{"bad time", map[string]interface{}{"frequency": "daily", "time": "25:99"}, "trigger_config.time"},
		{"bad weekday", map[string]interface{}{"frequency": "weekly", "day_of_week": "someday"}, "trigger_config.day_of_week"},
		{"day of month too large", map[string]interface{}{"frequency": "monthly", "day_of_month": 31}, "trigger_config.day_of_month"},
		{"bad timezone", map[string]interface{}{"frequency": "daily", "timezone": "Mars/Olympus"}, "trigger_config.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition("Schedule", tt.cfg, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseDefinition_TaskTriggers(t *testing.T) {
	def, err := ParseDefinition("Task Due Date", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(24), def.Trigger.(*TaskDueDateTrigger).HoursBefore)

	def, err = ParseDefinition("Task Due Date", map[string]interface{}{"hours_before": "12"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(12), def.Trigger.(*TaskDueDateTrigger).HoursBefore)

	def, err = ParseDefinition("Task Priority", map[string]interface{}{"priority": " HIGH ", "hours_unassigned": 2}, nil)
	require.NoError(t, err)
	p := def.Trigger.(*TaskPriorityTrigger)
	assert.Equal(t, "high", p.Priority)
	assert.Equal(t, float64(2), p.HoursUnassigned)

	_, err = ParseDefinition("Task Priority", map[string]interface{}{"hours_unassigned": 2}, nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "trigger_config.priority", ve.Field)

	def, err = ParseDefinition("Task Created", map[string]interface{}{"columns": "todo", "time_window": 30}, nil)
	require.NoError(t, err)
	tc := def.Trigger.(*TaskCreatedTrigger)
	assert.Equal(t, []string{"todo"}, tc.Columns)
	assert.Equal(t, 30, tc.TimeWindow)
}

func TestParseDefinition_UnknownTriggerRejected(t *testing.T) {
	_, err := ParseDefinition("Task Archived", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.ErrorIs(t, err, ErrUnknownTriggerType)
	assert.Contains(t, err.Error(), "unknown trigger type")

	_, err = ParseDefinition("", nil, nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParseDefinition_Actions(t *testing.T) {
	t.Run("missing type and name", func(t *testing.T) {
		_, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"message": "hi"}})
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "actions[0].type", ve.Field)
	})

	t.Run("email without message", func(t *testing.T) {
		_, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{
			{"type": "Slack", "message": "ok"},
			{"type": "Email", "subject": "Due"},
		})
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "actions[1].message", ve.Field)
		assert.Equal(t, "is required", ve.Message)
	})

	t.Run("webhook needs absolute url", func(t *testing.T) {
		_, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"type": "Webhook", "url": "not a url"}})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("legacy name and type precedence", func(t *testing.T) {
		def, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{
			{"name": "slack", "message": "legacy"},
			{"type": "Discord", "name": "Email", "message": "type wins"},
		})
		require.NoError(t, err)
		require.Len(t, def.Actions, 2)
		assert.Equal(t, ActionSlack, def.Actions[0].Kind())
		assert.Equal(t, ActionDiscord, def.Actions[1].Kind())
	})

	t.Run("unknown type accepted", func(t *testing.T) {
		def, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"type": "SMS", "message": "x"}})
		require.NoError(t, err)
		u, ok := def.Actions[0].(UnknownAction)
		require.True(t, ok)
		assert.Equal(t, "SMS", u.Type)
	})

	t.Run("calendar defaults duration", func(t *testing.T) {
		def, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"type": "Calendar", "title": "Block"}})
		require.NoError(t, err)
		assert.Equal(t, 60, def.Actions[0].(*CalendarAction).Duration)
	})

	t.Run("webhook method defaults to POST", func(t *testing.T) {
		def, err := ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"type": "Webhook", "url": "https://hooks.example.com/x", "method": "put"}})
		require.NoError(t, err)
		assert.Equal(t, "PUT", def.Actions[0].(*WebhookAction).Method)

		def, err = ParseDefinition("Task Due Date", nil, []map[string]interface{}{{"type": "Webhook", "url": "https://hooks.example.com/x"}})
		require.NoError(t, err)
		assert.Equal(t, "POST", def.Actions[0].(*WebhookAction).Method)
	})
}

func TestNormalizeActions(t *testing.T) {
	out := NormalizeActions(nil)
	require.Len(t, out, 1)
	assert.Equal(t, "noop", out[0]["type"])
	assert.NotEmpty(t, out[0]["note"])

	in := []map[string]interface{}{{"name": "Slack", "message": "hi"}}
	out = NormalizeActions(in)
	assert.Equal(t, "Slack", out[0]["type"])
	assert.Equal(t, "Slack", out[0]["name"])
	_, mutated := in[0]["type"]
	assert.False(t, mutated, "input must not be modified")
}

func TestLoadDefinition_Lenient(t *testing.T) {
	a := &models.Automation{
		Trigger:       "Schedule",
		TriggerConfig: datatypes.JSON(`{"frequency":"fortnightly"}`),
		Actions:       datatypes.JSON(`[{"type":"Email","subject":"x"},{"type":"noop","note":"n"}]`),
	}
	def := LoadDefinition(a)

	u, ok := def.Trigger.(UnknownTrigger)
	require.True(t, ok)
	assert.Equal(t, "Schedule", u.Name)
	assert.NotEmpty(t, u.Reason)

	require.Len(t, def.Actions, 2)
	_, isUnknown := def.Actions[0].(UnknownAction)
	assert.True(t, isUnknown, "invalid stored action loads as unknown")
	assert.Equal(t, ActionNoop, def.Actions[1].Kind())
}

func TestWorkflowTemplates_AllValid(t *testing.T) {
	templates := WorkflowTemplates()
	require.Len(t, templates, 6)
	seen := map[string]bool{}
	for _, tpl := range templates {
		assert.False(t, seen[tpl.Key], "duplicate key %s", tpl.Key)
		seen[tpl.Key] = true
		_, err := ParseDefinition(string(tpl.Trigger), tpl.TriggerConfig, tpl.Actions)
		assert.NoError(t, err, tpl.Name)
	}
}
