package services

// WorkflowTemplate is a ready-made automation users can start from.
type WorkflowTemplate struct {
	Key           string                   `json:"key"`
	Name          string                   `json:"name"`
	Description   string                   `json:"description"`
	Trigger       TriggerKind              `json:"trigger"`
	TriggerConfig map[string]interface{}   `json:"trigger_config"`
	Actions       []map[string]interface{} `json:"actions"`
}

// WorkflowTemplates returns the built-in catalog. Every entry validates with
// ParseDefinition.
func WorkflowTemplates() []WorkflowTemplate {
	return []WorkflowTemplate{
		{
			Key:           "daily_standup_digest",
			Name:          "Daily Standup Digest",
			Description:   "Post a short project summary to Slack every morning.",
			Trigger:       TriggerSchedule,
			TriggerConfig: map[string]interface{}{"frequency": "daily", "time": "09:00"},
			Actions: []map[string]interface{}{
				{"type": "Slack", "message": "Good morning! {project_name}: {tasks_completed_today} tasks done today, {project_completion_percentage}% complete overall."},
			},
		},
		{
			Key:           "due_date_reminder",
			Name:          "Due Date Reminder",
			Description:   "Email the assignee a day before a task is due.",
			Trigger:       TriggerTaskDueDate,
			TriggerConfig: map[string]interface{}{"hours_before": 24},
			Actions: []map[string]interface{}{
				{"type": "Email", "recipient": "{task_assignee_email}", "subject": "Reminder: {task_title} is due soon", "message": "Hi {task_assignee_name}, \"{task_title}\" in {project_name} is due on {task_due_date}."},
			},
		},
		{
			Key:           "new_task_alert",
			Name:          "New Task Alert",
			Description:   "Notify the team channel when a task lands in To Do.",
			Trigger:       TriggerTaskCreated,
			TriggerConfig: map[string]interface{}{"columns": []interface{}{"todo"}},
			Actions: []map[string]interface{}{
				{"type": "Slack", "message": "New task in {project_name}: {task_title} ({task_priority})"},
			},
		},
		{
			Key:           "high_priority_escalation",
			Name:          "High-Priority Escalation",
			Description:   "Escalate urgent tasks that stay unassigned for two hours.",
			Trigger:       TriggerTaskPriority,
			TriggerConfig: map[string]interface{}{"priority": "urgent", "hours_unassigned": 2},
			Actions: []map[string]interface{}{
				{"type": "Email", "subject": "Unassigned urgent task: {task_title}", "message": "{task_title} in {project_name} has no assignee yet."},
				{"type": "Slack", "message": ":rotating_light: Urgent task {task_title} is still unassigned"},
			},
		},
		{
			Key:           "weekly_stakeholder_report",
			Name:          "Weekly Stakeholder Report",
			Description:   "Send stakeholders a progress summary every Friday afternoon.",
			Trigger:       TriggerSchedule,
			TriggerConfig: map[string]interface{}{"frequency": "weekly", "day_of_week": "friday", "time": "16:00"},
			Actions: []map[string]interface{}{
				{"type": "Email", "recipient": "{stakeholder_email}", "subject": "{project_name} weekly report ({current_date})", "message": "{project_name} is {project_completion_percentage}% complete with {tasks_total} tasks in total."},
			},
		},
		{
			Key:           "deadline_calendar_block",
			Name:          "Deadline Calendar Block",
			Description:   "Block an hour on the team calendar before a task deadline.",
			Trigger:       TriggerTaskDueDate,
			TriggerConfig: map[string]interface{}{"hours_before": 48},
			Actions: []map[string]interface{}{
				{"type": "Calendar", "title": "Deadline: {task_title}", "description": "{project_name}: {task_description}", "duration": 60},
			},
		},
	}
}
