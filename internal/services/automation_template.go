package services

import (
	"regexp"
	"strconv"
	"time"
)

var tokenPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Render replaces {token} placeholders with values from tokens. Unknown
// placeholders are left as they are.
func Render(tpl string, tokens map[string]string) string {
	if tpl == "" || len(tokens) == 0 {
		return tpl
	}
	return tokenPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		if v, ok := tokens[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// renderMap renders every string value of a payload map, recursing into
// nested maps and slices.
func renderMap(in map[string]interface{}, tokens map[string]string) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = renderValue(v, tokens)
	}
	return out
}

func renderValue(v interface{}, tokens map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		return Render(val, tokens)
	case map[string]interface{}:
		return renderMap(val, tokens)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderValue(item, tokens)
		}
		return out
	default:
		return v
	}
}

// BuildTokens assembles the flat token map for one automation run. task may
// be nil for project-level runs, in which case task tokens are absent and stay
// verbatim in rendered output.
func BuildTokens(automationName string, project *ProjectSnapshot, task *TaskSnapshot, now time.Time) map[string]string {
	tokens := map[string]string{
		"automation_name": automationName,
		"current_date":    now.Format("2006-01-02"),
		"current_time":    now.Format("15:04"),
	}
	if project != nil {
		tokens["project_name"] = project.Name
		tokens["project_owner_name"] = project.OwnerName
		tokens["project_owner_email"] = project.OwnerEmail
		tokens["stakeholder_email"] = project.StakeholderEmail
		if project.StakeholderEmail == "" {
			tokens["stakeholder_email"] = project.OwnerEmail
		}
		tokens["tasks_total"] = strconv.FormatInt(project.TasksTotal, 10)
		tokens["tasks_completed_today"] = strconv.FormatInt(project.TasksCompletedToday, 10)
		tokens["project_completion_percentage"] = strconv.Itoa(project.CompletionPercentage())
	}
	if task != nil {
		tokens["task_title"] = task.Title
		tokens["task_description"] = task.Description
		tokens["task_status"] = task.Status
		tokens["task_priority"] = task.Priority
		tokens["task_assignee_name"] = task.AssigneeName
		tokens["task_assignee_email"] = task.AssigneeEmail
		if task.DueDate != nil {
			tokens["task_due_date"] = task.DueDate.Format("2006-01-02 15:04")
		}
	}
	return tokens
}
