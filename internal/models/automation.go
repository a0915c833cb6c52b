package models

import (
	"time"

	"gorm.io/datatypes"
)

// Automation 项目自动化规则（触发器 + 有序动作列表 + 运行统计）
type Automation struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ProjectID     uint           `gorm:"index;not null" json:"project_id"`
	Name          string         `gorm:"not null" json:"name"`
	Description   *string        `gorm:"type:text" json:"description"`
	Trigger       string         `gorm:"index;not null" json:"trigger"` // Schedule, Task Created, Task Due Date, Task Priority
	TriggerConfig datatypes.JSON `json:"trigger_config"`                // JSON object
	Actions       datatypes.JSON `json:"actions"`                       // JSON: [{type, ...fields}]
	IsActive      bool           `gorm:"index" json:"is_active"`
	RunsCount     int            `gorm:"not null;default:0" json:"runs_count"`
	SuccessRate   float64        `gorm:"not null;default:100" json:"success_rate"`
	LastRunAt     *time.Time     `json:"last_run_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AutomationRun 执行记录用于审计，同时作为任务级触发器的去重台账
type AutomationRun struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AutomationID uint      `gorm:"index:idx_automation_runs_task,priority:1;index" json:"automation_id"`
	ProjectID    uint      `gorm:"index" json:"project_id"`
	TaskID       *uint     `gorm:"index:idx_automation_runs_task,priority:2" json:"task_id"`
	RunID        string    `gorm:"size:36;uniqueIndex" json:"run_id"`
	State        string    `gorm:"index" json:"state"` // Completed, PartiallyFailed, Failed
	Message      string    `gorm:"type:text" json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}
