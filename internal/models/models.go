package models

import (
	"time"

	"gorm.io/gorm"
)

// 用户模型（由外部账户系统维护，引擎只读）
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `json:"name"`
	Email     string         `gorm:"uniqueIndex;not null" json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 项目模型
type Project struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"not null" json:"name"`
	OwnerID          uint      `gorm:"index" json:"owner_id"`
	StakeholderEmail string    `json:"stakeholder_email"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	Owner User `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

// 任务状态
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusDone       = "done"
)

// 任务模型
type Task struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ProjectID       uint       `gorm:"index" json:"project_id"`
	Title           string     `gorm:"not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Status          string     `gorm:"index;default:'todo'" json:"status"`
	Priority        string     `gorm:"index;default:'medium'" json:"priority"` // low, medium, high, urgent
	DueDate         *time.Time `json:"due_date"`
	AssigneeID      *uint      `gorm:"index" json:"assignee_id"`
	UnassignedSince *time.Time `json:"unassigned_since"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Assignee *User `gorm:"foreignKey:AssigneeID" json:"assignee,omitempty"`
}

// IsOpen 未完成的任务
func (t *Task) IsOpen() bool {
	return t.Status != TaskStatusDone && t.CompletedAt == nil
}
