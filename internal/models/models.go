package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the upstream user role.
type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
)

// TaskStatus is the lifecycle state of a task. The task service rejects any
// other value, refuses to delete tasks that are not done, and refuses to
// delete users that still have in-progress tasks.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// TaskStatuses lists the accepted statuses in workflow order.
var TaskStatuses = []TaskStatus{StatusTodo, StatusInProgress, StatusDone}

// ParseTaskStatus trims and lower-cases the input and reports whether it is
// one of the accepted statuses.
func ParseTaskStatus(raw string) (TaskStatus, bool) {
	normalized := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, status := range TaskStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// DateLayout is the wire format for task due dates.
const DateLayout = "2006-01-02"

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSummary is the assignee projection embedded in detailed tasks.
type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     Role      `json:"role"`
}

type Task struct {
	ID          uuid.UUID    `json:"id"`
	Title       string       `json:"title"`
	Description *string      `json:"description"`
	DueDate     *string      `json:"due_date"`
	Status      TaskStatus   `json:"status"`
	AssigneeID  uuid.UUID    `json:"assignee_id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Assignee    *UserSummary `json:"assignee,omitempty"`
}

// DescriptionOrEmpty returns the description or "" when unset.
func (t Task) DescriptionOrEmpty() string {
	if t.Description == nil {
		return ""
	}
	return *t.Description
}

// DueDateOrEmpty returns the due date or "" when unset.
func (t Task) DueDateOrEmpty() string {
	if t.DueDate == nil {
		return ""
	}
	return *t.DueDate
}

type UserCreate struct {
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"full_name" validate:"required,max=255"`
	Role     Role   `json:"role,omitempty" validate:"omitempty,oneof=member manager"`
}

type UserUpdate struct {
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	FullName *string `json:"full_name,omitempty" validate:"omitempty,min=1,max=255"`
	Role     *Role   `json:"role,omitempty" validate:"omitempty,oneof=member manager"`
}

// Empty reports whether the update carries no changed field.
func (u UserUpdate) Empty() bool {
	return u.Email == nil && u.FullName == nil && u.Role == nil
}

type TaskCreate struct {
	Title       string     `json:"title" validate:"required,min=1,max=255"`
	Description string     `json:"description,omitempty" validate:"max=1024"`
	DueDate     string     `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Status      TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress done"`
	AssigneeID  string     `json:"assignee_id"`
}

// TaskUpdate is a partial update. A nil field is left untouched; ClearDueDate
// sends an explicit null so the task service removes the due date.
type TaskUpdate struct {
	Title        *string     `validate:"omitempty,min=1,max=255"`
	Description  *string     `validate:"omitempty,max=1024"`
	DueDate      *string     `validate:"omitempty,datetime=2006-01-02"`
	ClearDueDate bool        `validate:"-"`
	Status       *TaskStatus `validate:"omitempty,oneof=todo in_progress done"`
}

// Empty reports whether the update carries no changed field.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.DueDate == nil && !u.ClearDueDate && u.Status == nil
}

func (u TaskUpdate) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, 4)
	if u.Title != nil {
		payload["title"] = *u.Title
	}
	if u.Description != nil {
		payload["description"] = *u.Description
	}
	switch {
	case u.ClearDueDate:
		payload["due_date"] = nil
	case u.DueDate != nil:
		payload["due_date"] = *u.DueDate
	}
	if u.Status != nil {
		payload["status"] = *u.Status
	}
	return json.Marshal(payload)
}
