package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"microtaskhub/internal/models"
)

// Tasks returns a copy of the cached tasks, each with its assignee expanded.
func (c *Client) Tasks() []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Task(nil), c.tasks...)
}

func (c *Client) CachedTask(id uuid.UUID) (models.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, task := range c.tasks {
		if task.ID == id {
			return task, nil
		}
	}
	return models.Task{}, ErrTaskNotCached
}

// LoadTasks lists tasks, then fetches each one in turn with its assignee.
// The cache is only replaced once every detail call has succeeded.
func (c *Client) LoadTasks(ctx context.Context) ([]models.Task, error) {
	var summaries []models.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, nil, &summaries); err != nil {
		return nil, err
	}

	detailed := make([]models.Task, 0, len(summaries))
	query := url.Values{"include_assignee": {"true"}}
	for _, summary := range summaries {
		var task models.Task
		if err := c.do(ctx, http.MethodGet, "/tasks/"+summary.ID.String(), query, nil, &task); err != nil {
			return nil, err
		}
		detailed = append(detailed, task)
	}

	c.mu.Lock()
	c.tasks = detailed
	c.mu.Unlock()
	return c.Tasks(), nil
}

// CreateTask creates a task and refreshes the task cache. A missing assignee
// is rejected before anything is sent.
func (c *Client) CreateTask(ctx context.Context, in models.TaskCreate) (models.Task, error) {
	in.AssigneeID = strings.TrimSpace(in.AssigneeID)
	if in.AssigneeID == "" {
		return models.Task{}, ErrAssigneeRequired
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.DueDate = strings.TrimSpace(in.DueDate)
	if in.Status == "" {
		in.Status = models.StatusTodo
	}
	if err := c.validate.Struct(in); err != nil {
		return models.Task{}, fmt.Errorf("invalid task: %w", err)
	}

	var created models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, in, &created); err != nil {
		return models.Task{}, err
	}
	if _, err := c.LoadTasks(ctx); err != nil {
		return created, err
	}
	return created, nil
}

func (c *Client) UpdateTask(ctx context.Context, id uuid.UUID, in models.TaskUpdate) (models.Task, error) {
	if in.Empty() {
		return models.Task{}, ErrNoChanges
	}
	if err := c.validate.Struct(in); err != nil {
		return models.Task{}, fmt.Errorf("invalid task: %w", err)
	}

	var updated models.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+id.String(), nil, in, &updated); err != nil {
		return models.Task{}, err
	}
	if _, err := c.LoadTasks(ctx); err != nil {
		return updated, err
	}
	return updated, nil
}

// DeleteTask removes a task. Only done tasks can be deleted; the task
// service's detail is returned unchanged otherwise.
func (c *Client) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/tasks/"+id.String(), nil, nil, nil); err != nil {
		return err
	}
	_, err := c.LoadTasks(ctx)
	return err
}

// TaskChanges builds an update from edited values. A blank title or status
// keeps the current value; a blank description or due date clears it.
func TaskChanges(current models.Task, title, description, dueDate, status string) (models.TaskUpdate, error) {
	var update models.TaskUpdate
	if v := strings.TrimSpace(title); v != "" && v != current.Title {
		update.Title = &v
	}
	if v := strings.TrimSpace(description); v != current.DescriptionOrEmpty() {
		update.Description = &v
	}
	if v := strings.TrimSpace(dueDate); v != current.DueDateOrEmpty() {
		if v == "" {
			update.ClearDueDate = true
		} else {
			update.DueDate = &v
		}
	}
	if raw := strings.TrimSpace(status); raw != "" {
		parsed, ok := models.ParseTaskStatus(raw)
		if !ok {
			return models.TaskUpdate{}, ErrInvalidStatus
		}
		if parsed != current.Status {
			update.Status = &parsed
		}
	}
	if update.Empty() {
		return update, ErrNoChanges
	}
	return update, nil
}
