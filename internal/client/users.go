package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"microtaskhub/internal/models"
)

// Users returns a copy of the cached users.
func (c *Client) Users() []models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.User(nil), c.users...)
}

// CachedUser looks a user up in the cache without a network call.
func (c *Client) CachedUser(id uuid.UUID) (models.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, user := range c.users {
		if user.ID == id {
			return user, nil
		}
	}
	return models.User{}, ErrUserNotCached
}

func (c *Client) LoadUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &users); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	return c.Users(), nil
}

// CreateUser creates a user and refreshes the user cache. The role defaults
// to member.
func (c *Client) CreateUser(ctx context.Context, in models.UserCreate) (models.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Role == "" {
		in.Role = models.RoleMember
	}
	if err := c.validate.Struct(in); err != nil {
		return models.User{}, fmt.Errorf("invalid user: %w", err)
	}

	var created models.User
	if err := c.do(ctx, http.MethodPost, "/users", nil, in, &created); err != nil {
		return models.User{}, err
	}
	if _, err := c.LoadUsers(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// UpdateUser sends the changed fields, then refreshes users and tasks since
// task assignee summaries may have changed too.
func (c *Client) UpdateUser(ctx context.Context, id uuid.UUID, in models.UserUpdate) (models.User, error) {
	if in.Empty() {
		return models.User{}, ErrNoChanges
	}
	if err := c.validate.Struct(in); err != nil {
		return models.User{}, fmt.Errorf("invalid user: %w", err)
	}

	var updated models.User
	if err := c.do(ctx, http.MethodPatch, "/users/"+id.String(), nil, in, &updated); err != nil {
		return models.User{}, err
	}
	if err := c.LoadAll(ctx); err != nil {
		return updated, err
	}
	return updated, nil
}

// DeleteUser removes a user. The user service refuses while the user has
// in-progress tasks; its detail is returned unchanged.
func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/users/"+id.String(), nil, nil, nil); err != nil {
		return err
	}
	return c.LoadAll(ctx)
}

// UserChanges builds an update from edited values. Blank inputs keep the
// current value.
func UserChanges(current models.User, email, fullName, role string) (models.UserUpdate, error) {
	var update models.UserUpdate
	if v := strings.TrimSpace(email); v != "" && v != current.Email {
		update.Email = &v
	}
	if v := strings.TrimSpace(fullName); v != "" && v != current.FullName {
		update.FullName = &v
	}
	if v := models.Role(strings.ToLower(strings.TrimSpace(role))); v != "" && v != current.Role {
		update.Role = &v
	}
	if update.Empty() {
		return update, ErrNoChanges
	}
	return update, nil
}
