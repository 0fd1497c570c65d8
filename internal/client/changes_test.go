package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microtaskhub/internal/models"
)

func strPtr(v string) *string { return &v }

func TestUserChanges(t *testing.T) {
	current := models.User{Email: "ada@example.com", FullName: "Ada Lovelace", Role: models.RoleMember}

	_, err := UserChanges(current, "ada@example.com", "  Ada Lovelace ", "")
	assert.ErrorIs(t, err, ErrNoChanges)
	assert.Equal(t, "No changes detected.", Message(err))

	update, err := UserChanges(current, "ada@lovelace.dev", "", "member")
	require.NoError(t, err)
	require.NotNil(t, update.Email)
	assert.Equal(t, "ada@lovelace.dev", *update.Email)
	assert.Nil(t, update.FullName)
	assert.Nil(t, update.Role)
}

func TestTaskChanges(t *testing.T) {
	current := models.Task{
		Title:       "Draft",
		Description: strPtr("first pass"),
		DueDate:     strPtr("2026-10-20"),
		Status:      models.StatusTodo,
	}

	t.Run("no changes", func(t *testing.T) {
		_, err := TaskChanges(current, "", "first pass", "2026-10-20", " todo ")
		assert.ErrorIs(t, err, ErrNoChanges)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := TaskChanges(current, "Draft v2", "first pass", "2026-10-20", "blocked")
		assert.ErrorIs(t, err, ErrInvalidStatus)
		assert.Equal(t, "Invalid status value", Message(err))
	})

	t.Run("status normalised", func(t *testing.T) {
		update, err := TaskChanges(current, "", "first pass", "2026-10-20", " IN_PROGRESS ")
		require.NoError(t, err)
		require.NotNil(t, update.Status)
		assert.Equal(t, models.StatusInProgress, *update.Status)
	})

	t.Run("clearing fields", func(t *testing.T) {
		update, err := TaskChanges(current, "", "", "", "")
		require.NoError(t, err)
		assert.True(t, update.ClearDueDate)
		require.NotNil(t, update.Description)
		assert.Empty(t, *update.Description)
		assert.Nil(t, update.Title)
	})

	t.Run("setting a due date", func(t *testing.T) {
		update, err := TaskChanges(models.Task{Title: "Draft", Status: models.StatusTodo}, "", "", "2026-12-01", "")
		require.NoError(t, err)
		require.NotNil(t, update.DueDate)
		assert.Equal(t, "2026-12-01", *update.DueDate)
		assert.False(t, update.ClearDueDate)
	})
}
