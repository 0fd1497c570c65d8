package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MessageSignIn         = "Please sign in to continue."
	MessageSessionExpired = "Session expired. Please sign in."
)

// Message renders err the way the browser client shows it to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, ErrUnauthorized):
		return MessageSessionExpired
	case errors.Is(err, ErrTokenMissing):
		return "Authentication token missing"
	case errors.Is(err, ErrAssigneeRequired):
		return "Create a user first and select an assignee."
	case errors.Is(err, ErrNoChanges):
		return "No changes detected."
	case errors.Is(err, ErrInvalidStatus):
		return "Invalid status value"
	case errors.Is(err, ErrUserNotCached):
		return "User not found in cache."
	case errors.Is(err, ErrTaskNotCached):
		return "Task not found in cache."
	case errors.As(err, &apiErr):
		return apiErr.Detail
	case errors.As(err, &invalid):
		return validationMessage(invalid)
	default:
		return err.Error()
	}
}

func validationMessage(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			parts = append(parts, fmt.Sprintf("%s must be a valid email address", fe.Field()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "datetime":
			parts = append(parts, fmt.Sprintf("%s must use YYYY-MM-DD", fe.Field()))
		case "max", "min":
			parts = append(parts, fmt.Sprintf("%s length must be %s %s", fe.Field(), fe.Tag(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(parts, "; ")
}
