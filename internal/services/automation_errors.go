package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrAutomationNotFound  = errors.New("automation not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrUnknownTriggerType  = errors.New("unknown trigger type")
	ErrUnknownActionType   = errors.New("unknown action type")
	ErrActionDispatch      = errors.New("action dispatch failed")
	ErrPersistence         = errors.New("failed to record automation statistics")
	ErrTransportNotEnabled = errors.New("transport not configured")
	ErrProjectBusy         = errors.New("project is being processed")
)

// ValidationError describes a malformed automation definition. It matches
// ErrValidation through errors.Is, and Err (when set) through Unwrap.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
