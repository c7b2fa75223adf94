package session

import (
	"context"
	"errors"

	"github.com/youruser/hogsim/internal/config"
	"github.com/youruser/hogsim/internal/llm"
	"github.com/youruser/hogsim/internal/store"
)

// Level is the severity of a user-visible notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notifier shows short messages to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }

// NopNotifier drops every notice.
type NopNotifier struct{}

func (NopNotifier) Notify(Level, string) {}

const fallbackMessage = "The owl lost its way..."

// UserMessage turns an error into the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, config.ErrNoAPIKey):
		return "Set an API key first"
	case errors.Is(err, store.ErrCharacterNotFound):
		return "Character does not exist"
	case errors.Is(err, store.ErrLogNotFound):
		return "Message not found"
	case errors.Is(err, ErrBusy):
		return "Wait for the current reply to finish"
	case errors.Is(err, llm.ErrRequestFailed), errors.Is(err, llm.ErrNoBody):
		return "Network response was not ok: " + err.Error()
	case errors.Is(err, llm.ErrStreamError):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallbackMessage
}
