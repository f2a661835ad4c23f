package session

import (
	"context"
	"errors"
	"strings"
)

// Category groups upstream failures by what the user should be told.
type Category string

const (
	CategoryTimeout          Category = "timeout"
	CategoryRateLimit        Category = "rate_limit"
	CategoryModelUnavailable Category = "model_unavailable"
	CategoryOther            Category = "other"
)

var errResponseTimeout = errors.New("timed out waiting for model response")

// Classify inspects an upstream error. Providers rarely return typed errors,
// so the message text is matched.
func Classify(err error) Category {
	if err == nil {
		return CategoryOther
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errResponseTimeout) {
		return CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "quota"), strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "resource_exhausted"):
		return CategoryRateLimit
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"), strings.Contains(msg, "not supported"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
		return CategoryModelUnavailable
	default:
		return CategoryOther
	}
}

// DiagnosticMessage is the sentence spoken to the user for a failure category.
func DiagnosticMessage(c Category) string {
	switch c {
	case CategoryTimeout:
		return "Sorry, the model took too long to respond. Please try again."
	case CategoryRateLimit:
		return "Sorry, I'm being rate limited right now. Please wait a moment and try again."
	case CategoryModelUnavailable:
		return "Sorry, the model is unavailable at the moment."
	default:
		return "Sorry, something went wrong while talking to the model."
	}
}

const (
	noScreenshotMessage = "I don't have a screenshot to look at. No screenshot available."
	visionFailedMessage = "Sorry, I couldn't analyze the screenshot."
)
