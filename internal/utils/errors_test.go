package utils

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Error Tests
// =============================================================================

func TestErrorWithSuggestionError(t *testing.T) {
	err := &ErrorWithSuggestion{
		Err:        errors.New("something went wrong"),
		Suggestion: "Try doing X",
	}

	assert.Equal(t, "something went wrong\n\nSuggestion: Try doing X", err.Error())
	assert.Equal(t, "Try doing X", err.GetSuggestion())
}

func TestErrorWithSuggestionWithoutSuggestion(t *testing.T) {
	err := &ErrorWithSuggestion{Err: errors.New("plain")}
	assert.Equal(t, "plain", err.Error())
}

func TestErrorWithSuggestionUnwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	wrapped := WrapWithSuggestion(underlying, "suggestion")

	assert.True(t, errors.Is(wrapped, underlying))

	var ews *ErrorWithSuggestion
	require.True(t, errors.As(wrapped, &ews))
	assert.Equal(t, "suggestion", ews.GetSuggestion())
}

func TestSuggestionForWrappedChain(t *testing.T) {
	err := errors.Wrap(ErrMyTasksNeedsEmail(), "sync failed")
	assert.Contains(t, SuggestionFor(err), "MY_EMAIL")
	assert.Empty(t, SuggestionFor(errors.New("no hint")))
}

func TestErrProjectNotSpecifiedListsProjects(t *testing.T) {
	err := ErrProjectNotSpecified([]string{"Mobile (MOBILE)", "Web (WEB)"})

	msg := err.Error()
	assert.Contains(t, msg, "no project specified")
	assert.Contains(t, msg, "  - Mobile (MOBILE)\n  - Web (WEB)")
}

func TestErrProjectNotFound(t *testing.T) {
	err := ErrProjectNotFound("NOPE", []string{"MOBILE", "WEB"})
	assert.Contains(t, err.Error(), "project not found: NOPE")
	assert.Contains(t, err.Error(), "MOBILE, WEB")
}

func TestErrBackendOfflineSmartSuggestions(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"dial tcp: lookup plane.example: no such host", "DNS"},
		{"dial tcp 127.0.0.1:1: connection refused", "running"},
		{"context deadline exceeded", "slow"},
		{"circuit breaker is open", "consecutive failures"},
		{"weird failure", "network connection"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			err := ErrBackendOffline(fmt.Errorf("request failed: %s", tt.reason))
			assert.Contains(t, SuggestionFor(err), tt.want)
		})
	}
}

func TestErrConfigInvalidListsProblems(t *testing.T) {
	err := ErrConfigInvalid([]string{"plane.base_url is required", "plane.workspace_slug is required"})
	assert.Contains(t, err.Error(), "  - plane.base_url is required\n  - plane.workspace_slug is required")
}
