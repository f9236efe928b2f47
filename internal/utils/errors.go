package utils

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// SuggestionFor returns the suggestion attached anywhere in err's chain.
func SuggestionFor(err error) string {
	var ews *ErrorWithSuggestion
	if errors.As(err, &ews) {
		return ews.Suggestion
	}
	return ""
}

// ErrNoProjects returns an error for a workspace without any projects.
func ErrNoProjects(workspace string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no projects found in workspace %q", workspace),
		Suggestion: "Check plane.workspace_slug in your config and that the API key can see the workspace",
	}
}

// ErrProjectNotSpecified returns an error listing the projects the user can pick from.
func ErrProjectNotSpecified(available []string) error {
	return &ErrorWithSuggestion{
		Err:        errors.New("no project specified"),
		Suggestion: "Pass a project identifier, e.g. 'planesync sync MOBILE'. Available projects:\n" + formatList(available),
	}
}

// ErrProjectNotFound returns an error for an unknown project identifier.
func ErrProjectNotFound(project string, available []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("project not found: %s", project),
		Suggestion: "Available projects: " + strings.Join(available, ", "),
	}
}

// ErrMyTasksNeedsEmail returns an error when --my-tasks is used without a configured email.
func ErrMyTasksNeedsEmail() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("--my-tasks requires user.email to be configured"),
		Suggestion: "Set user.email in your config file or export MY_EMAIL",
	}
}

// ErrConfigInvalid returns an error listing configuration problems.
func ErrConfigInvalid(problems []string) error {
	return &ErrorWithSuggestion{
		Err:        errors.New("configuration validation failed:\n" + formatList(problems)),
		Suggestion: "Run 'planesync config init' to create a sample config, or set PLANE_BASE_URL, PLANE_API_KEY and PLANE_WORKSPACE",
	}
}

// ErrCredentialsNotFound returns an error when no API key is available.
func ErrCredentialsNotFound(workspace string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("API key not found for workspace %s", workspace),
		Suggestion: "Run 'planesync credentials set' or export PLANE_API_KEY",
	}
}

// ErrAuthenticationFailed returns an error when the API rejects the key.
func ErrAuthenticationFailed(err error) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: "Check that your API key is valid and has access to the workspace",
	}
}

// ErrResourceNotFound returns an error for a 404 from the API.
func ErrResourceNotFound(err error) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: "Check that the project identifier and workspace slug are correct",
	}
}

// ErrBackendOffline returns an error when the API is unreachable with smart suggestions.
func ErrBackendOffline(err error) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: getSmartSuggestion(err.Error()),
	}
}

// ErrTemplateNotFound returns an error for an unknown report template.
func ErrTemplateNotFound(name string, available []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("template not found: %s", name),
		Suggestion: "Available templates: " + strings.Join(available, ", "),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and plane.base_url"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the Plane server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "deadline exceeded") {
		return "The server may be slow or unreachable. Try again later"
	}

	if strings.Contains(lowerReason, "circuit breaker") {
		return "Too many consecutive failures; wait a moment before retrying"
	}

	return "Check your network connection and API configuration"
}

func formatList(items []string) string {
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(item)
	}
	return sb.String()
}
