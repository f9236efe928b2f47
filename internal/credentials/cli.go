package credentials

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"planesync/internal/utils"
)

// CLIHandler handles CLI commands for credential management
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
}

// NewCLIHandler creates a new CLI handler for credential commands
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout io.Writer) *CLIHandler {
	return &CLIHandler{
		manager: manager,
		stdin:   stdin,
		stdout:  stdout,
	}
}

// Set prompts for the API key of workspace and stores it in the keyring.
func (h *CLIHandler) Set(ctx context.Context, workspace string) error {
	if workspace == "" {
		return utils.WrapWithSuggestion(errors.New("workspace slug is required"),
			"Pass --workspace or set plane.workspace_slug in your config")
	}
	apiKey, err := PromptSecret(h.stdin, h.stdout, fmt.Sprintf("Enter Plane API key for workspace %s: ", workspace))
	if err != nil {
		return errors.Wrap(err, "failed to read API key")
	}

	if err := h.manager.Set(ctx, workspace, apiKey); err != nil {
		// Check if keyring is not available and provide helpful guidance
		if errors.Is(err, ErrKeyringNotAvailable) {
			return utils.WrapWithSuggestion(err,
				"Export PLANE_API_KEY or add it to the .env file of your project instead")
		}
		return errors.Wrap(err, "failed to store credentials")
	}

	_, _ = fmt.Fprintf(h.stdout, "API key for %s stored in system keyring\n", normalizeWorkspace(workspace))
	return nil
}

// Get displays where the API key of workspace would be taken from.
func (h *CLIHandler) Get(ctx context.Context, workspace, configured string, jsonOutput bool) error {
	info, err := h.manager.Resolve(ctx, workspace, configured)
	if err != nil {
		return errors.Wrap(err, "failed to get credentials")
	}

	if jsonOutput {
		data, err := info.JSON()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(data))
		return nil
	}

	if !info.Found {
		_, _ = fmt.Fprintf(h.stdout, "No API key found for workspace %s\n", info.Workspace)
		_, _ = fmt.Fprintf(h.stdout, "Searched:\n")
		_, _ = fmt.Fprintf(h.stdout, "  - System keyring: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "  - Environment variables: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "  - Config file: Not set\n")
		_, _ = fmt.Fprintf(h.stdout, "\nSuggestion: Run 'planesync credentials set'\n")
		return nil
	}

	source := string(info.Source)
	if info.EnvVar != "" {
		source += " (" + info.EnvVar + ")"
	}
	_, _ = fmt.Fprintf(h.stdout, "Workspace: %s\n", info.Workspace)
	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", source)
	_, _ = fmt.Fprintf(h.stdout, "API key: %s\n", maskKey(info.APIKey))
	return nil
}

// Delete removes the keyring entry of workspace.
func (h *CLIHandler) Delete(ctx context.Context, workspace string) error {
	if err := h.manager.Delete(ctx, workspace); err != nil {
		return errors.Wrap(err, "failed to delete credentials")
	}
	_, _ = fmt.Fprintf(h.stdout, "API key for %s removed from system keyring\n", normalizeWorkspace(workspace))
	return nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "********"
	}
	return "********" + key[len(key)-4:]
}
