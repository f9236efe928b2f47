package backend

import (
	"context"
	"fmt"
	"strings"
)

// Task is an issue as returned by the API. Its shape is owned by the server,
// so it is kept as a decoded JSON object and read through helpers.
type Task map[string]any

// ID returns the task id, or "" when missing.
func (t Task) ID() string {
	return t.Str("id")
}

// Name returns the task title.
func (t Task) Name() string {
	return t.Str("name")
}

// Str returns a top-level string field, or "" when missing or not a string.
func (t Task) Str(key string) string {
	if s, ok := t[key].(string); ok {
		return s
	}
	return ""
}

// SequenceID returns the per-project issue number, or 0 when missing.
func (t Task) SequenceID() int {
	switch v := t["sequence_id"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Project is a Plane project.
type Project struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Label returns "Name (IDENTIFIER)" for listings.
func (p Project) Label() string {
	if p.Identifier == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Identifier)
}

// Member is a workspace member.
type Member struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
}

// FullName joins first and last name.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// DisplayLabel returns the most readable name available.
func (m Member) DisplayLabel() string {
	for _, s := range []string{m.DisplayName, m.FullName(), m.Username, m.Email, m.ID} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Matches reports whether query names the member. With exact set, query must
// equal the email, display name, username or full name (case-insensitive);
// otherwise it may be a substring of any of them.
func (m Member) Matches(query string, exact bool) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	for _, s := range []string{m.Email, m.DisplayName, m.Username, m.FullName()} {
		v := strings.ToLower(s)
		if v == "" {
			continue
		}
		if exact && v == q {
			return true
		}
		if !exact && strings.Contains(v, q) {
			return true
		}
	}
	return false
}

// State is a workflow state of a project.
type State struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Label is an issue label.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Source defines the read-only view of a Plane workspace used by sync.
type Source interface {
	CurrentUser(ctx context.Context) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
	GetMember(ctx context.Context, memberID string) (*Member, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListStates(ctx context.Context, projectID string) ([]State, error)
	ListProjectIssues(ctx context.Context, projectID string) ([]Task, error)
}

// FindProject resolves a project by identifier or name (case-insensitive) or by id.
// Returns nil if no match is found.
func FindProject(projects []Project, query string) *Project {
	q := strings.TrimSpace(query)
	for _, p := range projects {
		if strings.EqualFold(p.Identifier, q) {
			return &p
		}
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, q) || p.ID == q {
			return &p
		}
	}
	return nil
}

// FindMember resolves a member by exact match first, then by substring.
// Returns nil if no match is found.
func FindMember(members []Member, query string) *Member {
	for _, exact := range []bool{true, false} {
		for _, m := range members {
			if m.Matches(query, exact) {
				return &m
			}
		}
	}
	return nil
}
