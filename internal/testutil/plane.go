// Package testutil provides shared test infrastructure, most notably an
// in-process mock of the Plane REST API.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"planesync/backend"
)

// PlaneServer simulates the subset of the Plane REST API used by planesync.
type PlaneServer struct {
	server    *httptest.Server
	apiKey    string
	workspace string

	mu          sync.Mutex
	me          *backend.Member
	members     []backend.Member
	projects    []backend.Project
	issues      map[string][]backend.Task
	states      map[string][]backend.State
	labels      map[string][]backend.Label
	rateLimited int
	failStatus  int
	failCount   int
	requestLog  []string
	pageSize    int
}

// NewPlaneServer starts a mock server accepting apiKey for workspace.
// The server is closed when the test ends.
func NewPlaneServer(t *testing.T, apiKey, workspace string) *PlaneServer {
	t.Helper()
	m := &PlaneServer{
		apiKey:    apiKey,
		workspace: workspace,
		issues:    make(map[string][]backend.Task),
		states:    make(map[string][]backend.State),
		labels:    make(map[string][]backend.Label),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the base URL to configure the client with.
func (m *PlaneServer) URL() string {
	return m.server.URL
}

// SetMe sets the user returned by the me/ endpoint and adds it as a member.
func (m *PlaneServer) SetMe(member backend.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.me = &member
	m.members = append(m.members, member)
}

// AddMember adds a workspace member.
func (m *PlaneServer) AddMember(member backend.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, member)
}

// AddProject adds a project.
func (m *PlaneServer) AddProject(p backend.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = append(m.projects, p)
}

// AddIssue adds an issue to a project.
func (m *PlaneServer) AddIssue(projectID string, issue backend.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[projectID] = append(m.issues[projectID], issue)
}

// AddState adds a workflow state to a project.
func (m *PlaneServer) AddState(projectID string, s backend.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[projectID] = append(m.states[projectID], s)
}

// AddLabel adds an issue label to a project.
func (m *PlaneServer) AddLabel(projectID string, l backend.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[projectID] = append(m.labels[projectID], l)
}

// SetPageSize caps the page size regardless of per_page. Zero honours per_page.
func (m *PlaneServer) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetRateLimited makes the next n requests answer 429.
func (m *PlaneServer) SetRateLimited(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited = n
}

// FailNext makes the next n requests answer with status.
func (m *PlaneServer) FailNext(status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
	m.failCount = n
}

// Requests returns "METHOD path" for every request received.
func (m *PlaneServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.requestLog...)
}

// RequestCount counts requests whose path ends with suffix.
func (m *PlaneServer) RequestCount(suffix string) int {
	n := 0
	for _, r := range m.Requests() {
		if strings.HasSuffix(r, suffix) {
			n++
		}
	}
	return n
}

func (m *PlaneServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestLog = append(m.requestLog, r.Method+" "+r.URL.Path)

	if m.rateLimited > 0 {
		m.rateLimited--
		w.Header().Set("Retry-After", "0")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	if m.failCount > 0 {
		m.failCount--
		writeJSON(w, m.failStatus, map[string]string{"error": http.StatusText(m.failStatus)})
		return
	}
	if r.Header.Get("X-API-Key") != m.apiKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "read only"})
		return
	}

	prefix := "/api/v1/workspaces/" + m.workspace + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace not found"})
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "me":
		if m.me == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no user"})
			return
		}
		writeJSON(w, http.StatusOK, m.me)
	case len(parts) == 1 && parts[0] == "members":
		writeJSON(w, http.StatusOK, m.members)
	case len(parts) == 2 && parts[0] == "members":
		for _, mem := range m.members {
			if mem.ID == parts[1] {
				writeJSON(w, http.StatusOK, mem)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "member not found"})
	case len(parts) == 1 && parts[0] == "projects":
		items := make([]any, len(m.projects))
		for i, p := range m.projects {
			items[i] = p
		}
		m.writePage(w, r, items)
	case len(parts) >= 2 && parts[0] == "projects":
		m.handleProject(w, r, parts[1], parts[2:])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (m *PlaneServer) handleProject(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	var project *backend.Project
	for i := range m.projects {
		if m.projects[i].ID == projectID {
			project = &m.projects[i]
		}
	}
	if project == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}

	switch {
	case len(rest) == 0:
		writeJSON(w, http.StatusOK, project)
	case len(rest) == 1 && rest[0] == "issues":
		items := make([]any, len(m.issues[projectID]))
		for i, is := range m.issues[projectID] {
			items[i] = is
		}
		m.writePage(w, r, items)
	case len(rest) == 2 && rest[0] == "issues":
		for _, is := range m.issues[projectID] {
			if is.ID() == rest[1] {
				writeJSON(w, http.StatusOK, is)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "issue not found"})
	case len(rest) == 1 && rest[0] == "states":
		items := make([]any, len(m.states[projectID]))
		for i, s := range m.states[projectID] {
			items[i] = s
		}
		m.writePage(w, r, items)
	case len(rest) == 1 && rest[0] == "issue-labels":
		writeJSON(w, http.StatusOK, m.labels[projectID])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

// writePage answers with {"results", "next", "count"} using per_page and page.
func (m *PlaneServer) writePage(w http.ResponseWriter, r *http.Request, items []any) {
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 100
	}
	if m.pageSize > 0 {
		perPage = m.pageSize
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}

	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}

	var next any
	if end < len(items) {
		next = fmt.Sprintf("%s%s?page=%d", m.server.URL, r.URL.Path, page+1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": items[start:end],
		"next":    next,
		"count":   len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
