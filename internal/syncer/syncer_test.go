package syncer_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planesync/backend"
	"planesync/backend/plane"
	"planesync/internal/cache"
	"planesync/internal/history"
	"planesync/internal/syncer"
	"planesync/internal/taskfilter"
	"planesync/internal/testutil"
	"planesync/internal/utils"
)

const (
	testKey       = "plane-test-key"
	testWorkspace = "acme"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	server  *testutil.PlaneServer
	client  *plane.Client
	cache   *cache.Store
	history *history.Store
	runner  *syncer.Runner
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	server := testutil.NewPlaneServer(t, testKey, testWorkspace)
	server.AddMember(backend.Member{ID: "u-alice", Email: "alice@example.com", DisplayName: "alice", FirstName: "Alice", LastName: "Liddell"})
	server.AddMember(backend.Member{ID: "u-bob", Email: "bob@example.com", DisplayName: "bob"})
	server.AddProject(backend.Project{ID: "p-api", Identifier: "API", Name: "Backend API"})
	server.AddProject(backend.Project{ID: "p-web", Identifier: "WEB", Name: "Web Frontend"})
	server.AddState("p-api", backend.State{ID: "s-todo", Name: "Todo", Group: "unstarted"})
	server.AddState("p-api", backend.State{ID: "s-prog", Name: "In Progress", Group: "started"})
	server.AddState("p-api", backend.State{ID: "s-done", Name: "Done", Group: "completed"})

	issue := func(id, name, priority, stateID, stateName, updated string, assignees ...any) backend.Task {
		return backend.Task{
			"id":         id,
			"name":       name,
			"priority":   priority,
			"state":      map[string]any{"id": stateID, "name": stateName},
			"assignees":  assignees,
			"updated_at": updated,
			"created_at": "2024-05-01T09:00:00Z",
		}
	}
	server.AddIssue("p-api", issue("i1", "Fix login timeout", "high", "s-prog", "In Progress", "2024-05-31T10:00:00Z", "u-alice"))
	server.AddIssue("p-api", issue("i2", "Rotate signing keys", "urgent", "s-todo", "Todo", "2024-05-20T10:00:00Z", "u-bob"))
	server.AddIssue("p-api", issue("i3", "Document rate limits", "low", "s-done", "Done", "2024-05-30T10:00:00Z"))
	server.AddIssue("p-api", issue("i4", "Paginate audit log", "medium", "s-todo", "Todo", "2024-04-01T10:00:00Z", "u-alice", "u-bob"))

	client, err := plane.New(plane.Config{
		BaseURL:       server.URL(),
		APIKey:        testKey,
		WorkspaceSlug: testWorkspace,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)

	store, err := cache.New(cache.Options{Dir: filepath.Join(dir, "cache")})
	require.NoError(t, err)

	hist, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	f := &fixture{server: server, client: client, cache: store, history: hist, dir: dir}
	f.runner = syncer.New(client,
		syncer.WithCache(store),
		syncer.WithHistory(hist),
		syncer.WithWorkspace(testWorkspace),
		syncer.WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func (f *fixture) output(name string) string {
	return filepath.Join(f.dir, "out", name)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// End to end
// =============================================================================

func TestRunWritesReport(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{
		Project:  "api",
		Template: "development",
		Output:   f.output("plane.md"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Backend API", res.Project)
	assert.Equal(t, "API", res.Identifier)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 4, res.Filtered)
	assert.False(t, res.FromCache)
	assert.False(t, res.NoTasks)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, f.output("plane.md"), res.OutputPath)
	assert.Contains(t, res.Summary, "sort by priority, updated (desc)")
	assert.Contains(t, res.Summary, "limit 20")

	content := readFile(t, res.OutputPath)
	assert.Contains(t, content, "# Development Plan: Backend API (API)")
	assert.Contains(t, content, "Generated 2024-06-01 12:00:00. Showing 4 of 4 tasks.")
	// urgent first, then high, medium, low
	urgent := strings.Index(content, "Rotate signing keys")
	high := strings.Index(content, "Fix login timeout")
	low := strings.Index(content, "Document rate limits")
	require.True(t, urgent >= 0 && high >= 0 && low >= 0)
	assert.Less(t, urgent, high)
	assert.Less(t, high, low)
	// bare assignee ids are expanded to members
	assert.Contains(t, content, "### alice (2)")
	assert.Contains(t, content, "### bob (1)")
	assert.NotContains(t, content, "u-alice")
}

func TestRunUsesCacheOnSecondSync(t *testing.T) {
	f := newFixture(t)
	opts := syncer.Options{Project: "API", Output: f.output("plane.md")}

	_, err := f.runner.Run(context.Background(), opts)
	require.NoError(t, err)
	res, err := f.runner.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.Equal(t, 1, f.server.RequestCount("/projects/"))
	assert.Equal(t, 1, f.server.RequestCount("/issues/"))
	// members are fetched once and then read from the user cache
	assert.Equal(t, 1, f.server.RequestCount("/members/u-alice/"))
	assert.True(t, f.cache.Exists(cache.UserInfo, "u-alice"))
	assert.True(t, f.cache.Exists(cache.ProjectIssues, "p-api"))
	assert.True(t, f.cache.Exists(cache.WorkspaceData, "projects"))
}

func TestRunNoCacheSkipsReadsButWrites(t *testing.T) {
	f := newFixture(t)
	opts := syncer.Options{Project: "API", Output: f.output("plane.md"), NoCache: true}

	_, err := f.runner.Run(context.Background(), opts)
	require.NoError(t, err)
	res, err := f.runner.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.False(t, res.FromCache)
	assert.Equal(t, 2, f.server.RequestCount("/issues/"))
	assert.True(t, f.cache.Exists(cache.ProjectIssues, "p-api"))
}

func TestRunWithoutCache(t *testing.T) {
	f := newFixture(t)
	runner := syncer.New(f.client, syncer.WithClock(func() time.Time { return fixedNow }))

	res, err := runner.Run(context.Background(), syncer.Options{Project: "Web Frontend", Output: f.output("web.md")})
	require.NoError(t, err)
	assert.True(t, res.NoTasks)
	assert.Equal(t, "WEB", res.Identifier)
}

func TestRunHTMLOutput(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{
		Project:  "API",
		Template: "brief",
		Output:   f.output("report.html"),
	})
	require.NoError(t, err)

	content := readFile(t, res.OutputPath)
	assert.True(t, strings.HasPrefix(content, "<!DOCTYPE html>"))
	assert.Contains(t, content, "<title>Backend API</title>")
	assert.Contains(t, content, "<strong>Rotate signing keys</strong>")
}

// =============================================================================
// Project resolution
// =============================================================================

func TestRunWithoutProjectListsProjects(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), syncer.Options{Output: f.output("plane.md")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project specified")
	suggestion := utils.SuggestionFor(err)
	assert.Contains(t, suggestion, "Backend API (API)")
	assert.Contains(t, suggestion, "Web Frontend (WEB)")
}

func TestRunUnknownProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), syncer.Options{Project: "NOPE", Output: f.output("plane.md")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project not found: NOPE")
	assert.Contains(t, utils.SuggestionFor(err), "API, WEB")

	_, statErr := os.Stat(f.output("plane.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunEmptyWorkspace(t *testing.T) {
	server := testutil.NewPlaneServer(t, testKey, testWorkspace)
	client, err := plane.New(plane.Config{BaseURL: server.URL(), APIKey: testKey, WorkspaceSlug: testWorkspace})
	require.NoError(t, err)

	_, err = syncer.New(client, syncer.WithWorkspace(testWorkspace)).Run(context.Background(), syncer.Options{Project: "API"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no projects found in workspace "acme"`)
}

func TestRunProjectWithoutTasksWritesNothing(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "WEB", Output: f.output("web.md")})
	require.NoError(t, err)
	assert.True(t, res.NoTasks)
	assert.Empty(t, res.OutputPath)
	assert.Contains(t, res.Describe(), "has no tasks")

	_, statErr := os.Stat(f.output("web.md"))
	assert.True(t, os.IsNotExist(statErr))
}

// =============================================================================
// Filtering
// =============================================================================

func TestRunMyTasksRequiresEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", MyTasks: true, Output: f.output("plane.md")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--my-tasks requires user.email")
}

func TestRunMyTasks(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{
		Project:   "API",
		MyTasks:   true,
		UserEmail: "Alice@Example.com",
		Output:    f.output("plane.md"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filtered)
	assert.Contains(t, res.Summary, "assignee in [u-alice]")

	content := readFile(t, res.OutputPath)
	assert.Contains(t, content, "Fix login timeout")
	assert.Contains(t, content, "Paginate audit log")
	assert.NotContains(t, content, "Rotate signing keys")
}

func TestRunAssigneeBySubstring(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", Assignee: "bo", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filtered)
}

func TestRunUnknownAssigneeDoesNotFilter(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", Assignee: "mallory", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Filtered)
	assert.NotContains(t, res.Summary, "assignee")
}

func TestRunPriorities(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", Priorities: "URGENT, high,", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filtered)
	assert.Contains(t, res.Summary, "priority in [urgent high]")
}

func TestRunStatesResolvedByName(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", States: "todo,in progress", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Filtered)
	assert.Contains(t, res.Summary, "state in [s-todo s-prog]")

	meta, ok := f.cache.Lookup(cache.ProjectMeta, "p-api")
	require.True(t, ok)
	assert.Contains(t, meta, "states")

	// a second run reads the states from the project metadata
	_, err = f.runner.Run(context.Background(), syncer.Options{Project: "API", States: "Done", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.RequestCount("/states/"))
}

func TestRunUnknownStatePassesThrough(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{Project: "API", States: "Blocked", Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Filtered)
	assert.Contains(t, res.Summary, "state in [Blocked]")
}

func TestRunUpdatedSinceLimitAndOrder(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), syncer.Options{
		Project:      "API",
		UpdatedSince: 7 * 24 * time.Hour,
		Output:       f.output("plane.md"),
	})
	require.NoError(t, err)
	// i2 and i4 were last updated more than a week ago
	assert.Equal(t, 2, res.Filtered)

	res, err = f.runner.Run(context.Background(), syncer.Options{
		Project:  "API",
		Limit:    1,
		Order:    taskfilter.Asc,
		Template: "brief",
		Output:   f.output("plane.md"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filtered)
	content := readFile(t, res.OutputPath)
	assert.Contains(t, content, "Document rate limits")
	assert.NotContains(t, content, "Rotate signing keys")

	res, err = f.runner.Run(context.Background(), syncer.Options{Project: "API", Limit: -1, Output: f.output("plane.md")})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Filtered)
	assert.NotContains(t, res.Summary, "limit")
}

// =============================================================================
// Users and history
// =============================================================================

func TestRunRefreshUsers(t *testing.T) {
	f := newFixture(t)
	opts := syncer.Options{Project: "API", Assignee: "alice", Output: f.output("plane.md")}

	_, err := f.runner.Run(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, f.cache.Exists(cache.WorkspaceData, "members"))

	opts.RefreshUsers = true
	_, err = f.runner.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, f.server.RequestCount("/members/"))
	assert.Equal(t, 2, f.server.RequestCount("/members/u-alice/"))
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.runner.Run(ctx, syncer.Options{Project: "API", Output: f.output("plane.md")})
	require.NoError(t, err)
	_, err = f.runner.Run(ctx, syncer.Options{Project: "API", Template: "missing", Output: f.output("plane.md")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template not found: missing")

	runs, err := f.history.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	var ok, failed *history.Run
	for i := range runs {
		if runs[i].Success {
			ok = &runs[i]
		} else {
			failed = &runs[i]
		}
	}
	require.NotNil(t, ok)
	require.NotNil(t, failed)

	assert.Equal(t, res.RunID, ok.ID)
	assert.Equal(t, "API", ok.Project)
	assert.Equal(t, "p-api", ok.ProjectID)
	assert.Equal(t, 4, ok.TotalTasks)
	assert.Equal(t, res.OutputPath, ok.Output)

	assert.Equal(t, "template", failed.ErrorType)
	assert.Contains(t, failed.Error, "missing")
}

func TestRunRecordsAuthFailure(t *testing.T) {
	f := newFixture(t)
	client, err := plane.New(plane.Config{BaseURL: f.server.URL(), APIKey: "wrong", WorkspaceSlug: testWorkspace})
	require.NoError(t, err)
	runner := syncer.New(client, syncer.WithHistory(f.history))

	_, err = runner.Run(context.Background(), syncer.Options{Project: "API"})
	require.Error(t, err)
	assert.Equal(t, plane.KindAuth, plane.KindOf(err))

	runs, err := f.history.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Equal(t, "auth", runs[0].ErrorType)
	assert.Equal(t, "API", runs[0].Project)
}

func TestRunnerServesPicker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	projects, err := f.runner.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	tasks, err := f.runner.ListProjectIssues(ctx, "p-api")
	require.NoError(t, err)
	assert.Len(t, tasks, 4)

	_, err = f.runner.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.RequestCount("/projects/"))
}
