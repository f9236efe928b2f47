// Package syncer pulls a project's issues from Plane, filters them and
// writes a Markdown (or HTML) report.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"planesync/backend"
	"planesync/internal/cache"
	"planesync/internal/history"
	"planesync/internal/report"
	"planesync/internal/taskfilter"
	"planesync/internal/utils"
)

// Defaults applied by Run to zero-valued options.
const (
	DefaultLimit  = 20
	DefaultOutput = "plane.md"
)

const (
	maxListedProjects    = 10
	maxSuggestedProjects = 5
	syncTimeLayout       = "2006-01-02 15:04:05"
)

// Options selects the project, filters and output of one sync.
type Options struct {
	// Project is an identifier, name or id.
	Project string
	// MyTasks filters on the configured user email.
	MyTasks bool
	// UserEmail is the configured user email used by MyTasks.
	UserEmail string
	// Assignee is an email, display name, username or name.
	Assignee string
	// Priorities is a comma-separated list, e.g. "urgent,high".
	Priorities string
	// States is a comma-separated list of state names or ids.
	States string
	// Limit caps the number of tasks in the report. Zero means DefaultLimit,
	// a negative value means no limit.
	Limit        int
	Template     string
	Output       string
	Order        taskfilter.Order
	UpdatedSince time.Duration
	// RefreshUsers drops expired cache entries and cached members first.
	RefreshUsers bool
	// NoCache skips cache reads. Fetched data is still cached.
	NoCache bool
}

// Result describes a finished sync.
type Result struct {
	RunID      string        `json:"run_id"`
	Project    string        `json:"project"`
	Identifier string        `json:"identifier"`
	ProjectID  string        `json:"project_id"`
	Total      int           `json:"total_tasks"`
	Filtered   int           `json:"filtered_tasks"`
	OutputPath string        `json:"output_path,omitempty"`
	Template   string        `json:"template"`
	Duration   time.Duration `json:"duration_ns"`
	Summary    string        `json:"filter_summary"`
	FromCache  bool          `json:"from_cache"`
	// NoTasks is set when the project has no issues; no file is written.
	NoTasks bool `json:"no_tasks"`
}

// Runner performs syncs. The cache and history store are optional.
type Runner struct {
	source    backend.Source
	cache     *cache.Store
	reports   *report.Engine
	history   *history.Store
	workspace string
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithCache reads and writes API data through store.
func WithCache(store *cache.Store) Option {
	return func(r *Runner) { r.cache = store }
}

// WithHistory records every run in store.
func WithHistory(store *history.Store) Option {
	return func(r *Runner) { r.history = store }
}

// WithReports renders with engine instead of the built-in templates only.
func WithReports(engine *report.Engine) Option {
	return func(r *Runner) { r.reports = engine }
}

// WithWorkspace names the workspace in error messages.
func WithWorkspace(slug string) Option {
	return func(r *Runner) { r.workspace = slug }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner reading from source.
func New(source backend.Source, opts ...Option) *Runner {
	r := &Runner{source: source, now: time.Now, workspace: "workspace"}
	for _, opt := range opts {
		opt(r)
	}
	if r.reports == nil {
		r.reports = report.NewEngine("")
	}
	return r
}

// Run executes one sync and records it in the history store, failures included.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	start := r.now()
	res := &Result{RunID: history.NewRunID(), Template: opts.Template}

	err := r.run(ctx, opts, res)
	res.Duration = r.now().Sub(start)
	r.record(ctx, start, opts, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, opts Options, res *Result) error {
	if res.Template == "" {
		res.Template = report.DefaultTemplate
	}
	output := opts.Output
	if output == "" {
		output = DefaultOutput
	}

	projects, err := r.projects(ctx, opts.NoCache)
	if err != nil {
		return errors.Wrap(err, "failed to list projects")
	}
	if len(projects) == 0 {
		return utils.ErrNoProjects(r.workspace)
	}

	project, err := selectProject(projects, opts.Project)
	if err != nil {
		return err
	}
	res.Project, res.Identifier, res.ProjectID = project.Name, project.Identifier, project.ID
	utils.Infof("Syncing project %s", project.Label())

	if opts.RefreshUsers {
		r.refreshUsers()
	}

	tasks, fromCache, err := r.issues(ctx, project.ID, opts.NoCache)
	if err != nil {
		return errors.Wrapf(err, "failed to list issues of %s", project.Identifier)
	}
	res.Total, res.FromCache = len(tasks), fromCache
	if len(tasks) == 0 {
		res.NoTasks = true
		utils.Infof("Project %s has no tasks", project.Label())
		return nil
	}

	filter, err := r.buildFilter(ctx, project, opts)
	if err != nil {
		return err
	}
	res.Summary = filter.Summary().String()

	filtered := filter.Apply(tasks)
	filtered = r.expandAssignees(ctx, filtered, opts.RefreshUsers)
	res.Filtered = len(filtered)
	utils.Debugf("Filter kept %d of %d tasks (%s)", len(filtered), len(tasks), res.Summary)

	content, err := r.reports.Render(res.Template, filtered, project.Name, map[string]any{
		"project_id":            projectKey(project),
		"filter_summary":        res.Summary,
		"sync_time":             r.now().Format(syncTimeLayout),
		"total_available_tasks": len(tasks),
		"filtered_task_count":   len(filtered),
	})
	if err != nil {
		return err
	}

	path, err := writeReport(output, project.Name, content)
	if err != nil {
		return err
	}
	res.OutputPath = path
	return nil
}

// selectProject resolves query against projects.
func selectProject(projects []backend.Project, query string) (*backend.Project, error) {
	if strings.TrimSpace(query) == "" {
		listed := projects
		if len(listed) > maxListedProjects {
			listed = listed[:maxListedProjects]
		}
		labels := make([]string, len(listed))
		for i, p := range listed {
			labels[i] = p.Label()
		}
		return nil, utils.ErrProjectNotSpecified(labels)
	}

	if p := backend.FindProject(projects, query); p != nil {
		return p, nil
	}

	suggested := projects
	if len(suggested) > maxSuggestedProjects {
		suggested = suggested[:maxSuggestedProjects]
	}
	ids := make([]string, len(suggested))
	for i, p := range suggested {
		ids[i] = projectKey(&p)
	}
	return nil, utils.ErrProjectNotFound(query, ids)
}

func projectKey(p *backend.Project) string {
	if p.Identifier != "" {
		return p.Identifier
	}
	return p.ID
}

// refreshUsers drops expired entries and the cached member list.
func (r *Runner) refreshUsers() {
	if r.cache == nil {
		return
	}
	utils.Infof("Refreshing user cache")
	if _, err := r.cache.CleanupExpired(); err != nil {
		utils.Warnf("Failed to clean up expired cache entries: %v", err)
	}
	if _, err := r.cache.Delete(cache.WorkspaceData, membersKey); err != nil {
		utils.Warnf("Failed to drop cached members: %v", err)
	}
}

// buildFilter turns the options into a filter sorted by priority and last
// update.
func (r *Runner) buildFilter(ctx context.Context, project *backend.Project, opts Options) (taskfilter.Filter, error) {
	f := taskfilter.New()

	assignee := strings.TrimSpace(opts.Assignee)
	if opts.MyTasks {
		if strings.TrimSpace(opts.UserEmail) == "" {
			return f, utils.ErrMyTasksNeedsEmail()
		}
		assignee = strings.TrimSpace(opts.UserEmail)
	}
	if assignee != "" {
		members, err := r.members(ctx)
		if err != nil {
			return f, errors.Wrap(err, "failed to list workspace members")
		}
		if m := backend.FindMember(members, assignee); m != nil {
			utils.Debugf("Assignee %q resolved to %s (%s)", assignee, m.DisplayLabel(), m.ID)
			f = f.WithAssignees(m.ID)
		} else {
			utils.Warnf("User %q not found in workspace, no assignee filter applied", assignee)
		}
	}

	if priorities := splitCSV(opts.Priorities, true); len(priorities) > 0 {
		f = f.WithPriorities(priorities...)
	}

	if queries := splitCSV(opts.States, false); len(queries) > 0 {
		states, err := r.states(ctx, project.ID)
		if err != nil {
			utils.Warnf("Failed to load states of %s, filtering on states as given: %v", project.Identifier, err)
		}
		f = f.WithStates(resolveStates(states, queries)...)
	}

	if opts.UpdatedSince > 0 {
		f = f.WithUpdatedRange(r.now().Add(-opts.UpdatedSince), time.Time{})
	}

	order := opts.Order
	if order == "" {
		order = taskfilter.Desc
	}
	f = f.WithSorting(taskfilter.Sorting{ByPriority: true, ByUpdated: true, Order: order})

	limit := opts.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > 0 {
		f = f.WithLimit(limit, 0)
	}
	return f, nil
}

func splitCSV(s string, lower bool) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lower {
			part = strings.ToLower(part)
		}
		out = append(out, part)
	}
	return out
}

// writeReport writes content to path, creating parent directories. An .html
// path receives the report converted to HTML. The absolute path is returned.
func writeReport(path, title, content string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".html") {
		html, err := report.RenderHTML(title, content)
		if err != nil {
			return "", err
		}
		content = html
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write report %s", path)
	}
	return abs, nil
}

func (r *Runner) record(ctx context.Context, start time.Time, opts Options, res *Result, runErr error) {
	if r.history == nil {
		return
	}
	run := history.Run{
		ID:            res.RunID,
		StartedAt:     start,
		Project:       res.Identifier,
		ProjectID:     res.ProjectID,
		Template:      res.Template,
		Output:        res.OutputPath,
		TotalTasks:    res.Total,
		FilteredTasks: res.Filtered,
		FromCache:     res.FromCache,
		Duration:      res.Duration,
		Success:       runErr == nil,
		FilterSummary: res.Summary,
	}
	if run.Project == "" {
		run.Project = opts.Project
	}
	if runErr != nil {
		run.ErrorType = history.CategorizeError(runErr)
		run.Error = runErr.Error()
	}
	// A cancelled sync is still recorded.
	if _, err := r.history.Record(context.WithoutCancel(ctx), run); err != nil {
		utils.Warnf("Failed to record sync history: %v", err)
	}
}

// Describe renders a one-line summary of a result.
func (res *Result) Describe() string {
	if res.NoTasks {
		return fmt.Sprintf("Project %s (%s) has no tasks", res.Project, res.Identifier)
	}
	return fmt.Sprintf("Synced %d of %d tasks from %s (%s) to %s", res.Filtered, res.Total, res.Project, res.Identifier, res.OutputPath)
}
