package syncer

import (
	"context"
	"strings"

	"planesync/backend"
	"planesync/internal/cache"
	"planesync/internal/utils"
)

// Cache identifiers for workspace-wide data.
const (
	projectsKey = "projects"
	membersKey  = "members"
	statesKey   = "states"
)

// cacheSet stores data when caching is enabled. Write failures only surface
// from a strict store.
func (r *Runner) cacheSet(category cache.Category, identifier string, data any) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Set(category, identifier, data)
}

// ListProjects returns the workspace projects, read through the cache.
func (r *Runner) ListProjects(ctx context.Context) ([]backend.Project, error) {
	return r.projects(ctx, false)
}

func (r *Runner) projects(ctx context.Context, noCache bool) ([]backend.Project, error) {
	if r.cache != nil && !noCache {
		if projects, ok := cache.Value[[]backend.Project](r.cache, cache.WorkspaceData, projectsKey); ok {
			utils.Debugf("Using cached project list (%d projects)", len(projects))
			return projects, nil
		}
	}
	projects, err := r.source.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cacheSet(cache.WorkspaceData, projectsKey, projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListProjectIssues returns the issues of a project, read through the cache.
func (r *Runner) ListProjectIssues(ctx context.Context, projectID string) ([]backend.Task, error) {
	tasks, _, err := r.issues(ctx, projectID, false)
	return tasks, err
}

// issues reports whether the tasks came from the cache. With noCache set the
// cache is not read but is still refreshed.
func (r *Runner) issues(ctx context.Context, projectID string, noCache bool) ([]backend.Task, bool, error) {
	if r.cache != nil && !noCache {
		if tasks, ok := cache.Value[[]backend.Task](r.cache, cache.ProjectIssues, projectID); ok {
			utils.Debugf("Using cached issues for project %s (%d issues)", projectID, len(tasks))
			return tasks, true, nil
		}
	}
	tasks, err := r.source.ListProjectIssues(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if err := r.cacheSet(cache.ProjectIssues, projectID, tasks); err != nil {
		return nil, false, err
	}
	return tasks, false, nil
}

func (r *Runner) members(ctx context.Context) ([]backend.Member, error) {
	if r.cache != nil {
		if members, ok := cache.Value[[]backend.Member](r.cache, cache.WorkspaceData, membersKey); ok {
			return members, nil
		}
	}
	members, err := r.source.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cacheSet(cache.WorkspaceData, membersKey, members); err != nil {
		return nil, err
	}
	return members, nil
}

// states returns the workflow states of a project. They live in the
// project's metadata entry next to whatever else is cached there.
func (r *Runner) states(ctx context.Context, projectID string) ([]backend.State, error) {
	if r.cache != nil {
		if meta, ok := cache.Value[struct {
			States []backend.State `json:"states"`
		}](r.cache, cache.ProjectMeta, projectID); ok && meta.States != nil {
			return meta.States, nil
		}
	}
	states, err := r.source.ListStates(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.MergeProjectMetadata(projectID, map[string]any{statesKey: states}); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// member returns a member through the permanent user cache. With refresh
// set the cached entry is dropped first.
func (r *Runner) member(ctx context.Context, id string, refresh bool) (*backend.Member, error) {
	if r.cache != nil {
		if refresh {
			if _, err := r.cache.RefreshUser(id, true); err != nil {
				utils.Warnf("Failed to refresh cached user %s: %v", id, err)
			}
		}
		if m, ok := cache.Value[backend.Member](r.cache, cache.UserInfo, id); ok {
			return &m, nil
		}
	}
	m, err := r.source.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cacheSet(cache.UserInfo, id, *m); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveStates maps each query to a state id by name (case-insensitive) or
// id. Values that match nothing are kept as given.
func resolveStates(states []backend.State, queries []string) []string {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		resolved := q
		for _, s := range states {
			if s.ID == q || strings.EqualFold(s.Name, q) {
				resolved = s.ID
				break
			}
		}
		if resolved == q {
			utils.Debugf("State %q does not match any project state, filtering on it as given", q)
		}
		out = append(out, resolved)
	}
	return out
}

// expandAssignees returns a copy of tasks in which bare member ids in the
// assignees list are replaced by member objects. Ids that cannot be resolved
// are kept.
func (r *Runner) expandAssignees(ctx context.Context, tasks []backend.Task, refresh bool) []backend.Task {
	resolved := make(map[string]map[string]any)
	refreshed := make(map[string]bool)

	lookup := func(id string) (map[string]any, bool) {
		if m, ok := resolved[id]; ok {
			return m, m != nil
		}
		member, err := r.member(ctx, id, refresh && !refreshed[id])
		refreshed[id] = true
		if err != nil {
			utils.Debugf("Could not resolve member %s: %v", id, err)
			resolved[id] = nil
			return nil, false
		}
		m := memberObject(*member)
		resolved[id] = m
		return m, true
	}

	out := make([]backend.Task, len(tasks))
	for i, t := range tasks {
		list, ok := t["assignees"].([]any)
		if !ok || !hasBareID(list) {
			out[i] = t
			continue
		}
		expanded := make([]any, len(list))
		for j, a := range list {
			expanded[j] = a
			if id, ok := a.(string); ok {
				if m, ok := lookup(id); ok {
					expanded[j] = m
				}
			}
		}
		clone := make(backend.Task, len(t))
		for k, v := range t {
			clone[k] = v
		}
		clone["assignees"] = expanded
		out[i] = clone
	}
	return out
}

func hasBareID(list []any) bool {
	for _, a := range list {
		if _, ok := a.(string); ok {
			return true
		}
	}
	return false
}

func memberObject(m backend.Member) map[string]any {
	obj := map[string]any{"id": m.ID}
	for k, v := range map[string]string{
		"email":        m.Email,
		"display_name": m.DisplayName,
		"username":     m.Username,
		"first_name":   m.FirstName,
		"last_name":    m.LastName,
	} {
		if v != "" {
			obj[k] = v
		}
	}
	return obj
}
