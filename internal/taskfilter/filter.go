// Package taskfilter selects, orders and pages Plane issues.
//
// A Filter is an immutable value. Each With method returns a modified copy,
// so a base filter can be shared and specialised freely:
//
//	f := taskfilter.New().
//		WithPriorities("urgent", "high").
//		WithLimit(10, 0)
//	tasks = f.Apply(tasks)
//
// Criteria on different fields are combined with AND; the values given for
// one field are alternatives (OR). Malformed or missing task fields never
// cause a panic: they simply fail the criteria that need them.
package taskfilter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"planesync/backend"
	"planesync/internal/utils"
)

// Order is the direction shared by all sort dimensions.
type Order string

const (
	Desc Order = "desc"
	Asc  Order = "asc"
)

// ParseOrder accepts "asc" or "desc" in any case.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case Asc:
		return Asc, nil
	case Desc:
		return Desc, nil
	}
	return "", errors.Errorf("invalid sort order %q (expected asc or desc)", s)
}

// Predicate is an ad hoc criterion. A predicate that panics counts as false.
type Predicate func(backend.Task) bool

// Sorting selects the sort dimensions. Enabled dimensions are compared in the
// fixed order priority, updated, created.
type Sorting struct {
	ByPriority bool
	ByUpdated  bool
	ByCreated  bool
	Order      Order
}

// timeRange is an inclusive range; a zero bound is open.
type timeRange struct {
	after  time.Time
	before time.Time
}

func (r timeRange) active() bool {
	return !r.after.IsZero() || !r.before.IsZero()
}

// contains reports whether t lies within the range.
func (r timeRange) contains(t time.Time) bool {
	if !r.after.IsZero() && t.Before(r.after) {
		return false
	}
	if !r.before.IsZero() && t.After(r.before) {
		return false
	}
	return true
}

// Filter describes which tasks to keep and how to order and page them.
// The zero value matches everything and does not sort; use New for the
// default configuration.
type Filter struct {
	assignees  []string
	states     []string
	priorities []string
	projects   []string
	labels     []string

	updated timeRange
	created timeRange

	predicates []Predicate

	sorting Sorting
	limit   int
	offset  int
}

// New returns a filter that matches everything and sorts by priority,
// highest first, without a limit.
func New() Filter {
	return Filter{sorting: Sorting{ByPriority: true, Order: Desc}}
}

// Reset returns the default filter, discarding every criterion.
func (f Filter) Reset() Filter {
	return New()
}

// WithAssignees keeps tasks assigned to any of the given member ids.
// Calling it without ids removes the criterion.
func (f Filter) WithAssignees(ids ...string) Filter {
	f.assignees = cloneValues(ids)
	return f
}

// WithStates keeps tasks whose state id is one of ids.
func (f Filter) WithStates(ids ...string) Filter {
	f.states = cloneValues(ids)
	return f
}

// WithPriorities keeps tasks with one of the given priorities.
func (f Filter) WithPriorities(priorities ...string) Filter {
	f.priorities = cloneValues(priorities)
	return f
}

// WithProjects keeps tasks belonging to one of the given project ids.
func (f Filter) WithProjects(ids ...string) Filter {
	f.projects = cloneValues(ids)
	return f
}

// WithLabels keeps tasks carrying any of the given label ids.
func (f Filter) WithLabels(ids ...string) Filter {
	f.labels = cloneValues(ids)
	return f
}

// WithUpdatedRange bounds updated_at. Zero times leave that side open.
func (f Filter) WithUpdatedRange(after, before time.Time) Filter {
	f.updated = timeRange{after: after, before: before}
	return f
}

// WithCreatedRange bounds created_at. Zero times leave that side open.
func (f Filter) WithCreatedRange(after, before time.Time) Filter {
	f.created = timeRange{after: after, before: before}
	return f
}

// WithPredicate appends an ad hoc criterion.
func (f Filter) WithPredicate(p Predicate) Filter {
	if p == nil {
		return f
	}
	predicates := make([]Predicate, len(f.predicates), len(f.predicates)+1)
	copy(predicates, f.predicates)
	f.predicates = append(predicates, p)
	return f
}

// WithSorting replaces the sort configuration. An empty order means Desc.
func (f Filter) WithSorting(s Sorting) Filter {
	if s.Order == "" {
		s.Order = Desc
	}
	f.sorting = s
	return f
}

// WithLimit sets paging. A limit of zero or less means no limit; a negative
// offset is treated as zero.
func (f Filter) WithLimit(limit, offset int) Filter {
	if offset < 0 {
		offset = 0
	}
	f.limit = limit
	f.offset = offset
	return f
}

// Sorting returns the sort configuration.
func (f Filter) Sorting() Sorting {
	return f.sorting
}

func cloneValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// Apply filters, sorts and pages tasks. The input slice is not modified.
func (f Filter) Apply(tasks []backend.Task) []backend.Task {
	matched := make([]backend.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t) {
			matched = append(matched, t)
		}
	}
	utils.Debugf("taskfilter: %d of %d tasks matched", len(matched), len(tasks))

	matched = f.sort(matched)

	if f.offset > 0 {
		if f.offset >= len(matched) {
			return matched[:0]
		}
		matched = matched[f.offset:]
	}
	if f.limit > 0 && len(matched) > f.limit {
		matched = matched[:f.limit]
	}
	return matched
}

// Matches reports whether a task satisfies every configured criterion.
func (f Filter) Matches(task backend.Task) bool {
	return f.matchAssignees(task) &&
		matchField(task, f.states, "state", "id") &&
		matchField(task, f.priorities, "priority", "key", "name") &&
		matchField(task, f.projects, "project", "id") &&
		f.matchLabels(task) &&
		matchTime(task, "updated_at", f.updated) &&
		matchTime(task, "created_at", f.created) &&
		f.matchPredicates(task)
}

func (f Filter) matchAssignees(task backend.Task) bool {
	if f.assignees == nil {
		return true
	}
	ids, _ := fieldValues(task, "assignees", "id")
	return intersects(ids, f.assignees)
}

func (f Filter) matchLabels(task backend.Task) bool {
	if f.labels == nil {
		return true
	}
	ids, _ := fieldValues(task, "labels", "id")
	return intersects(ids, f.labels)
}

// matchField is the generic rule for state, priority and project.
func matchField(task backend.Task, want []string, field string, subfields ...string) bool {
	if want == nil {
		return true
	}
	values, ok := fieldValues(task, field, subfields...)
	if !ok {
		return false
	}
	return intersects(values, want)
}

func matchTime(task backend.Task, field string, r timeRange) bool {
	if !r.active() {
		return true
	}
	t, ok := ParseTimestamp(task[field])
	if !ok {
		return false
	}
	return r.contains(t)
}

func (f Filter) matchPredicates(task backend.Task) bool {
	for _, p := range f.predicates {
		if !safeCall(p, task) {
			return false
		}
	}
	return true
}

func safeCall(p Predicate, task backend.Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			utils.Debugf("taskfilter: predicate panicked: %v", r)
			ok = false
		}
	}()
	return p(task)
}

func intersects(values, want []string) bool {
	for _, v := range values {
		for _, w := range want {
			if v == w {
				return true
			}
		}
	}
	return false
}

// sortKey builds the composite key of a task from the enabled dimensions.
func (f Filter) sortKey(task backend.Task) []float64 {
	sign := 1.0
	if f.sorting.Order == Desc {
		sign = -1
	}
	var key []float64
	if f.sorting.ByPriority {
		key = append(key, sign*float64(PriorityWeight(PriorityOf(task))))
	}
	if f.sorting.ByUpdated {
		key = append(key, sign*timeKey(task, "updated_at"))
	}
	if f.sorting.ByCreated {
		key = append(key, sign*timeKey(task, "created_at"))
	}
	return key
}

// timeKey is 0 for unparseable timestamps.
func timeKey(task backend.Task, field string) float64 {
	if t, ok := ParseTimestamp(task[field]); ok {
		return epoch(t)
	}
	return 0
}

func (f Filter) sort(tasks []backend.Task) []backend.Task {
	if !f.sorting.ByPriority && !f.sorting.ByUpdated && !f.sorting.ByCreated {
		return tasks
	}
	keys := make([][]float64, len(tasks))
	for i, t := range tasks {
		keys[i] = f.sortKey(t)
	}
	idx := make([]int, len(tasks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lessKey(keys[idx[a]], keys[idx[b]])
	})
	out := make([]backend.Task, len(tasks))
	for i, j := range idx {
		out[i] = tasks[j]
	}
	return out
}

func lessKey(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Summary describes a filter in a JSON-friendly form.
type Summary struct {
	Assignees     []string `json:"assignee_filter"`
	States        []string `json:"state_filter"`
	Priorities    []string `json:"priority_filter"`
	Projects      []string `json:"project_filter"`
	Labels        []string `json:"label_filter"`
	UpdatedAfter  *string  `json:"updated_after"`
	UpdatedBefore *string  `json:"updated_before"`
	CreatedAfter  *string  `json:"created_after"`
	CreatedBefore *string  `json:"created_before"`
	SortByPrio    bool     `json:"sort_by_priority"`
	SortByUpdated bool     `json:"sort_by_updated"`
	SortByCreated bool     `json:"sort_by_created"`
	SortOrder     Order    `json:"sort_order"`
	Limit         int      `json:"limit"`
	Offset        int      `json:"offset"`
	Predicates    int      `json:"custom_filters_count"`
}

// Summary returns a description of the configured criteria.
func (f Filter) Summary() Summary {
	return Summary{
		Assignees:     cloneValues(f.assignees),
		States:        cloneValues(f.states),
		Priorities:    cloneValues(f.priorities),
		Projects:      cloneValues(f.projects),
		Labels:        cloneValues(f.labels),
		UpdatedAfter:  isoTime(f.updated.after),
		UpdatedBefore: isoTime(f.updated.before),
		CreatedAfter:  isoTime(f.created.after),
		CreatedBefore: isoTime(f.created.before),
		SortByPrio:    f.sorting.ByPriority,
		SortByUpdated: f.sorting.ByUpdated,
		SortByCreated: f.sorting.ByCreated,
		SortOrder:     f.sorting.Order,
		Limit:         f.limit,
		Offset:        f.offset,
		Predicates:    len(f.predicates),
	}
}

func isoTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// String renders the summary on one line, e.g.
// "priority in [urgent high]; sort by priority, updated (desc); limit 20".
func (s Summary) String() string {
	var parts []string
	add := func(name string, values []string) {
		if len(values) > 0 {
			parts = append(parts, fmt.Sprintf("%s in %v", name, values))
		}
	}
	add("assignee", s.Assignees)
	add("state", s.States)
	add("priority", s.Priorities)
	add("project", s.Projects)
	add("label", s.Labels)

	addRange := func(name string, after, before *string) {
		if after != nil {
			parts = append(parts, fmt.Sprintf("%s after %s", name, *after))
		}
		if before != nil {
			parts = append(parts, fmt.Sprintf("%s before %s", name, *before))
		}
	}
	addRange("updated", s.UpdatedAfter, s.UpdatedBefore)
	addRange("created", s.CreatedAfter, s.CreatedBefore)

	if s.Predicates > 0 {
		parts = append(parts, fmt.Sprintf("%d custom filters", s.Predicates))
	}

	var dims []string
	if s.SortByPrio {
		dims = append(dims, "priority")
	}
	if s.SortByUpdated {
		dims = append(dims, "updated")
	}
	if s.SortByCreated {
		dims = append(dims, "created")
	}
	if len(dims) > 0 {
		parts = append(parts, fmt.Sprintf("sort by %s (%s)", strings.Join(dims, ", "), s.SortOrder))
	}

	if s.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit %d", s.Limit))
	}
	if s.Offset > 0 {
		parts = append(parts, fmt.Sprintf("offset %d", s.Offset))
	}

	if len(parts) == 0 {
		return "all tasks"
	}
	return strings.Join(parts, "; ")
}
