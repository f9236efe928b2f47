package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"planesync/backend"
	"planesync/internal/taskfilter"
)

// Group is a named subset of tasks. Groups keep the order in which their
// first task appeared.
type Group struct {
	Name  string
	Tasks []backend.Task
}

func groupBy(tasks []backend.Task, key func(backend.Task) string) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, t := range tasks {
		k := key(t)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Name: k})
		}
		groups[i].Tasks = append(groups[i].Tasks, t)
	}
	return groups
}

// GroupByStatus groups tasks by state name ("Unknown" when missing).
func GroupByStatus(tasks []backend.Task) []Group {
	return groupBy(tasks, StateName)
}

// GroupByPriority groups tasks by priority ("None" when missing).
func GroupByPriority(tasks []backend.Task) []Group {
	return groupBy(tasks, taskPriority)
}

// GroupByAssignee groups tasks by first assignee ("Unassigned" when none).
func GroupByAssignee(tasks []backend.Task) []Group {
	return groupBy(tasks, func(t backend.Task) string {
		if name := AssigneeName(t); name != "" {
			return name
		}
		return "Unassigned"
	})
}

// formatGroups renders groups as ### sections of bullet lists.
func formatGroups(groups []Group) string {
	if len(groups) == 0 {
		return NoTasks
	}
	sections := make([]string, len(groups))
	for i, g := range groups {
		sections[i] = fmt.Sprintf("### %s (%d)\n\n%s", g.Name, len(g.Tasks), FormatTaskList(g.Tasks, FormatBullet))
	}
	return strings.Join(sections, "\n\n")
}

func stateIn(t backend.Task, names ...string) bool {
	state := strings.ToLower(StateName(t))
	for _, n := range names {
		if state == n {
			return true
		}
	}
	return false
}

func filterTasks(tasks []backend.Task, keep func(backend.Task) bool) []backend.Task {
	var out []backend.Task
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func isDone(t backend.Task) bool       { return stateIn(t, "done", "completed") }
func isInProgress(t backend.Task) bool { return stateIn(t, "in progress", "in-progress") }

// lastUpdated returns the most recent updated_at among tasks.
func lastUpdated(tasks []backend.Task) (time.Time, bool) {
	var latest time.Time
	for _, t := range tasks {
		if ts, ok := taskfilter.ParseTimestamp(t["updated_at"]); ok && ts.After(latest) {
			latest = ts
		}
	}
	return latest, !latest.IsZero()
}

// Variables derives the template variables for tasks. Values in extra
// override derived ones.
//
// Besides dates, counts and whole-list renderings, every status group gets
// <status>_tasks and <status>_count, and every priority group gets
// <priority>_priority_tasks and <priority>_priority_count. Statistics keep
// their meaning when a status name collides with them.
func (e *Engine) Variables(tasks []backend.Task, projectName string, extra map[string]any) map[string]any {
	now := e.now()

	total := len(tasks)
	done := filterTasks(tasks, isDone)
	inProgress := filterTasks(tasks, isInProgress)
	pending := filterTasks(tasks, func(t backend.Task) bool { return !isDone(t) && !isInProgress(t) })

	completionRate := "0%"
	if total > 0 {
		completionRate = fmt.Sprintf("%.1f%%", float64(len(done))/float64(total)*100)
	}

	byStatus := GroupByStatus(tasks)
	byPriority := GroupByPriority(tasks)

	vars := map[string]any{
		"date":      now.Format("2006-01-02"),
		"time":      now.Format("15:04:05"),
		"datetime":  now.Format("2006-01-02 15:04:05"),
		"timestamp": now.Unix(),

		"project_name": projectName,

		"total_tasks":       total,
		"completed_tasks":   len(done),
		"in_progress_tasks": len(inProgress),
		"pending_tasks":     len(pending),
		"completion_rate":   completionRate,

		"all_tasks_bullet":   FormatTaskList(tasks, FormatBullet),
		"all_tasks_numbered": FormatTaskList(tasks, FormatNumbered),
		"all_tasks_table":    FormatTaskList(tasks, FormatTable),

		"tasks_by_status":   formatGroups(byStatus),
		"tasks_by_priority": formatGroups(byPriority),
		"tasks_by_assignee": formatGroups(GroupByAssignee(tasks)),
	}

	if ts, ok := lastUpdated(tasks); ok {
		vars["last_updated"] = humanize.RelTime(ts, now, "ago", "from now")
	}

	setIfAbsent := func(key string, value any) {
		if _, ok := vars[key]; !ok {
			vars[key] = value
		}
	}

	for _, g := range byStatus {
		key := SafeKey(g.Name)
		setIfAbsent(key+"_tasks", FormatTaskList(g.Tasks, FormatBullet))
		setIfAbsent(key+"_count", len(g.Tasks))
	}
	for _, g := range byPriority {
		key := SafeKey(g.Name)
		vars[key+"_priority_tasks"] = FormatTaskList(g.Tasks, FormatBullet)
		vars[key+"_priority_count"] = len(g.Tasks)
	}

	setIfAbsent("done_tasks", FormatTaskList(done, FormatBullet))
	setIfAbsent("to_do_tasks", FormatTaskList(pending, FormatBullet))
	setIfAbsent("blocked_tasks", "No blocked tasks found")
	setIfAbsent("review_tasks", "No tasks in review")
	setIfAbsent("testing_tasks", "No tasks in testing")
	setIfAbsent("ready_tasks", "No tasks ready for deployment")
	setIfAbsent("technical_debt_tasks", "No technical debt items identified")
	setIfAbsent("review_count", 0)
	setIfAbsent("testing_count", 0)
	vars["active_tasks"] = FormatTaskList(inProgress, FormatBullet)
	vars["unassigned_tasks"] = FormatTaskList(filterTasks(tasks, func(t backend.Task) bool {
		_, ok := firstAssignee(t)
		return !ok
	}), FormatBullet)

	for k, v := range extra {
		vars[k] = v
	}
	return vars
}
