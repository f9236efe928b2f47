package report

import (
	"fmt"
	"regexp"
	"strings"

	"planesync/backend"
	"planesync/internal/taskfilter"
)

// Format selects how FormatTaskList lays out tasks.
type Format string

const (
	FormatBullet   Format = "bullet"
	FormatNumbered Format = "numbered"
	FormatTable    Format = "table"
)

// NoTasks is rendered for empty task lists.
const NoTasks = "No tasks found."

var priorityIndicators = map[string]string{
	taskfilter.PriorityUrgent: "🔴 ",
	taskfilter.PriorityHigh:   "🟠 ",
	taskfilter.PriorityMedium: "🟡 ",
	taskfilter.PriorityLow:    "🟢 ",
}

// FormatTaskList renders tasks as Markdown. Unknown formats fall back to bullets.
func FormatTaskList(tasks []backend.Task, format Format) string {
	if len(tasks) == 0 {
		return NoTasks
	}
	switch format {
	case FormatNumbered:
		return formatNumbered(tasks)
	case FormatTable:
		return formatTable(tasks)
	}
	return formatBullets(tasks)
}

func formatBullets(tasks []backend.Task) string {
	lines := make([]string, len(tasks))
	for i, t := range tasks {
		lines[i] = fmt.Sprintf("- %s**%s** (%s)", priorityIndicators[strings.ToLower(taskPriority(t))], taskName(t), StateName(t))
	}
	return strings.Join(lines, "\n")
}

func formatNumbered(tasks []backend.Task) string {
	lines := make([]string, len(tasks))
	for i, t := range tasks {
		lines[i] = fmt.Sprintf("%d. **%s** (Priority: %s, Status: %s)", i+1, taskName(t), taskPriority(t), StateName(t))
	}
	return strings.Join(lines, "\n")
}

func formatTable(tasks []backend.Task) string {
	lines := []string{
		"| Task | Priority | Status | Assignee |",
		"|------|----------|--------|----------|",
	}
	for _, t := range tasks {
		assignee := AssigneeName(t)
		if assignee == "" {
			assignee = "Unassigned"
		}
		lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s |",
			escapeCell(taskName(t)), taskPriority(t), escapeCell(StateName(t)), escapeCell(assignee)))
	}
	return strings.Join(lines, "\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func taskName(t backend.Task) string {
	if name := t.Name(); name != "" {
		return name
	}
	return "Untitled"
}

func taskPriority(t backend.Task) string {
	if p := taskfilter.PriorityOf(t); p != "" {
		return p
	}
	return "None"
}

// StateName returns the name of the task's expanded state, or "Unknown".
func StateName(t backend.Task) string {
	if m, ok := t["state"].(map[string]any); ok {
		if name, ok := m["name"].(string); ok && name != "" {
			return name
		}
	}
	return "Unknown"
}

// AssigneeName returns a display name for the first assignee, or "" when
// the task is unassigned. Bare ids are returned as is.
func AssigneeName(t backend.Task) string {
	first, ok := firstAssignee(t)
	if !ok {
		return ""
	}
	switch v := first.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"display_name", "first_name", "email", "id"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return "Unknown"
}

func firstAssignee(t backend.Task) (any, bool) {
	switch list := t["assignees"].(type) {
	case []any:
		if len(list) > 0 {
			return list[0], true
		}
	case []map[string]any:
		if len(list) > 0 {
			return list[0], true
		}
	case []string:
		if len(list) > 0 {
			return list[0], true
		}
	}
	return nil, false
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SafeKey turns a group name into a variable-name fragment: lower-cased, with
// anything outside [a-z0-9_] replaced by underscores.
func SafeKey(s string) string {
	return unsafeKeyChars.ReplaceAllString(strings.ToLower(s), "_")
}
