package taskfilter

import "time"

// Defaults of the preset filters.
const (
	DefaultRecentDays        = 7
	DefaultRecentLimit       = 20
	DefaultHighPriorityLimit = 10
)

var now = time.Now

// PriorityFilter keeps the given priorities, highest first.
func PriorityFilter(limit int, priorities ...string) Filter {
	return New().WithPriorities(priorities...).WithLimit(limit, 0)
}

// AssigneeFilter keeps tasks assigned to any of ids, highest priority first.
func AssigneeFilter(limit int, ids ...string) Filter {
	return New().WithAssignees(ids...).WithLimit(limit, 0)
}

// RecentFilter keeps tasks updated within the last days, ordered by priority
// and then by most recent update.
func RecentFilter(days, limit int) Filter {
	after := now().UTC().AddDate(0, 0, -days)
	return New().
		WithUpdatedRange(after, time.Time{}).
		WithSorting(Sorting{ByPriority: true, ByUpdated: true, Order: Desc}).
		WithLimit(limit, 0)
}

// HighPriorityFilter keeps urgent and high tasks.
func HighPriorityFilter(limit int) Filter {
	return New().
		WithPriorities(PriorityUrgent, PriorityHigh).
		WithSorting(Sorting{ByPriority: true, Order: Desc}).
		WithLimit(limit, 0)
}
