// Package cache stores Plane API responses on disk with per-category TTLs.
//
// Entries are addressed by (category, identifier). Each category is backed by
// one JSON file under the cache directory and mirrored in memory; every write
// rewrites the category file. A Store has a single owner: it does no locking,
// and the cache directory must not be shared by concurrent processes.
package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Category partitions the cache. Each category has its own file and default TTL.
type Category string

const (
	// UserInfo holds workspace members. Entries never expire on their own.
	UserInfo Category = "user_info"
	// ProjectMeta holds per-project metadata such as states.
	ProjectMeta Category = "project_meta"
	// ProjectIssues holds the issue list of a project.
	ProjectIssues Category = "project_issues"
	// WorkspaceData holds workspace-wide lists (projects, members).
	WorkspaceData Category = "workspace_data"
)

// ErrInvalidCategory is returned for a category outside the fixed set.
var ErrInvalidCategory = errors.New("invalid cache category")

var categories = []Category{UserInfo, ProjectMeta, ProjectIssues, WorkspaceData}

var fileNames = map[Category]string{
	UserInfo:      "user_info.json",
	ProjectMeta:   "project_metadata.json",
	ProjectIssues: "project_issues.json",
	WorkspaceData: "workspace_data.json",
}

var defaultTTLs = map[Category]time.Duration{
	ProjectMeta:   time.Hour,
	ProjectIssues: 30 * time.Minute,
	WorkspaceData: 2 * time.Hour,
}

// Categories returns all categories in their fixed order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	_, ok := fileNames[c]
	return ok
}

// FileName returns the name of the file backing the category.
func (c Category) FileName() string {
	return fileNames[c]
}

// DefaultTTL returns the built-in TTL of the category.
// The second value is false for permanent categories.
func (c Category) DefaultTTL() (time.Duration, bool) {
	ttl, ok := defaultTTLs[c]
	return ttl, ok
}

// ParseCategory converts user input to a Category. It accepts the wire name
// (project_meta) or the file stem (project_metadata), case-insensitively,
// with dashes allowed in place of underscores.
func ParseCategory(s string) (Category, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	name = strings.TrimSuffix(name, ".json")
	for _, c := range categories {
		if name == string(c) || name+".json" == c.FileName() {
			return c, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidCategory, "%q (valid: %s)", s, categoryList())
}

func categoryList() string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// Key returns the address of an entry: "<category>:<identifier>".
func Key(category Category, identifier string) string {
	return fmt.Sprintf("%s:%s", category, identifier)
}

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Data         any       `json:"data"`
	Category     Category  `json:"category"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	// TTLSeconds is nil for permanent entries.
	TTLSeconds *int64 `json:"ttl_seconds"`
}

// TTL returns the entry's time-to-live. The second value is false when the
// entry is permanent.
func (e *Entry) TTL() (time.Duration, bool) {
	if e.TTLSeconds == nil {
		return 0, false
	}
	return time.Duration(*e.TTLSeconds) * time.Second, true
}

// IsExpired reports whether more than the TTL has elapsed since the last update.
func (e *Entry) IsExpired(now time.Time) bool {
	ttl, ok := e.TTL()
	if !ok {
		return false
	}
	return now.Sub(e.UpdatedAt) > ttl
}

func ttlSeconds(d time.Duration) *int64 {
	secs := int64(d / time.Second)
	return &secs
}

// PersistPolicy decides how a Store reports failures to write its files.
type PersistPolicy int

const (
	// PersistLenient logs persistence failures and keeps going with the
	// in-memory state. This is the default.
	PersistLenient PersistPolicy = iota
	// PersistStrict returns persistence failures to the caller. The in-memory
	// state is updated either way.
	PersistStrict
)

// ErrPersist matches every *PersistError via errors.Is.
var ErrPersist = errors.New("cache persistence failed")

// PersistError describes a failed read or write of a category file.
type PersistError struct {
	Op       string
	Category Category
	Path     string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("cache %s %s (%s): %v", e.Op, e.Category, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersist) true for any PersistError.
func (e *PersistError) Is(target error) bool {
	return target == ErrPersist
}
