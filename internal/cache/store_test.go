package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "cache")
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s, err := New(Options{Dir: dir, Now: clock.Now, Policy: PersistStrict})
	require.NoError(t, err)
	return s, clock, dir
}

func readCacheFile(t *testing.T, path string) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// =============================================================================
// Basic Operations
// =============================================================================

func TestNewCreatesDirectory(t *testing.T) {
	_, _, dir := newTestStore(t)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestReadYourWrite(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, c := range Categories() {
		data := map[string]any{"category": string(c)}
		require.NoError(t, s.Set(c, "id-1", data))
		assert.Equal(t, data, s.Get(c, "id-1", nil))
	}
}

func TestGetMissingReturnsDefault(t *testing.T) {
	s, _, _ := newTestStore(t)

	assert.Equal(t, "fallback", s.Get(UserInfo, "nobody", "fallback"))
	assert.Nil(t, s.Get(Category("bogus"), "x", nil))

	_, ok := s.Lookup(ProjectIssues, "nothing")
	assert.False(t, ok)
}

func TestGetExpiredReturnsDefault(t *testing.T) {
	s, clock, _ := newTestStore(t)
	tasks := []any{map[string]any{"name": "A"}, map[string]any{"name": "B"}}

	require.NoError(t, s.Set(ProjectIssues, "P1", tasks))

	clock.Advance(1801 * time.Second)
	assert.Equal(t, "stale", s.Get(ProjectIssues, "P1", "stale"))
	assert.False(t, s.Exists(ProjectIssues, "P1"))
	assert.Equal(t, 0, s.Stats().TotalEntries, "expired entry is evicted on access")
}

func TestGetCountsAccessExistsDoesNot(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(WorkspaceData, "projects", []any{"p"}))

	assert.True(t, s.Exists(WorkspaceData, "projects"))
	info, ok := s.Info(WorkspaceData, "projects")
	require.True(t, ok)
	assert.Equal(t, 0, info.AccessCount)

	clock.Advance(time.Minute)
	s.Get(WorkspaceData, "projects", nil)
	s.Get(WorkspaceData, "projects", nil)

	info, _ = s.Info(WorkspaceData, "projects")
	assert.Equal(t, 2, info.AccessCount)
	assert.Equal(t, clock.Now(), info.LastAccessed)
}

func TestSetExistingPreservesCreatedAndAccess(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.SetWithTTL(ProjectMeta, "proj", "v1", 10*time.Minute))
	created := clock.Now()
	s.Get(ProjectMeta, "proj", nil)

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.Set(ProjectMeta, "proj", "v2"))

	info, ok := s.Info(ProjectMeta, "proj")
	require.True(t, ok)
	assert.Equal(t, created, info.CreatedAt)
	assert.Equal(t, clock.Now(), info.UpdatedAt)
	assert.Equal(t, 1, info.AccessCount)
	assert.Equal(t, 10*time.Minute, info.TTL, "ttl of the original entry is kept")
	assert.Equal(t, "v2", s.Get(ProjectMeta, "proj", nil))
}

func TestSetRefreshesExpiry(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", "old"))

	clock.Advance(20 * time.Minute)
	require.NoError(t, s.Set(ProjectIssues, "P1", "new"))

	clock.Advance(20 * time.Minute)
	assert.Equal(t, "new", s.Get(ProjectIssues, "P1", nil))
}

func TestSetInvalidCategory(t *testing.T) {
	s, _, _ := newTestStore(t)

	err := s.Set(Category("bogus"), "x", 1)
	assert.True(t, errors.Is(err, ErrInvalidCategory))

	_, err = s.Delete(Category("bogus"), "x")
	assert.True(t, errors.Is(err, ErrInvalidCategory))

	_, err = s.ClearCategory(Category("bogus"))
	assert.True(t, errors.Is(err, ErrInvalidCategory))

	err = s.SetMany(Category("bogus"), map[string]any{"a": 1}, 0)
	assert.True(t, errors.Is(err, ErrInvalidCategory))
}

func TestDelete(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))
	require.NoError(t, s.Set(UserInfo, "u2", "bob"))

	removed, err := s.Delete(UserInfo, "u1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(UserInfo, "u1")
	require.NoError(t, err)
	assert.False(t, removed)

	onDisk := readCacheFile(t, filepath.Join(dir, "user_info.json"))
	assert.NotContains(t, onDisk, "u1")
	assert.Contains(t, onDisk, "u2")
}

func TestValueTyped(t *testing.T) {
	type member struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	s, clock, dir := newTestStore(t)
	require.NoError(t, s.SetPermanent(UserInfo, "u1", member{ID: "u1", Email: "a@example.com"}))

	got, ok := Value[member](s, UserInfo, "u1")
	require.True(t, ok)
	assert.Equal(t, "a@example.com", got.Email)

	reloaded, err := New(Options{Dir: dir, Now: clock.Now})
	require.NoError(t, err)
	got, ok = Value[member](reloaded, UserInfo, "u1")
	require.True(t, ok, "disk form is decoded into the target type")
	assert.Equal(t, member{ID: "u1", Email: "a@example.com"}, got)

	_, ok = Value[[]int](reloaded, UserInfo, "u1")
	assert.False(t, ok)
}

// =============================================================================
// TTL
// =============================================================================

func TestPermanentEntriesSurviveEverything(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))
	require.NoError(t, s.SetPermanent(ProjectMeta, "p1", "forever"))

	clock.Advance(10 * 365 * 24 * time.Hour)

	removed, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, "alice", s.Get(UserInfo, "u1", nil))
	assert.Equal(t, "forever", s.Get(ProjectMeta, "p1", nil))
}

func TestTTLOverrides(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s, err := New(Options{
		Dir: t.TempDir(),
		Now: clock.Now,
		TTLOverrides: map[Category]time.Duration{
			ProjectIssues: 5 * time.Minute,
			UserInfo:      time.Minute,
			WorkspaceData: -time.Minute,
		},
	})
	require.NoError(t, err)

	ttl, ok := s.TTLFor(ProjectIssues)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, ttl)

	_, ok = s.TTLFor(UserInfo)
	assert.False(t, ok, "user info stays permanent")

	ttl, _ = s.TTLFor(WorkspaceData)
	assert.Equal(t, 2*time.Hour, ttl)

	require.NoError(t, s.Set(ProjectIssues, "P1", "x"))
	clock.Advance(6 * time.Minute)
	assert.False(t, s.Exists(ProjectIssues, "P1"))
}

func TestSetWithTTLNonPositiveUsesDefault(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.SetWithTTL(WorkspaceData, "w", 1, 0))

	info, _ := s.Info(WorkspaceData, "w")
	assert.Equal(t, 2*time.Hour, info.TTL)
}

// =============================================================================
// Bulk Operations
// =============================================================================

func TestClearCategory(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", 1))
	require.NoError(t, s.Set(ProjectIssues, "P2", 2))
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))

	removed, err := s.ClearCategory(ProjectIssues)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, filepath.Join(dir, "project_issues.json"))
	assert.FileExists(t, filepath.Join(dir, "user_info.json"))
	assert.False(t, s.Exists(ProjectIssues, "P1"))
	assert.True(t, s.Exists(UserInfo, "u1"))
}

func TestClearAll(t *testing.T) {
	s, _, dir := newTestStore(t)
	for _, c := range Categories() {
		require.NoError(t, s.Set(c, "x", 1))
	}

	require.NoError(t, s.ClearAll())

	assert.Equal(t, 0, s.Stats().TotalEntries)
	for _, c := range Categories() {
		assert.NoFileExists(t, filepath.Join(dir, c.FileName()))
	}
}

func TestCleanupExpired(t *testing.T) {
	s, clock, dir := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", 1))
	require.NoError(t, s.Set(ProjectIssues, "P2", 2))
	require.NoError(t, s.Set(ProjectMeta, "M1", 3))
	require.NoError(t, s.Set(WorkspaceData, "projects", 4))

	clock.Advance(90 * time.Minute)
	require.NoError(t, s.Set(ProjectIssues, "P3", 5))

	removed, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	assert.True(t, s.Exists(ProjectIssues, "P3"))
	assert.True(t, s.Exists(WorkspaceData, "projects"))

	onDisk := readCacheFile(t, filepath.Join(dir, "project_issues.json"))
	assert.Len(t, onDisk, 1)
	assert.Contains(t, onDisk, "P3")
	assert.Empty(t, readCacheFile(t, filepath.Join(dir, "project_metadata.json")))
}

func TestStats(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))
	require.NoError(t, s.Set(ProjectIssues, "P1", 1))
	require.NoError(t, s.Set(ProjectIssues, "P2", 2))
	s.Get(ProjectIssues, "P1", nil)
	s.Get(ProjectIssues, "P1", nil)
	s.Get(UserInfo, "u1", nil)

	clock.Advance(31 * time.Minute)

	st := s.Stats()
	assert.Equal(t, 3, st.TotalEntries)
	assert.Equal(t, CategoryStats{Count: 2, ExpiredCount: 2, AccessCount: 2}, st.ByCategory[ProjectIssues])
	assert.Equal(t, CategoryStats{Count: 1, ExpiredCount: 0, AccessCount: 1}, st.ByCategory[UserInfo])
	assert.Equal(t, CategoryStats{}, st.ByCategory[WorkspaceData])
}

func TestSetManyWritesAll(t *testing.T) {
	s, _, dir := newTestStore(t)

	err := s.SetMany(UserInfo, map[string]any{
		"u1": map[string]any{"email": "a@example.com"},
		"u2": map[string]any{"email": "b@example.com"},
	}, 0)
	require.NoError(t, err)

	assert.Len(t, readCacheFile(t, filepath.Join(dir, "user_info.json")), 2)
	info, _ := s.Info(UserInfo, "u2")
	assert.True(t, info.Permanent)
}

func TestIdentifiers(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "b", 1))
	require.NoError(t, s.Set(UserInfo, "a", 1))
	require.NoError(t, s.Set(ProjectMeta, "c", 1))

	assert.Equal(t, []string{"a", "b"}, s.Identifiers(UserInfo))
	assert.Empty(t, s.Identifiers(WorkspaceData))
}

// =============================================================================
// Helpers Built on the Store
// =============================================================================

func TestRefreshUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))

	refetch, err := s.RefreshUser("u1", false)
	require.NoError(t, err)
	assert.False(t, refetch, "live entry is kept")
	assert.True(t, s.Exists(UserInfo, "u1"))

	refetch, err = s.RefreshUser("u1", true)
	require.NoError(t, err)
	assert.True(t, refetch)
	assert.False(t, s.Exists(UserInfo, "u1"))

	refetch, err = s.RefreshUser("u2", false)
	require.NoError(t, err)
	assert.True(t, refetch, "missing user must be fetched")
}

func TestMergeProjectMetadata(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Set(ProjectMeta, "p1", map[string]any{"name": "Mobile", "states": []any{"a"}}))

	require.NoError(t, s.MergeProjectMetadata("p1", map[string]any{"states": []any{"b"}, "labels": 3}))

	got := s.Get(ProjectMeta, "p1", nil).(map[string]any)
	assert.Equal(t, "Mobile", got["name"])
	assert.Equal(t, []any{"b"}, got["states"])
	assert.Equal(t, 3, got["labels"])
}

func TestMergeProjectMetadataReplacesNonObject(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Set(ProjectMeta, "p1", "not a map"))

	require.NoError(t, s.MergeProjectMetadata("p1", map[string]any{"states": 1}))
	assert.Equal(t, map[string]any{"states": 1}, s.Get(ProjectMeta, "p1", nil))
}

func TestInfo(t *testing.T) {
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", 1))
	clock.Advance(10 * time.Minute)

	info, ok := s.Info(ProjectIssues, "P1")
	require.True(t, ok)
	assert.Equal(t, "project_issues:P1", info.Key)
	assert.Equal(t, 10*time.Minute, info.Age)
	assert.Equal(t, 10*time.Minute, info.SinceUpdate)
	assert.False(t, info.Expired)
	assert.False(t, info.Permanent)

	clock.Advance(25 * time.Minute)
	info, ok = s.Info(ProjectIssues, "P1")
	require.True(t, ok, "info does not evict")
	assert.True(t, info.Expired)

	_, ok = s.Info(ProjectIssues, "missing")
	assert.False(t, ok)
}

// =============================================================================
// Persistence
// =============================================================================

func TestPersistenceFormat(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Set(ProjectMeta, "p1", map[string]any{"name": "Web <beta>"}))

	path := filepath.Join(dir, "project_metadata.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Web <beta>")

	entry := readCacheFile(t, path)["p1"]
	assert.Equal(t, "project_meta", entry["category"])
	assert.Equal(t, float64(3600), entry["ttl_seconds"])
	assert.Equal(t, "2024-06-01T09:00:00Z", entry["created_at"])
	for _, field := range []string{"data", "updated_at", "access_count", "last_accessed"} {
		assert.Contains(t, entry, field)
	}

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), dirInfo.Mode().Perm())
}

func TestPermanentPersistsNullTTL(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))

	entry := readCacheFile(t, filepath.Join(dir, "user_info.json"))["u1"]
	assert.Contains(t, entry, "ttl_seconds")
	assert.Nil(t, entry["ttl_seconds"])
}

func TestReloadSkipsExpired(t *testing.T) {
	s, clock, dir := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", "old"))
	clock.Advance(20 * time.Minute)
	require.NoError(t, s.Set(ProjectIssues, "P2", "fresh"))
	require.NoError(t, s.Set(UserInfo, "u1", "alice"))

	clock.Advance(15 * time.Minute)
	reloaded, err := New(Options{Dir: dir, Now: clock.Now})
	require.NoError(t, err)

	assert.False(t, reloaded.Exists(ProjectIssues, "P1"))
	assert.Equal(t, "fresh", reloaded.Get(ProjectIssues, "P2", nil))
	assert.Equal(t, "alice", reloaded.Get(UserInfo, "u1", nil))
	assert.Equal(t, 2, reloaded.Stats().TotalEntries)
}

func TestLoadSkipsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	content := `{
  "good": {"data": {"name": "ok"}, "category": "user_info", "created_at": "2024-01-01T00:00:00Z",
           "updated_at": "2024-01-01T00:00:00Z", "access_count": 3, "last_accessed": "2024-01-01T00:00:00Z", "ttl_seconds": null},
  "bad": {"data": 1, "created_at": "yesterday"}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_info.json"), []byte(content), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project_issues.json"), []byte("{not json"), 0644))

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "ok"}, s.Get(UserInfo, "good", nil))
	assert.False(t, s.Exists(UserInfo, "bad"))
	assert.Equal(t, 0, s.Stats().ByCategory[ProjectIssues].Count)
}

func TestPersistPolicies(t *testing.T) {
	dir := t.TempDir()
	// A directory where the category file should be makes every write fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "workspace_data.json"), 0755))

	strict, err := New(Options{Dir: dir, Policy: PersistStrict})
	require.NoError(t, err)
	err = strict.Set(WorkspaceData, "projects", []any{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersist))
	assert.Equal(t, []any{1}, strict.Get(WorkspaceData, "projects", nil), "memory stays authoritative")

	lenient, err := New(Options{Dir: dir})
	require.NoError(t, err)
	assert.NoError(t, lenient.Set(WorkspaceData, "projects", []any{2}))
	assert.Equal(t, []any{2}, lenient.Get(WorkspaceData, "projects", nil))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Set(ProjectIssues, "P1", 1))
	require.NoError(t, s.Set(ProjectIssues, "P1", 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"project_issues.json"}, names)
}
