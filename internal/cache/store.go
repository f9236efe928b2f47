package cache

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"planesync/internal/utils"
)

// Options configures a Store.
type Options struct {
	// Dir is the cache directory. It is created if missing.
	Dir string
	// Policy controls whether write failures are returned or only logged.
	Policy PersistPolicy
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// TTLOverrides replaces the default TTL of non-permanent categories.
	// Overrides for UserInfo and non-positive durations are ignored.
	TTLOverrides map[Category]time.Duration
}

// Store is the cache. Create one with New.
type Store struct {
	dir     string
	policy  PersistPolicy
	now     func() time.Time
	ttls    map[Category]time.Duration
	entries map[string]*Entry
}

// New creates the cache directory if needed and loads every category file.
// Expired entries on disk are not loaded.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, &PersistError{Op: "mkdir", Path: opts.Dir, Err: err}
	}

	s := &Store{
		dir:     opts.Dir,
		policy:  opts.Policy,
		now:     opts.Now,
		ttls:    make(map[Category]time.Duration, len(defaultTTLs)),
		entries: make(map[string]*Entry),
	}
	if s.now == nil {
		s.now = time.Now
	}
	for c, ttl := range defaultTTLs {
		s.ttls[c] = ttl
	}
	for c, ttl := range opts.TTLOverrides {
		if _, ok := defaultTTLs[c]; ok && ttl > 0 {
			s.ttls[c] = ttl
		}
	}

	for _, c := range categories {
		s.load(c)
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// TTLFor returns the TTL new entries of category receive, or false if they are permanent.
func (s *Store) TTLFor(category Category) (time.Duration, bool) {
	ttl, ok := s.ttls[category]
	return ttl, ok
}

func (s *Store) path(category Category) string {
	return filepath.Join(s.dir, category.FileName())
}

// Get returns the cached data, or def when the entry is missing or expired.
// A hit counts as an access.
func (s *Store) Get(category Category, identifier string, def any) any {
	if data, ok := s.Lookup(category, identifier); ok {
		return data
	}
	return def
}

// Lookup is Get with an explicit found flag.
func (s *Store) Lookup(category Category, identifier string) (any, bool) {
	e := s.live(category, identifier)
	if e == nil {
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = s.now()
	return e.Data, true
}

// Value looks up an entry and converts its data to T. Values stored in this
// process are returned as is; values loaded from disk are decoded from their
// JSON form. Conversion failures are reported as a miss.
func Value[T any](s *Store, category Category, identifier string) (T, bool) {
	var zero T
	data, ok := s.Lookup(category, identifier)
	if !ok {
		return zero, false
	}
	if v, ok := data.(T); ok {
		return v, true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		utils.Debugf("cache: cannot re-encode %s: %v", Key(category, identifier), err)
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		utils.Debugf("cache: cannot decode %s: %v", Key(category, identifier), err)
		return zero, false
	}
	return v, true
}

// Exists reports whether a live entry is present. It is not an access.
func (s *Store) Exists(category Category, identifier string) bool {
	return s.live(category, identifier) != nil
}

// live returns the unexpired entry for the key, evicting it from memory if it
// has expired. The file is left alone; expired entries are never written back.
func (s *Store) live(category Category, identifier string) *Entry {
	if !category.Valid() {
		return nil
	}
	key := Key(category, identifier)
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.IsExpired(s.now()) {
		utils.Debugf("cache: %s expired, evicting", key)
		delete(s.entries, key)
		return nil
	}
	return e
}

// Set stores data under the category's default TTL.
func (s *Store) Set(category Category, identifier string, data any) error {
	ttl, ok := s.ttls[category]
	if !ok {
		return s.set(category, identifier, data, nil)
	}
	return s.set(category, identifier, data, ttlSeconds(ttl))
}

// SetWithTTL stores data with an explicit TTL. A non-positive ttl falls back
// to the category default. The TTL only applies when the entry is created.
func (s *Store) SetWithTTL(category Category, identifier string, data any, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(category, identifier, data)
	}
	return s.set(category, identifier, data, ttlSeconds(ttl))
}

// SetPermanent stores data that never expires. It only affects new entries.
func (s *Store) SetPermanent(category Category, identifier string, data any) error {
	return s.set(category, identifier, data, nil)
}

func (s *Store) set(category Category, identifier string, data any, ttl *int64) error {
	if !category.Valid() {
		return errors.Wrap(ErrInvalidCategory, string(category))
	}
	s.upsert(category, identifier, data, ttl)
	return s.persist(category)
}

// upsert updates data and updated_at of an existing entry, keeping its
// creation time, access count and TTL, or creates a new entry.
func (s *Store) upsert(category Category, identifier string, data any, ttl *int64) {
	key := Key(category, identifier)
	now := s.now()
	if e, ok := s.entries[key]; ok {
		e.Data = data
		e.UpdatedAt = now
		utils.Debugf("cache: updated %s", key)
		return
	}
	s.entries[key] = &Entry{
		Data:         data,
		Category:     category,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		TTLSeconds:   ttl,
	}
	utils.Debugf("cache: created %s", key)
}

// SetMany stores several entries of one category and rewrites its file once.
// A non-positive ttl means the category default.
func (s *Store) SetMany(category Category, items map[string]any, ttl time.Duration) error {
	if !category.Valid() {
		return errors.Wrap(ErrInvalidCategory, string(category))
	}
	var secs *int64
	if ttl > 0 {
		secs = ttlSeconds(ttl)
	} else if d, ok := s.ttls[category]; ok {
		secs = ttlSeconds(d)
	}
	for id, data := range items {
		s.upsert(category, id, data, secs)
	}
	return s.persist(category)
}

// Delete removes an entry and reports whether it was present.
func (s *Store) Delete(category Category, identifier string) (bool, error) {
	if !category.Valid() {
		return false, errors.Wrap(ErrInvalidCategory, string(category))
	}
	key := Key(category, identifier)
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	utils.Debugf("cache: deleted %s", key)
	return true, s.persist(category)
}

// ClearCategory drops every entry of the category and deletes its file.
// It returns the number of entries dropped.
func (s *Store) ClearCategory(category Category) (int, error) {
	if !category.Valid() {
		return 0, errors.Wrap(ErrInvalidCategory, string(category))
	}
	removed := s.drop(category)
	utils.Infof("Cleared %s cache: %d entries", category, removed)
	return removed, s.remove(category)
}

// ClearAll drops everything and deletes all category files.
func (s *Store) ClearAll() error {
	var firstErr error
	for _, c := range categories {
		s.drop(c)
		if err := s.remove(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	utils.Infof("Cleared all caches")
	return firstErr
}

func (s *Store) drop(category Category) int {
	prefix := string(category) + ":"
	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// CleanupExpired evicts every expired entry, rewrites each affected file once,
// and returns the number of entries removed. Permanent entries are never evicted.
func (s *Store) CleanupExpired() (int, error) {
	now := s.now()
	affected := make(map[Category]bool)
	removed := 0
	for key, e := range s.entries {
		if e.IsExpired(now) {
			delete(s.entries, key)
			affected[e.Category] = true
			removed++
		}
	}

	var firstErr error
	for _, c := range categories {
		if !affected[c] {
			continue
		}
		if err := s.persist(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if removed > 0 {
		utils.Infof("Removed %d expired cache entries", removed)
	}
	return removed, firstErr
}

// CategoryStats summarizes the entries of one category.
type CategoryStats struct {
	Count        int `json:"count"`
	ExpiredCount int `json:"expired_count"`
	AccessCount  int `json:"access_count"`
}

// Stats summarizes the whole cache. Expired entries still held in memory are
// counted in both Count and ExpiredCount.
type Stats struct {
	TotalEntries int                        `json:"total_entries"`
	ByCategory   map[Category]CategoryStats `json:"by_category"`
}

// Stats returns entry counts per category. It is not an access.
func (s *Store) Stats() Stats {
	now := s.now()
	st := Stats{
		TotalEntries: len(s.entries),
		ByCategory:   make(map[Category]CategoryStats, len(categories)),
	}
	for _, c := range categories {
		st.ByCategory[c] = CategoryStats{}
	}
	for _, e := range s.entries {
		cs := st.ByCategory[e.Category]
		cs.Count++
		cs.AccessCount += e.AccessCount
		if e.IsExpired(now) {
			cs.ExpiredCount++
		}
		st.ByCategory[e.Category] = cs
	}
	return st
}

// Identifiers returns the sorted identifiers held for a category, expired ones included.
func (s *Store) Identifiers(category Category) []string {
	prefix := string(category) + ":"
	var ids []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(ids)
	return ids
}

// RefreshUser invalidates a cached user. Unless force is set, a live entry is
// kept and false is returned. Otherwise the entry is removed and true tells the
// caller to refetch the user.
func (s *Store) RefreshUser(userID string, force bool) (bool, error) {
	if !force && s.Exists(UserInfo, userID) {
		return false, nil
	}
	if _, err := s.Delete(UserInfo, userID); err != nil {
		return true, err
	}
	utils.Debugf("cache: user %s marked for refresh", userID)
	return true, nil
}

// MergeProjectMetadata shallow-merges metadata into the live metadata entry of
// a project and stores the result. Without a live object entry, metadata is
// stored as is.
func (s *Store) MergeProjectMetadata(projectID string, metadata map[string]any) error {
	merged := make(map[string]any, len(metadata))
	if existing, ok := s.Lookup(ProjectMeta, projectID); ok {
		if m, ok := existing.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return s.Set(ProjectMeta, projectID, merged)
}

// Info describes an entry without counting as an access.
type Info struct {
	Key          string        `json:"key"`
	Category     Category      `json:"category"`
	Identifier   string        `json:"identifier"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int           `json:"access_count"`
	TTL          time.Duration `json:"ttl"`
	Permanent    bool          `json:"permanent"`
	Expired      bool          `json:"expired"`
	Age          time.Duration `json:"age"`
	SinceUpdate  time.Duration `json:"since_update"`
}

// Info returns metadata about an entry held in memory, expired or not.
func (s *Store) Info(category Category, identifier string) (Info, bool) {
	key := Key(category, identifier)
	e, ok := s.entries[key]
	if !ok {
		return Info{}, false
	}
	now := s.now()
	ttl, hasTTL := e.TTL()
	return Info{
		Key:          key,
		Category:     category,
		Identifier:   identifier,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		LastAccessed: e.LastAccessed,
		AccessCount:  e.AccessCount,
		TTL:          ttl,
		Permanent:    !hasTTL,
		Expired:      e.IsExpired(now),
		Age:          now.Sub(e.CreatedAt),
		SinceUpdate:  now.Sub(e.UpdatedAt),
	}, true
}

// load reads one category file. A missing or unreadable file is an empty
// category; corrupt entries are skipped.
func (s *Store) load(category Category) {
	path := s.path(category)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			utils.Warnf("Failed to read cache file %s: %v", path, err)
		}
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		utils.Warnf("Ignoring corrupt cache file %s: %v", path, err)
		return
	}

	now := s.now()
	loaded := 0
	for id, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			utils.Warnf("Skipping cache entry %s: %v", Key(category, id), err)
			continue
		}
		e.Category = category
		if e.IsExpired(now) {
			utils.Debugf("cache: skipping expired %s", Key(category, id))
			continue
		}
		s.entries[Key(category, id)] = &e
		loaded++
	}
	utils.Debugf("cache: loaded %d %s entries", loaded, category)
}

// persist writes the live entries of a category to its file atomically.
func (s *Store) persist(category Category) error {
	prefix := string(category) + ":"
	now := s.now()
	out := make(map[string]*Entry)
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && !e.IsExpired(now) {
			out[strings.TrimPrefix(key, prefix)] = e
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return s.fail(&PersistError{Op: "encode", Category: category, Path: s.path(category), Err: err})
	}
	if err := writeFileAtomic(s.path(category), buf.Bytes()); err != nil {
		return s.fail(&PersistError{Op: "write", Category: category, Path: s.path(category), Err: err})
	}
	utils.Debugf("cache: saved %d %s entries", len(out), category)
	return nil
}

func (s *Store) remove(category Category) error {
	path := s.path(category)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return s.fail(&PersistError{Op: "remove", Category: category, Path: path, Err: err})
	}
	return nil
}

func (s *Store) fail(err *PersistError) error {
	if s.policy == PersistStrict {
		return err
	}
	utils.Warnf("%v", err)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
