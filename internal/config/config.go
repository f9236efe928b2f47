// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/subosito/gotenv"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"planesync/backend/plane"
	"planesync/internal/cache"
	"planesync/internal/utils"
)

const (
	// GlobalConfigFile is the name of the global config file inside GlobalDir.
	GlobalConfigFile = "config.yaml"

	// ProjectConfigFile is the per-project override file.
	ProjectConfigFile = ".plane-config.yaml"

	// EnvFile is loaded from the project directory before the environment is read.
	EnvFile = ".env"

	// EnvPrefix prefixes planesync-specific environment variables.
	EnvPrefix = "PLANE_SKILLS_"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	Plane    PlaneConfig    `yaml:"plane"`
	User     UserConfig     `yaml:"user"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Template TemplateConfig `yaml:"template"`
	Logging  LoggingConfig  `yaml:"logging"`
	History  HistoryConfig  `yaml:"history"`

	// Sources lists the files that contributed to this config, in load order.
	Sources []string `yaml:"-"`
}

// PlaneConfig holds Plane connection settings
type PlaneConfig struct {
	BaseURL           string `yaml:"base_url" validate:"required,url"`
	APIKey            string `yaml:"api_key" validate:"required"`
	WorkspaceSlug     string `yaml:"workspace_slug" validate:"required"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"gte=0"`
	MaxRetries        int    `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay        string `yaml:"retry_delay"`
	Timeout           string `yaml:"timeout"`
}

// UserConfig identifies the person running the sync
type UserConfig struct {
	Email       string `yaml:"email" validate:"omitempty,email"`
	DisplayName string `yaml:"display_name"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled           *bool             `yaml:"enabled"`
	Dir               string            `yaml:"dir"`
	StrictPersistence bool              `yaml:"strict_persistence"`
	TTL               map[string]string `yaml:"ttl"`
}

// SyncConfig holds defaults for the sync command
type SyncConfig struct {
	Limit        int    `yaml:"limit" validate:"gte=0"`
	Template     string `yaml:"template"`
	Output       string `yaml:"output"`
	Order        string `yaml:"order" validate:"omitempty,oneof=asc desc"`
	UpdatedSince string `yaml:"updated_since"`
}

// TemplateConfig holds report template settings
type TemplateConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File  string `yaml:"file"`
}

// HistoryConfig holds sync history settings
type HistoryConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// ConfigPath replaces the global config file when set.
	ConfigPath string
	// ProjectDir holds .plane-config.yaml and .env. Defaults to the working directory.
	ProjectDir string
	// SkipEnvFile disables loading ProjectDir/.env.
	SkipEnvFile bool
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	dir := GlobalDir()
	enabled := true
	historyEnabled := true
	return &Config{
		Plane: PlaneConfig{
			BaseURL:           plane.DefaultBaseURL,
			RequestsPerMinute: 60,
			MaxRetries:        3,
			RetryDelay:        "1s",
			Timeout:           "30s",
		},
		Cache: CacheConfig{
			Enabled: &enabled,
			Dir:     filepath.Join(dir, "cache"),
			TTL:     map[string]string{},
		},
		Sync: SyncConfig{
			Limit:    20,
			Template: "ai-context",
			Output:   "plane.md",
			Order:    "desc",
		},
		Template: TemplateConfig{
			Dir: filepath.Join(dir, "templates"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		History: HistoryConfig{
			Enabled:       &historyEnabled,
			Path:          filepath.Join(dir, "history.db"),
			RetentionDays: 90,
		},
	}
}

// Load builds the effective configuration: defaults, then the global file,
// then the project file, then environment variables (after loading .env).
// Missing files are skipped; unreadable or invalid YAML is an error.
func Load(opts LoadOptions) (*Config, error) {
	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "failed to determine working directory")
		}
		projectDir = wd
	}

	if !opts.SkipEnvFile {
		if err := loadEnvFile(filepath.Join(projectDir, EnvFile)); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()

	globalPath := opts.ConfigPath
	if globalPath == "" {
		globalPath = GlobalConfigPath()
	}
	for _, path := range []string{globalPath, filepath.Join(projectDir, ProjectConfigFile)} {
		loaded, err := cfg.mergeFile(path)
		if err != nil {
			return nil, err
		}
		if loaded {
			cfg.Sources = append(cfg.Sources, path)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()
	return cfg, nil
}

// loadEnvFile exports the variables of a .env file, overriding existing ones.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gotenv.OverLoad(path); err != nil {
		return errors.Wrapf(err, "failed to load %s", path)
	}
	utils.Debugf("loaded environment from %s", path)
	return nil
}

// mergeFile overlays the keys present in the YAML file at path onto c.
func (c *Config) mergeFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return false, errors.Wrapf(err, "invalid YAML in config file %s", path)
	}
	utils.Debugf("loaded config from %s", path)
	return true, nil
}

// applyEnv overrides settings from the environment. Later names win.
func (c *Config) applyEnv() {
	strs := []struct {
		env    string
		target *string
	}{
		{"PLANE_BASE_URL", &c.Plane.BaseURL},
		{"PLANE_API_KEY", &c.Plane.APIKey},
		{"PLANE_WORKSPACE", &c.Plane.WorkspaceSlug},
		{"PLANE_WORKSPACE_SLUG", &c.Plane.WorkspaceSlug},
		{"MY_EMAIL", &c.User.Email},
		{EnvPrefix + "PLANE_BASE_URL", &c.Plane.BaseURL},
		{EnvPrefix + "PLANE_API_KEY", &c.Plane.APIKey},
		{EnvPrefix + "PLANE_WORKSPACE_SLUG", &c.Plane.WorkspaceSlug},
		{EnvPrefix + "USER_EMAIL", &c.User.Email},
		{EnvPrefix + "CACHE_DIR", &c.Cache.Dir},
		{EnvPrefix + "LOG_LEVEL", &c.Logging.Level},
		{EnvPrefix + "LOG_FILE", &c.Logging.File},
		{EnvPrefix + "TEMPLATE_DIR", &c.Template.Dir},
		{EnvPrefix + "OUTPUT", &c.Sync.Output},
		{EnvPrefix + "HISTORY_PATH", &c.History.Path},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.env); ok {
			*s.target = v
		}
	}
	if c.Logging.Level != "" {
		c.Logging.Level = strings.ToLower(c.Logging.Level)
	}

	if v, ok := os.LookupEnv(EnvPrefix + "CACHE_ENABLED"); ok {
		enabled := parseBool(v)
		c.Cache.Enabled = &enabled
	}
	if v, ok := os.LookupEnv(EnvPrefix + "HISTORY_ENABLED"); ok {
		enabled := parseBool(v)
		c.History.Enabled = &enabled
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REQUESTS_PER_MINUTE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Plane.RequestsPerMinute = n
		} else {
			utils.Warnf("ignoring invalid %sREQUESTS_PER_MINUTE=%q", EnvPrefix, v)
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) expandPaths() {
	c.Cache.Dir = ExpandPath(c.Cache.Dir)
	c.Template.Dir = ExpandPath(c.Template.Dir)
	c.Logging.File = ExpandPath(c.Logging.File)
	c.History.Path = ExpandPath(c.History.Path)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and returns utils.ErrConfigInvalid
// listing every problem found.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "failed to validate config")
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	for _, d := range []struct{ key, value string }{
		{"plane.retry_delay", c.Plane.RetryDelay},
		{"plane.timeout", c.Plane.Timeout},
		{"sync.updated_since", c.Sync.UpdatedSince},
	} {
		if d.value == "" {
			continue
		}
		if _, err := str2duration.ParseDuration(d.value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", d.key, d.value))
		}
	}

	if _, err := c.CacheTTLs(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return utils.ErrConfigInvalid(problems)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return fmt.Sprintf("%s must be a valid URL, got %q", field, fe.Value())
	case "email":
		return fmt.Sprintf("%s must be a valid email, got %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return field + " is invalid"
}

// CacheTTLs parses cache.ttl into per-category overrides. Keys accept the
// same spellings as cache.ParseCategory.
func (c *Config) CacheTTLs() (map[cache.Category]time.Duration, error) {
	ttls := make(map[cache.Category]time.Duration, len(c.Cache.TTL))
	keys := make([]string, 0, len(c.Cache.TTL))
	for k := range c.Cache.TTL {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		category, err := cache.ParseCategory(k)
		if err != nil {
			return nil, errors.Wrapf(err, "cache.ttl.%s", k)
		}
		d, err := str2duration.ParseDuration(c.Cache.TTL[k])
		if err != nil {
			return nil, errors.Errorf("cache.ttl.%s: invalid duration %q", k, c.Cache.TTL[k])
		}
		ttls[category] = d
	}
	return ttls, nil
}

// CacheOptions returns the cache store options described by this config.
func (c *Config) CacheOptions() (cache.Options, error) {
	ttls, err := c.CacheTTLs()
	if err != nil {
		return cache.Options{}, err
	}
	policy := cache.PersistLenient
	if c.Cache.StrictPersistence {
		policy = cache.PersistStrict
	}
	return cache.Options{Dir: c.Cache.Dir, Policy: policy, TTLOverrides: ttls}, nil
}

// IsCacheEnabled reports whether cached reads are allowed. Defaults to true.
func (c *Config) IsCacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// IsHistoryEnabled reports whether sync runs are recorded. Defaults to true.
func (c *Config) IsHistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// GetHistoryRetentionDays returns how long history is kept.
// Returns 90 (default) if not configured.
func (c *Config) GetHistoryRetentionDays() int {
	if c.History.RetentionDays <= 0 {
		return 90
	}
	return c.History.RetentionDays
}

// UpdatedSince returns the configured updated-since window, or 0 for none.
func (c *Config) UpdatedSince() time.Duration {
	if c.Sync.UpdatedSince == "" {
		return 0
	}
	d, err := str2duration.ParseDuration(c.Sync.UpdatedSince)
	if err != nil {
		return 0
	}
	return d
}

// PlaneClientConfig returns the API client settings.
func (c *Config) PlaneClientConfig() plane.Config {
	return plane.Config{
		BaseURL:           c.Plane.BaseURL,
		APIKey:            c.Plane.APIKey,
		WorkspaceSlug:     c.Plane.WorkspaceSlug,
		MaxRetries:        c.Plane.MaxRetries,
		RetryDelay:        durationOr(c.Plane.RetryDelay, time.Second),
		Timeout:           durationOr(c.Plane.Timeout, 30*time.Second),
		RequestsPerMinute: c.Plane.RequestsPerMinute,
		EnableJitter:      true,
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Redacted returns a copy safe to print: the API key is masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Plane.APIKey = MaskSecret(c.Plane.APIKey)
	return &out
}

// MaskSecret keeps the last four characters of a secret.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}

// YAML renders the config as YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode config")
	}
	return string(data), nil
}

// WriteSample writes the sample config to path. An existing file is only
// replaced when force is set.
func WriteSample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// GlobalDir returns the directory holding global state: config, cache,
// templates and history. PLANE_SKILLS_HOME overrides ~/.plane-skills.
func GlobalDir() string {
	if dir := os.Getenv(EnvPrefix + "HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plane-skills"
	}
	return filepath.Join(home, ".plane-skills")
}

// GlobalConfigPath returns the path of the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GlobalDir(), GlobalConfigFile)
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}

	return os.ExpandEnv(path)
}
