package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"planesync/backend/plane"
	"planesync/internal/cache"
	"planesync/internal/config"
	"planesync/internal/credentials"
	"planesync/internal/history"
	"planesync/internal/shutdown"
	"planesync/internal/syncer"
	"planesync/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

const cleanupTimeout = 5 * time.Second

// Config holds invocation settings that do not come from the config files.
type Config struct {
	NoPrompt bool
	Verbose  bool
	// ConfigPath replaces the global config file.
	ConfigPath string
	// ProjectDir holds .plane-config.yaml and .env (for testing).
	ProjectDir string
	// SkipEnvFile disables .env loading (for testing).
	SkipEnvFile bool
	// Stdin is read by prompts and the project picker. Defaults to os.Stdin.
	Stdin io.Reader
	// Keyring replaces the system keyring (for testing).
	Keyring credentials.Keyring
}

// app carries what every subcommand needs. The config is loaded once.
type app struct {
	cfg      *Config
	stdout   io.Writer
	stderr   io.Writer
	shutdown *shutdown.Manager

	conf       *config.Config
	jsonOutput bool
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}

	mgr := shutdown.NewManager(context.Background())
	mgr.Listen()
	a := &app{cfg: cfg, stdout: stdout, stderr: stderr, shutdown: mgr}

	rootCmd := NewPlaneSync(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetIn(cfg.Stdin)

	err := rootCmd.ExecuteContext(mgr.Context())
	if cerr := mgr.Close(cleanupTimeout); cerr != nil {
		utils.Warnf("%v", cerr)
	}
	if err == nil {
		return 0
	}

	if mgr.Interrupted() {
		err = errors.Wrap(err, "interrupted")
	}
	if plane.KindOf(err) != "" && utils.SuggestionFor(err) == "" {
		err = plane.UserError(err)
	}
	if a.jsonOutput || containsJSONFlag(args) {
		outputErrorJSON(err, stdout)
	} else {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		if cfg.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultError)
		}
	}
	return 1
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewPlaneSync creates the root command
func NewPlaneSync(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "planesync",
		Short:   "Sync Plane tasks into Markdown reports",
		Long:    "planesync pulls issues from a Plane workspace, filters and sorts them, and writes a Markdown report for AI-assisted workflows.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.applyFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to the global config file")
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newProjectsCmd(a))
	cmd.AddCommand(newWhoamiCmd(a))
	cmd.AddCommand(newCacheCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newCredentialsCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newTemplatesCmd(a))

	return cmd
}

func (a *app) applyFlags(cmd *cobra.Command) error {
	if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
		a.cfg.NoPrompt = true
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		a.cfg.Verbose = true
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.cfg.ConfigPath = path
	}
	a.jsonOutput, _ = cmd.Flags().GetBool("json")
	if a.cfg.Verbose {
		utils.SetVerboseMode(true)
	}
	return nil
}

// config loads the configuration and applies its logging settings.
func (a *app) config() (*config.Config, error) {
	if a.conf != nil {
		return a.conf, nil
	}
	conf, err := config.Load(config.LoadOptions{
		ConfigPath:  a.cfg.ConfigPath,
		ProjectDir:  a.cfg.ProjectDir,
		SkipEnvFile: a.cfg.SkipEnvFile,
	})
	if err != nil {
		return nil, err
	}

	logger := utils.GetLogger()
	logger.SetLevel(conf.Logging.Level)
	if a.cfg.Verbose {
		logger.SetVerbose(true)
	}
	if conf.Logging.File != "" {
		if err := logger.AddFile(conf.Logging.File); err != nil {
			utils.Warnf("Failed to open log file: %v", err)
		} else {
			a.shutdown.Register("logger", func(ctx context.Context) error {
				logger.Sync()
				return nil
			})
		}
	}
	utils.Debugf("Loaded config from %v", conf.Sources)

	a.conf = conf
	return conf, nil
}

func (a *app) credentialManager() *credentials.Manager {
	if a.cfg.Keyring != nil {
		return credentials.NewManager(credentials.WithKeyring(a.cfg.Keyring))
	}
	return credentials.NewManager()
}

// validConfig loads the config, fills in the API key from the credential
// chain and validates the result.
func (a *app) validConfig(ctx context.Context) (*config.Config, error) {
	conf, err := a.config()
	if err != nil {
		return nil, err
	}
	info, err := a.credentialManager().Resolve(ctx, conf.Plane.WorkspaceSlug, conf.Plane.APIKey)
	if err != nil {
		return nil, err
	}
	if !info.Found {
		return nil, utils.ErrCredentialsNotFound(conf.Plane.WorkspaceSlug)
	}
	conf.Plane.APIKey = info.APIKey
	utils.Debugf("Using API key from %s", info.Source)

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (a *app) client(ctx context.Context) (*plane.Client, *config.Config, error) {
	conf, err := a.validConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	client, err := plane.New(conf.PlaneClientConfig())
	if err != nil {
		return nil, nil, err
	}
	return client, conf, nil
}

func (a *app) cacheStore(conf *config.Config) (*cache.Store, error) {
	opts, err := conf.CacheOptions()
	if err != nil {
		return nil, err
	}
	return cache.New(opts)
}

func (a *app) historyStore(conf *config.Config) (*history.Store, error) {
	store, err := history.Open(conf.History.Path)
	if err != nil {
		return nil, err
	}
	a.shutdown.Register("history", func(ctx context.Context) error {
		return store.Close()
	})
	return store, nil
}

// runner wires a sync runner. Cache and history are attached when enabled;
// failing to open them only disables them.
func (a *app) runner(ctx context.Context) (*syncer.Runner, *config.Config, error) {
	client, conf, err := a.client(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []syncer.Option{
		syncer.WithWorkspace(conf.Plane.WorkspaceSlug),
		syncer.WithReports(reportEngine(conf)),
	}
	if conf.IsCacheEnabled() {
		store, err := a.cacheStore(conf)
		if err != nil {
			utils.Warnf("Cache disabled: %v", err)
		} else {
			opts = append(opts, syncer.WithCache(store))
		}
	}
	if conf.IsHistoryEnabled() {
		store, err := a.historyStore(conf)
		if err != nil {
			utils.Warnf("Sync history disabled: %v", err)
		} else {
			opts = append(opts, syncer.WithHistory(store))
		}
	}
	return syncer.New(client, opts...), conf, nil
}

// interactive reports whether prompts and the picker may be shown.
func (a *app) interactive() bool {
	if a.cfg.NoPrompt || a.jsonOutput {
		return false
	}
	f, ok := a.cfg.Stdin.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// confirm asks a yes/no question unless prompts are disabled, in which case
// the answer is yes.
func (a *app) confirm(prompt string) bool {
	if a.cfg.NoPrompt {
		return true
	}
	return utils.PromptYesNoWithReader(prompt, a.cfg.Stdin, a.stdout)
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	_, _ = fmt.Fprintln(a.stdout, string(data))
	return nil
}

// resultCode prints a result code in no-prompt mode.
func (a *app) resultCode(code string) {
	if a.cfg.NoPrompt && !a.jsonOutput {
		_, _ = fmt.Fprintln(a.stdout, code)
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	successMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("✓")
	failureMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
	summaryStyle = lipgloss.NewStyle().PaddingLeft(2)
)

// field renders a "label value" line of a summary.
func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
	Result     string `json:"result"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:      err.Error(),
		Suggestion: utils.SuggestionFor(err),
		Code:       1,
		Result:     ResultError,
	}
	if ews, ok := err.(*utils.ErrorWithSuggestion); ok {
		response.Error = ews.Err.Error()
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}
