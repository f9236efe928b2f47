package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"planesync/internal/cache"
	"planesync/internal/config"
	"planesync/internal/credentials"
	"planesync/internal/report"
	"planesync/internal/utils"
)

func reportEngine(conf *config.Config) *report.Engine {
	return report.NewEngine(conf.Template.Dir)
}

// =============================================================================
// cache
// =============================================================================

// newCacheCmd creates the 'cache' subcommand
func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the local API cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newCacheStatsCmd(a))
	cmd.AddCommand(newCacheInfoCmd(a))
	cmd.AddCommand(newCacheClearCmd(a))
	cmd.AddCommand(newCacheCleanupCmd(a))
	return cmd
}

func (a *app) openCache() (*cache.Store, error) {
	conf, err := a.config()
	if err != nil {
		return nil, err
	}
	return a.cacheStore(conf)
}

func newCacheStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openCache()
			if err != nil {
				return err
			}
			stats := store.Stats()
			if a.jsonOutput {
				return a.printJSON(map[string]any{"dir": store.Dir(), "stats": stats})
			}

			_, _ = fmt.Fprintf(a.stdout, "Cache directory: %s\n\n", store.Dir())
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CATEGORY\tENTRIES\tEXPIRED\tACCESSES\tTTL")
			for _, c := range cache.Categories() {
				cs := stats.ByCategory[c]
				ttl := "permanent"
				if d, ok := store.TTLFor(c); ok {
					ttl = d.String()
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", c, cs.Count, cs.ExpiredCount, cs.AccessCount, ttl)
			}
			_ = w.Flush()
			_, _ = fmt.Fprintf(a.stdout, "\nTotal entries: %d\n", stats.TotalEntries)
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCacheInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info CATEGORY ID",
		Short: "Show metadata about one cache entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := cache.ParseCategory(args[0])
			if err != nil {
				return err
			}
			store, err := a.openCache()
			if err != nil {
				return err
			}
			info, ok := store.Info(category, args[1])
			if !ok {
				return utils.WrapWithSuggestion(
					errors.Errorf("no cache entry %s", cache.Key(category, args[1])),
					"Known identifiers: "+strings.Join(store.Identifiers(category), ", "))
			}
			if a.jsonOutput {
				return a.printJSON(info)
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Key:\t%s\n", info.Key)
			_, _ = fmt.Fprintf(w, "Created:\t%s (%s)\n", info.CreatedAt.Format(time.RFC3339), humanize.Time(info.CreatedAt))
			_, _ = fmt.Fprintf(w, "Updated:\t%s (%s)\n", info.UpdatedAt.Format(time.RFC3339), humanize.Time(info.UpdatedAt))
			lastAccessed := "never"
			if !info.LastAccessed.IsZero() {
				lastAccessed = humanize.Time(info.LastAccessed)
			}
			_, _ = fmt.Fprintf(w, "Last accessed:\t%s\n", lastAccessed)
			_, _ = fmt.Fprintf(w, "Accesses:\t%d\n", info.AccessCount)
			switch {
			case info.Permanent:
				_, _ = fmt.Fprintf(w, "TTL:\tpermanent\n")
			case info.Expired:
				_, _ = fmt.Fprintf(w, "TTL:\t%s (expired)\n", info.TTL)
			default:
				_, _ = fmt.Fprintf(w, "TTL:\t%s (expires %s)\n", info.TTL, humanize.Time(info.CreatedAt.Add(info.TTL)))
			}
			_ = w.Flush()
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCacheClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [CATEGORY]",
		Short: "Remove cached entries of one category, or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var category cache.Category
			if len(args) == 1 {
				c, err := cache.ParseCategory(args[0])
				if err != nil {
					return err
				}
				category = c
			}
			store, err := a.openCache()
			if err != nil {
				return err
			}

			what := "all cached data"
			if category != "" {
				what = "cached " + string(category) + " entries"
			}
			if !a.confirm("Remove " + what + "?") {
				_, _ = fmt.Fprintln(a.stdout, "Cancelled")
				a.resultCode(ResultInfoOnly)
				return nil
			}

			if category == "" {
				if err := store.ClearAll(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(a.stdout, "Cache cleared")
			} else {
				n, err := store.ClearCategory(category)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.stdout, "Removed %d %s entries\n", n, category)
			}
			a.resultCode(ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCacheCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openCache()
			if err != nil {
				return err
			}
			n, err := store.CleanupExpired()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]int{"removed": n})
			}
			_, _ = fmt.Fprintf(a.stdout, "Removed %d expired %s\n", n, pluralize(n, "entry", "entries"))
			a.resultCode(ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// =============================================================================
// config
// =============================================================================

// newConfigCmd creates the 'config' subcommand
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, show and validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newConfigInitCmd(a))
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigValidateCmd(a))
	cmd.AddCommand(newConfigPathCmd(a))
	return cmd
}

func (a *app) projectConfigPath() string {
	dir := a.cfg.ProjectDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, config.ProjectConfigFile)
}

func (a *app) globalConfigPath() string {
	if a.cfg.ConfigPath != "" {
		return a.cfg.ConfigPath
	}
	return config.GlobalConfigPath()
}

func newConfigInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			project, _ := cmd.Flags().GetBool("project")

			path := a.globalConfigPath()
			if project {
				path = a.projectConfigPath()
			}
			if err := config.WriteSample(path, force); err != nil {
				return utils.WrapWithSuggestion(err, "Use --force to overwrite the existing file")
			}
			_, _ = fmt.Fprintf(a.stdout, "Wrote sample config to %s\n", path)
			_, _ = fmt.Fprintln(a.stdout, "Set plane.workspace_slug, then store your API key with 'planesync credentials set'")
			a.resultCode(ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.Flags().Bool("project", false, "Write "+config.ProjectConfigFile+" in the current directory instead")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.config()
			if err != nil {
				return err
			}
			out, err := conf.Redacted().YAML()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(a.stdout, out)
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.validConfig(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"valid": true, "sources": conf.Sources})
			}
			_, _ = fmt.Fprintln(a.stdout, titleStyle.Render("✓ Configuration is valid"))
			for _, src := range conf.Sources {
				_, _ = fmt.Fprintf(a.stdout, "  loaded %s\n", src)
			}
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show where configuration is read from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			global, project := a.globalConfigPath(), a.projectConfigPath()
			if a.jsonOutput {
				return a.printJSON(map[string]string{"global": global, "project": project, "home": config.GlobalDir()})
			}
			_, _ = fmt.Fprintf(a.stdout, "Global:  %s\n", global)
			_, _ = fmt.Fprintf(a.stdout, "Project: %s\n", project)
			_, _ = fmt.Fprintf(a.stdout, "Home:    %s\n", config.GlobalDir())
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// =============================================================================
// credentials
// =============================================================================

// newCredentialsCmd creates the 'credentials' subcommand for credential management
func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the Plane API key",
		Long:  "Store the Plane API key in the system keyring (macOS Keychain, Windows Credential Manager, or Linux Secret Service) and show where it is read from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("workspace", "", "Workspace slug (defaults to plane.workspace_slug)")

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the API key in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, _, err := a.credentialsWorkspace(cmd)
			if err != nil {
				return err
			}
			return a.credentialHandler().Set(cmd.Context(), workspace)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show which source the API key is taken from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, configured, err := a.credentialsWorkspace(cmd)
			if err != nil {
				return err
			}
			return a.credentialHandler().Get(cmd.Context(), workspace, configured, a.jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the API key from the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, _, err := a.credentialsWorkspace(cmd)
			if err != nil {
				return err
			}
			return a.credentialHandler().Delete(cmd.Context(), workspace)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})
	return cmd
}

func (a *app) credentialHandler() *credentials.CLIHandler {
	return credentials.NewCLIHandler(a.credentialManager(), a.cfg.Stdin, a.stdout)
}

// credentialsWorkspace returns the workspace named by --workspace or the
// config, and the API key configured in files or the environment.
func (a *app) credentialsWorkspace(cmd *cobra.Command) (string, string, error) {
	conf, err := a.config()
	if err != nil {
		return "", "", err
	}
	workspace, _ := cmd.Flags().GetString("workspace")
	if workspace == "" {
		workspace = conf.Plane.WorkspaceSlug
	}
	return workspace, conf.Plane.APIKey, nil
}

// =============================================================================
// history
// =============================================================================

// newHistoryCmd creates the 'history' subcommand
func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.config()
			if err != nil {
				return err
			}
			store, err := a.historyStore(conf)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(runs)
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(a.stdout, "No sync runs recorded")
				a.resultCode(ResultInfoOnly)
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, " \tWHEN\tPROJECT\tTASKS\tTEMPLATE\tDURATION\tERROR")
			for _, r := range runs {
				mark, errText := successMark, ""
				if !r.Success {
					mark, errText = failureMark, r.ErrorType
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					mark, humanize.Time(r.StartedAt), r.Project, r.FilteredTasks, r.TotalTasks,
					r.Template, r.Duration.Round(time.Millisecond), errText)
			}
			_ = w.Flush()
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().IntP("limit", "n", 10, "Number of runs to show (0 for all)")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.config()
			if err != nil {
				return err
			}
			days := conf.GetHistoryRetentionDays()
			if cmd.Flags().Changed("days") {
				days, _ = cmd.Flags().GetInt("days")
			}
			if days < 0 {
				return errors.Errorf("invalid --days %d", days)
			}
			store, err := a.historyStore(conf)
			if err != nil {
				return err
			}
			n, err := store.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]int64{"removed": n})
			}
			_, _ = fmt.Fprintf(a.stdout, "Removed %d %s older than %d days\n", n, pluralize(int(n), "run", "runs"), days)
			a.resultCode(ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	prune.Flags().Int("days", 0, "Retention in days (defaults to history.retention_days)")
	cmd.AddCommand(prune)
	return cmd
}

// =============================================================================
// templates
// =============================================================================

// newTemplatesCmd creates the 'templates' subcommand
func newTemplatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List report templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.config()
			if err != nil {
				return err
			}
			templates := reportEngine(conf).List()
			if a.jsonOutput {
				return a.printJSON(templates)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tPATH")
			for _, t := range templates {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Source, t.Path)
			}
			_ = w.Flush()
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
