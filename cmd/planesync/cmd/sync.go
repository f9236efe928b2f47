package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"

	"planesync/internal/config"
	"planesync/internal/syncer"
	"planesync/internal/taskfilter"
	"planesync/internal/tui"
	"planesync/internal/utils"
)

// newSyncCmd creates the 'sync' command
func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [PROJECT]",
		Short: "Write a project's tasks to a Markdown report",
		Long: `Fetch the issues of a Plane project, filter and sort them, and render them
with a report template. PROJECT is an identifier, name or id. Without it an
interactive picker is shown when running in a terminal.`,
		Example: `  planesync sync MOBILE --my-tasks
  planesync sync API --priority urgent,high --template brief
  planesync sync WEB --status "In Progress" --output reports/web.html`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runner, conf, err := a.runner(ctx)
			if err != nil {
				return err
			}

			opts, err := syncOptions(cmd, conf)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				opts.Project = args[0]
			}

			if opts.Project == "" && a.interactive() {
				project, err := tui.Run(ctx, runner, a.cfg.Stdin, a.stdout)
				if err != nil {
					return err
				}
				opts.Project = project.ID
			}

			res, err := runner.Run(ctx, opts)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(res)
			}
			printSyncSummary(a, res)
			a.resultCode(ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("my-tasks", false, "Only tasks assigned to user.email")
	cmd.Flags().StringP("assignee", "a", "", "Only tasks assigned to this email, display name or username")
	cmd.Flags().StringP("priority", "p", "", "Comma-separated priorities (urgent,high,medium,low,none)")
	cmd.Flags().StringP("status", "s", "", "Comma-separated state names or ids")
	cmd.Flags().IntP("limit", "n", syncer.DefaultLimit, "Maximum number of tasks (negative for no limit)")
	cmd.Flags().StringP("template", "t", "ai-context", "Report template")
	cmd.Flags().StringP("output", "o", syncer.DefaultOutput, "Output file (.html renders HTML)")
	cmd.Flags().Bool("refresh-users", false, "Drop expired cache entries and cached members first")
	cmd.Flags().Bool("no-cache", false, "Fetch from Plane even when cached data is fresh")
	cmd.Flags().String("order", "desc", "Sort order: desc or asc")
	cmd.Flags().String("updated-since", "", "Only tasks updated within this window, e.g. 7d or 12h")
	return cmd
}

// syncOptions merges the sync flags with the sync section of the config.
// Flags win when given.
func syncOptions(cmd *cobra.Command, conf *config.Config) (syncer.Options, error) {
	flags := cmd.Flags()
	opts := syncer.Options{
		UserEmail:    conf.User.Email,
		Limit:        conf.Sync.Limit,
		Template:     conf.Sync.Template,
		Output:       conf.Sync.Output,
		UpdatedSince: conf.UpdatedSince(),
	}
	opts.MyTasks, _ = flags.GetBool("my-tasks")
	opts.Assignee, _ = flags.GetString("assignee")
	opts.Priorities, _ = flags.GetString("priority")
	opts.States, _ = flags.GetString("status")
	opts.RefreshUsers, _ = flags.GetBool("refresh-users")
	opts.NoCache, _ = flags.GetBool("no-cache")

	if flags.Changed("limit") {
		opts.Limit, _ = flags.GetInt("limit")
	}
	if flags.Changed("template") || opts.Template == "" {
		opts.Template, _ = flags.GetString("template")
	}
	if flags.Changed("output") || opts.Output == "" {
		opts.Output, _ = flags.GetString("output")
	}

	order := conf.Sync.Order
	if flags.Changed("order") || order == "" {
		order, _ = flags.GetString("order")
	}
	parsed, err := taskfilter.ParseOrder(order)
	if err != nil {
		return opts, err
	}
	opts.Order = parsed

	if flags.Changed("updated-since") {
		value, _ := flags.GetString("updated-since")
		opts.UpdatedSince = 0
		if value != "" {
			d, err := str2duration.ParseDuration(value)
			if err != nil || d < 0 {
				return opts, errors.Errorf("invalid --updated-since %q (expected a duration such as 7d or 12h)", value)
			}
			opts.UpdatedSince = d
		}
	}
	return opts, nil
}

func printSyncSummary(a *app, res *syncer.Result) {
	if res.NoTasks {
		_, _ = fmt.Fprintln(a.stdout, warnStyle.Render(res.Describe()))
		return
	}
	lines := []string{
		field("Project", fmt.Sprintf("%s (%s)", res.Project, res.Identifier)),
		field("Tasks", fmt.Sprintf("%d of %d", res.Filtered, res.Total)),
		field("Template", res.Template),
		field("Output", res.OutputPath),
		field("Filter", res.Summary),
		field("Duration", res.Duration.Round(time.Millisecond).String()),
	}
	if res.FromCache {
		lines = append(lines, field("Source", "cache"))
	}
	_, _ = fmt.Fprintln(a.stdout, titleStyle.Render("✓ Plane sync complete"))
	_, _ = fmt.Fprintln(a.stdout, summaryStyle.Render(strings.Join(lines, "\n")))
}

// newProjectsCmd creates the 'projects' command
func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects of the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, conf, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			projects, err := runner.ListProjects(cmd.Context())
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(projects)
			}
			if len(projects) == 0 {
				return utils.ErrNoProjects(conf.Plane.WorkspaceSlug)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, headerStyle.Render("IDENTIFIER")+"\t"+headerStyle.Render("NAME")+"\t"+headerStyle.Render("ID"))
			for _, p := range projects {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Identifier, p.Name, p.ID)
			}
			_ = w.Flush()
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newWhoamiCmd creates the 'whoami' command
func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Test the connection and show the authenticated user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conf, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			me, err := client.TestConnection(cmd.Context())
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(map[string]any{
					"base_url":  client.BaseURL(),
					"workspace": client.Workspace(),
					"user":      me,
				})
			}
			_, _ = fmt.Fprintln(a.stdout, titleStyle.Render("✓ Connected to Plane"))
			lines := []string{
				field("Server", client.BaseURL()),
				field("Workspace", conf.Plane.WorkspaceSlug),
				field("User", me.DisplayLabel()),
			}
			if me.Email != "" {
				lines = append(lines, field("Email", me.Email))
			}
			_, _ = fmt.Fprintln(a.stdout, summaryStyle.Render(strings.Join(lines, "\n")))
			a.resultCode(ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
