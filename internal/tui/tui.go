// Package tui provides an interactive project picker: a filterable project
// list next to a preview of the highlighted project's tasks.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"planesync/backend"
	"planesync/internal/taskfilter"
)

// ErrCancelled is returned by Run when the user leaves without picking.
var ErrCancelled = errors.New("project selection cancelled")

// Backend supplies the data shown in the picker.
type Backend interface {
	ListProjects(ctx context.Context) ([]backend.Project, error)
	ListProjectIssues(ctx context.Context, projectID string) ([]backend.Task, error)
}

// Focus indicates which pane has focus
type Focus int

const (
	FocusProjects Focus = iota
	FocusTasks
)

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeFilter
	ModeHelp
)

const previewLimit = 50

// Model represents the picker state
type Model struct {
	backend Backend
	ctx     context.Context

	// Data
	projects    []backend.Project
	filteredIdx []int // indices into projects for the filtered view
	preview     map[string][]backend.Task
	loading     map[string]bool
	err         error

	// Selection
	projectCursor int
	taskCursor    int
	focus         Focus
	selected      *backend.Project
	cancelled     bool

	// Mode and input
	mode      Mode
	textInput textinput.Model
	filter    string

	// UI dimensions
	width  int
	height int

	// Styles
	projectPaneStyle lipgloss.Style
	taskPaneStyle    lipgloss.Style
	selectedStyle    lipgloss.Style
	dimStyle         lipgloss.Style
	errorStyle       lipgloss.Style
	dialogStyle      lipgloss.Style
	statusBarStyle   lipgloss.Style
}

// Message types
type projectsLoadedMsg struct {
	projects []backend.Project
}

type tasksLoadedMsg struct {
	projectID string
	tasks     []backend.Task
}

type errMsg struct {
	err error
}

// New creates a picker model
func New(ctx context.Context, b Backend) *Model {
	ti := textinput.New()
	ti.Placeholder = "Filter projects..."
	ti.CharLimit = 64

	return &Model{
		backend:   b,
		ctx:       ctx,
		textInput: ti,
		preview:   make(map[string][]backend.Task),
		loading:   make(map[string]bool),
		focus:     FocusProjects,
		mode:      ModeNormal,
		projectPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		taskPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
}

// Selected returns the chosen project, or nil.
func (m *Model) Selected() *backend.Project {
	return m.selected
}

// Cancelled reports whether the user quit without choosing.
func (m *Model) Cancelled() bool {
	return m.cancelled
}

// Init initializes the picker
func (m *Model) Init() tea.Cmd {
	return m.loadProjects()
}

func (m *Model) loadProjects() tea.Cmd {
	return func() tea.Msg {
		projects, err := m.backend.ListProjects(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return projectsLoadedMsg{projects}
	}
}

// loadPreview fetches the tasks of the highlighted project once.
func (m *Model) loadPreview() tea.Cmd {
	p := m.current()
	if p == nil {
		return nil
	}
	if _, ok := m.preview[p.ID]; ok || m.loading[p.ID] {
		return nil
	}
	m.loading[p.ID] = true
	projectID := p.ID
	return func() tea.Msg {
		tasks, err := m.backend.ListProjectIssues(m.ctx, projectID)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{projectID: projectID, tasks: tasks}
	}
}

func (m *Model) current() *backend.Project {
	if m.projectCursor < 0 || m.projectCursor >= len(m.filteredIdx) {
		return nil
	}
	return &m.projects[m.filteredIdx[m.projectCursor]]
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case projectsLoadedMsg:
		m.projects = msg.projects
		m.applyFilter()
		return m, m.loadPreview()

	case tasksLoadedMsg:
		delete(m.loading, msg.projectID)
		sorted := taskfilter.New().WithLimit(previewLimit, 0).Apply(msg.tasks)
		m.preview[msg.projectID] = sorted
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeFilter:
			return m.handleFilterMode(msg)
		case ModeHelp:
			return m.handleHelpMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	return m, nil
}

func (m *Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		m.cancelled = true
		return m, tea.Quit

	case "enter":
		if p := m.current(); p != nil {
			chosen := *p
			m.selected = &chosen
			return m, tea.Quit
		}
		return m, nil

	case "tab":
		if m.focus == FocusProjects {
			m.focus = FocusTasks
		} else {
			m.focus = FocusProjects
		}
		return m, nil

	case "up", "k":
		if m.focus == FocusProjects {
			if m.projectCursor > 0 {
				m.projectCursor--
				m.taskCursor = 0
				return m, m.loadPreview()
			}
		} else if m.taskCursor > 0 {
			m.taskCursor--
		}
		return m, nil

	case "down", "j":
		if m.focus == FocusProjects {
			if m.projectCursor < len(m.filteredIdx)-1 {
				m.projectCursor++
				m.taskCursor = 0
				return m, m.loadPreview()
			}
		} else if p := m.current(); p != nil && m.taskCursor < len(m.preview[p.ID])-1 {
			m.taskCursor++
		}
		return m, nil

	case "/":
		m.mode = ModeFilter
		m.textInput.Reset()
		m.textInput.SetValue(m.filter)
		m.textInput.Focus()
		return m, textinput.Blink

	case "?":
		m.mode = ModeHelp
		return m, nil
	}
	return m, nil
}

func (m *Model) handleFilterMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		m.filter = m.textInput.Value()
		m.applyFilter()
		m.mode = ModeNormal
		return m, m.loadPreview()

	case tea.KeyEsc:
		m.filter = ""
		m.applyFilter()
		m.mode = ModeNormal
		return m, m.loadPreview()
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleHelpMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyEnter:
		m.mode = ModeNormal
		return m, nil
	}
	if msg.String() == "q" || msg.String() == "?" {
		m.mode = ModeNormal
	}
	return m, nil
}

// applyFilter keeps projects whose identifier or name contains the filter.
func (m *Model) applyFilter() {
	m.filteredIdx = nil
	needle := strings.ToLower(strings.TrimSpace(m.filter))
	for i, p := range m.projects {
		if needle == "" ||
			strings.Contains(strings.ToLower(p.Identifier), needle) ||
			strings.Contains(strings.ToLower(p.Name), needle) {
			m.filteredIdx = append(m.filteredIdx, i)
		}
	}
	if m.projectCursor >= len(m.filteredIdx) {
		m.projectCursor = 0
	}
	m.taskCursor = 0
}

// View renders the picker
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	switch m.mode {
	case ModeFilter:
		return m.renderFilterDialog()
	case ModeHelp:
		return m.renderHelpDialog()
	}

	projectWidth := m.width / 3
	taskWidth := m.width - projectWidth - 4

	projectPane := m.projectPaneStyle.Width(projectWidth).Height(m.height - 4).Render(m.renderProjectPane())
	taskPane := m.taskPaneStyle.Width(taskWidth).Height(m.height - 4).Render(m.renderTaskPane(taskWidth - 4))

	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, projectPane, taskPane))
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderProjectPane() string {
	var b strings.Builder
	b.WriteString("Projects\n\n")
	if m.projects == nil && m.err == nil {
		b.WriteString(m.dimStyle.Render("Loading..."))
		return b.String()
	}
	if len(m.filteredIdx) == 0 {
		b.WriteString(m.dimStyle.Render("No matching projects"))
		return b.String()
	}
	for i, idx := range m.filteredIdx {
		p := m.projects[idx]
		line := fmt.Sprintf("%-8s %s", p.Identifier, p.Name)
		if i == m.projectCursor {
			cursor := "> "
			if m.focus != FocusProjects {
				cursor = "* "
			}
			b.WriteString(m.selectedStyle.Render(cursor + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderTaskPane(width int) string {
	var b strings.Builder
	p := m.current()
	if p == nil {
		b.WriteString("Tasks\n")
		return b.String()
	}

	tasks, ok := m.preview[p.ID]
	b.WriteString(fmt.Sprintf("Tasks in %s", p.Label()))
	if ok {
		b.WriteString(fmt.Sprintf(" (%d)", len(tasks)))
	}
	b.WriteString("\n\n")

	switch {
	case m.loading[p.ID]:
		b.WriteString(m.dimStyle.Render("Loading..."))
		return b.String()
	case !ok:
		return b.String()
	case len(tasks) == 0:
		b.WriteString(m.dimStyle.Render("No tasks"))
		return b.String()
	}

	for i, t := range tasks {
		priority := taskfilter.PriorityOf(t)
		if priority == "" {
			priority = taskfilter.PriorityNone
		}
		line := fmt.Sprintf("[%-6s] %s", priority, t.Name())
		if width > 4 && lipgloss.Width(line) > width {
			line = line[:width-3] + "..."
		}
		if m.focus == FocusTasks && i == m.taskCursor {
			b.WriteString(m.selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	status := "enter: sync  /: filter  tab: switch pane  ?: help  q: quit"
	if m.filter != "" {
		status = fmt.Sprintf("filter: %q  |  %s", m.filter, status)
	}
	bar := m.statusBarStyle.Width(m.width).Render(status)
	if m.err != nil {
		return m.errorStyle.Render("Error: "+m.err.Error()) + "\n" + bar
	}
	return bar
}

func (m *Model) renderFilterDialog() string {
	content := "Filter projects\n\n" + m.textInput.View() + "\n\n" + m.dimStyle.Render("enter: apply  esc: clear")
	return m.dialogStyle.Render(content)
}

func (m *Model) renderHelpDialog() string {
	help := `Keyboard shortcuts

  up/k, down/j  move
  tab           switch between projects and tasks
  /             filter projects by identifier or name
  enter         sync the highlighted project
  q, esc        quit without choosing
  ?             toggle this help`
	return m.dialogStyle.Render(help)
}

// Run shows the picker on in/out and returns the chosen project.
// It returns ErrCancelled when the user quits without choosing.
func Run(ctx context.Context, b Backend, in io.Reader, out io.Writer) (*backend.Project, error) {
	model := New(ctx, b)
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return nil, errors.Wrap(err, "project picker failed")
	}
	m, ok := final.(*Model)
	if !ok || m.Selected() == nil {
		return nil, ErrCancelled
	}
	return m.Selected(), nil
}
