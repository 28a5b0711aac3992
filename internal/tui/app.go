// Package tui provides the interactive terminal dashboard for tidecron:
// a live, auto-refreshing view of schedules, jobs, and tasks polled
// from the control server. Styling, the Bubble Tea model shape, and
// the tick-driven refresh loop are grounded on the teacher's tui/app.go
// (and its workers panel in particular); the teacher's slash-command
// input bar and agent/auth panels have no analog in this domain and
// are dropped in favor of a tabbed read-only dashboard, since a
// scheduler's control surface is inspection more than freeform command
// entry. The former cmdbar.go/suggestions.go/tasklist.go/taskdetail.go
// are folded into this one file along with it.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().Background(lipgloss.Color("#374151")).Foreground(fgColor).Padding(0, 1)

	tabStyle       = lipgloss.NewStyle().Padding(0, 2).Foreground(mutedColor)
	activeTabStyle = lipgloss.NewStyle().Padding(0, 2).Foreground(fgColor).Background(primaryColor).Bold(true)

	selectedRowStyle = lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)

	helpStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
)

type tab int

const (
	tabSchedules tab = iota
	tabJobs
	tabTasks
)

var tabNames = []string{"Schedules", "Jobs", "Tasks"}

// App is the main TUI application model.
type App struct {
	client *Client

	active      tab
	schedules   []ScheduleItem
	jobs        []JobItem
	tasks       []TaskItem
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int

	daemonOnline bool
	message      string
}

// New creates a new TUI application pointed at the control server at addr.
func New(addr string) *App {
	return &App{client: NewClient(addr), viewport: viewport.New(80, 20)}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.checkHealth(), tick())
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type schedulesMsg struct {
	items []ScheduleItem
	err   error
}
type jobsMsg struct {
	items []JobItem
	err   error
}
type tasksMsg struct {
	items []TaskItem
	err   error
}
type healthMsg struct{ online bool }

func (a *App) refresh() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { items, err := a.client.ListSchedules(); return schedulesMsg{items, err} },
		func() tea.Msg { items, err := a.client.ListJobs(); return jobsMsg{items, err} },
		func() tea.Msg { items, err := a.client.ListTasks(); return tasksMsg{items, err} },
	)
}

func (a *App) checkHealth() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return healthMsg{online: ok}
	}
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "tab":
			a.active = (a.active + 1) % tab(len(tabNames))
			a.selectedIdx = 0
		case "shift+tab":
			a.active = (a.active - 1 + tab(len(tabNames))) % tab(len(tabNames))
			a.selectedIdx = 0
		case "up", "k":
			if a.selectedIdx > 0 {
				a.selectedIdx--
			}
		case "down", "j":
			if a.selectedIdx < a.rowCount()-1 {
				a.selectedIdx++
			}
		case "r":
			return a, a.refresh()
		}
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 6
	case schedulesMsg:
		if msg.err != nil {
			a.message = msg.err.Error()
		} else {
			a.schedules = msg.items
		}
	case jobsMsg:
		if msg.err != nil {
			a.message = msg.err.Error()
		} else {
			a.jobs = msg.items
		}
	case tasksMsg:
		if msg.err != nil {
			a.message = msg.err.Error()
		} else {
			a.tasks = msg.items
		}
	case healthMsg:
		a.daemonOnline = msg.online
	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkHealth(), tick())
	}
	return a, nil
}

func (a *App) rowCount() int {
	switch a.active {
	case tabSchedules:
		return len(a.schedules)
	case tabJobs:
		return len(a.jobs)
	default:
		return len(a.tasks)
	}
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tidecron") + " ")
	if a.daemonOnline {
		b.WriteString(onlineStyle.Render("● online"))
	} else {
		b.WriteString(offlineStyle.Render("● offline"))
	}
	b.WriteString("\n\n")

	for i, name := range tabNames {
		if tab(i) == a.active {
			b.WriteString(activeTabStyle.Render(name))
		} else {
			b.WriteString(tabStyle.Render(name))
		}
	}
	b.WriteString("\n\n")

	switch a.active {
	case tabSchedules:
		b.WriteString(a.renderSchedules())
	case tabJobs:
		b.WriteString(a.renderJobs())
	case tabTasks:
		b.WriteString(a.renderTasks())
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(a.message))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab: switch view  ↑/↓: select  r: refresh  q: quit"))
	return b.String()
}

func (a *App) renderSchedules() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-36s %-20s %-10s %-25s\n", "ID", "TASK", "COALESCE", "NEXT FIRE"))
	for i, s := range a.schedules {
		line := fmt.Sprintf("%-36s %-20s %-10s %-25s", truncate(s.ID, 36), truncate(s.TaskID, 20), s.Coalesce, s.NextFireTime)
		if i == a.selectedIdx {
			line = selectedRowStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if len(a.schedules) == 0 {
		b.WriteString(helpStyle.Render("no schedules\n"))
	}
	return b.String()
}

func (a *App) renderJobs() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-36s %-20s %-25s %-20s\n", "ID", "TASK", "CREATED", "ACQUIRED BY"))
	for i, j := range a.jobs {
		line := fmt.Sprintf("%-36s %-20s %-25s %-20s", truncate(j.ID, 36), truncate(j.TaskID, 20), j.CreatedAt, j.AcquiredBy)
		if i == a.selectedIdx {
			line = selectedRowStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if len(a.jobs) == 0 {
		b.WriteString(helpStyle.Render("no pending jobs\n"))
	}
	return b.String()
}

func (a *App) renderTasks() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-30s %-15s %-15s\n", "ID", "MAX RUNNING", "RUNNING"))
	for i, t := range a.tasks {
		line := fmt.Sprintf("%-30s %-15s %-15d", truncate(t.ID, 30), t.MaxRunningJobs, t.RunningJobs)
		if i == a.selectedIdx {
			line = selectedRowStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if len(a.tasks) == 0 {
		b.WriteString(helpStyle.Render("no tasks\n"))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var _ = warningColor // reserved for a future degraded-worker indicator
