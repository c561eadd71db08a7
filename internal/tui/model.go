package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pbparthas/scriptlock/internal/state"
)

const historyDepth = 10

// View represents the current view.
type View int

const (
	ViewList View = iota
	ViewDetail
)

// LockSource is the read side of the lock manager used by the dashboard.
type LockSource interface {
	ListActive(ctx context.Context, projectID string) ([]*state.Lock, error)
	History(ctx context.Context, resourceID string, limit int) ([]*state.Lock, error)
}

// Options configures the dashboard.
type Options struct {
	ProjectID       string
	RefreshInterval time.Duration
	// WarnThreshold marks locks expiring within it.
	WarnThreshold time.Duration
	Now           func() time.Time
}

// Model is the Bubble Tea model for the lock dashboard.
type Model struct {
	ctx           context.Context
	cancel        context.CancelFunc
	source        LockSource
	opts          Options
	locks         []*state.Lock
	history       []*state.Lock
	table         table.Model
	currentView   View
	selectedIndex int
	width         int
	height        int
	lastRefresh   time.Time
	err           error
	quitting      bool
}

// KeyMap defines the keybindings.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Back    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

var keys = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Enter: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "details"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc", "backspace"),
		key.WithHelp("esc", "back"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Messages
type tickMsg time.Time
type refreshMsg []*state.Lock
type historyMsg []*state.Lock
type errMsg struct{ err error }

// NewModel creates a dashboard over source.
func NewModel(ctx context.Context, source LockSource, opts Options) Model {
	ctx, cancel := context.WithCancel(ctx)
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	columns := []table.Column{
		{Title: "RESOURCE", Width: 28},
		{Title: "OWNER", Width: 16},
		{Title: "PROJECT", Width: 14},
		{Title: "STATUS", Width: 12},
		{Title: "REMAINING", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorMuted).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("15")).
		Background(ColorPrimary).
		Bold(false)
	t.SetStyles(s)

	return Model{
		ctx:         ctx,
		cancel:      cancel,
		source:      source,
		opts:        opts,
		table:       t,
		currentView: ViewList,
	}
}

// StatusOf classifies l at now.
func StatusOf(l *state.Lock, now time.Time, warn time.Duration) string {
	switch {
	case l.Released:
		return StatusReleased
	case !l.IsActive(now):
		return StatusExpired
	case warn > 0 && l.Remaining(now) <= warn:
		return StatusExpiring
	default:
		return StatusHeld
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadLocks(),
		m.tick(),
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.cancel()
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Refresh):
			return m, m.loadLocks()

		case key.Matches(msg, keys.Enter):
			if m.currentView == ViewList && len(m.locks) > 0 {
				m.selectedIndex = m.table.Cursor()
				m.currentView = ViewDetail
				m.history = nil
				return m, m.loadHistory(m.locks[m.selectedIndex].ResourceID)
			}
			return m, nil

		case key.Matches(msg, keys.Back):
			if m.currentView == ViewDetail {
				m.currentView = ViewList
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width - 4)
		m.table.SetHeight(msg.Height - 10)

	case tickMsg:
		return m, tea.Batch(m.loadLocks(), m.tick())

	case refreshMsg:
		m.locks = msg
		m.err = nil
		m.lastRefresh = m.opts.Now()
		if m.selectedIndex >= len(m.locks) {
			m.selectedIndex = 0
			m.currentView = ViewList
		}
		m.updateTable()
		return m, nil

	case historyMsg:
		m.history = msg
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	if m.currentView == ViewList {
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return ErrorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}

	switch m.currentView {
	case ViewDetail:
		return m.detailView()
	default:
		return m.listView()
	}
}

func (m *Model) listView() string {
	var s string

	title := "scriptlock monitor"
	if m.opts.ProjectID != "" {
		title += " · " + m.opts.ProjectID
	}
	s += TitleStyle.Render(title) + "\n\n"

	if len(m.locks) == 0 {
		s += ValueStyle.Render("No active locks.") + "\n"
	} else {
		s += m.table.View() + "\n"
	}

	s += HelpStyle.Render(fmt.Sprintf(
		"[↑↓] Navigate  [Enter] Details  [r] Refresh  [q] Quit  |  %d held  |  Last refresh: %s",
		len(m.locks), m.lastRefresh.Format("15:04:05"),
	))

	return s
}

func (m *Model) detailView() string {
	if m.selectedIndex >= len(m.locks) {
		return "No lock selected"
	}

	l := m.locks[m.selectedIndex]
	now := m.opts.Now()
	status := StatusOf(l, now, m.opts.WarnThreshold)

	var s string
	s += TitleStyle.Render(fmt.Sprintf("Resource: %s", l.ResourceID)) + "\n\n"

	s += LabelStyle.Render("Lock ID:") + ValueStyle.Render(l.ID) + "\n"
	s += LabelStyle.Render("Owner:") + ValueStyle.Render(l.OwnerID) + "\n"
	if l.ProjectID != "" {
		s += LabelStyle.Render("Project:") + ValueStyle.Render(l.ProjectID) + "\n"
	}
	if l.FilePath != "" {
		s += LabelStyle.Render("File:") + ValueStyle.Render(l.FilePath) + "\n"
	}
	s += LabelStyle.Render("Status:") + GetStatusStyle(status).Render(status) + "\n"
	s += LabelStyle.Render("Acquired:") + ValueStyle.Render(l.AcquiredAt.Local().Format("2006-01-02 15:04:05")) + "\n"
	s += LabelStyle.Render("Expires:") + ValueStyle.Render(l.ExpiresAt.Local().Format("2006-01-02 15:04:05")) + "\n"
	s += LabelStyle.Render("Remaining:") + ValueStyle.Render(FormatRemaining(l.Remaining(now))) + "\n\n"

	if len(m.history) > 0 {
		s += LabelStyle.Render("History:") + "\n"
		for _, h := range m.history {
			hs := StatusOf(h, now, 0)
			style := GetStatusStyle(hs)
			s += fmt.Sprintf("  %s %s %s %s\n",
				style.Render(GetStatusIcon(hs)),
				ValueStyle.Render(h.AcquiredAt.Local().Format("01-02 15:04")),
				ValueStyle.Render(h.OwnerID),
				style.Render(hs),
			)
		}
	}

	s += HelpStyle.Render("[Esc] Back  [r] Refresh  [q] Quit")

	return s
}

func (m *Model) updateTable() {
	now := m.opts.Now()
	rows := make([]table.Row, len(m.locks))
	for i, l := range m.locks {
		project := l.ProjectID
		if project == "" {
			project = "-"
		}
		status := StatusOf(l, now, m.opts.WarnThreshold)

		rows[i] = table.Row{
			l.ResourceID,
			l.OwnerID,
			project,
			GetStatusIcon(status) + " " + status,
			FormatRemaining(l.Remaining(now)),
		}
	}
	m.table.SetRows(rows)
}

// FormatRemaining renders d rounded to seconds, or "-" once it has run out.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadLocks() tea.Cmd {
	return func() tea.Msg {
		locks, err := m.source.ListActive(m.ctx, m.opts.ProjectID)
		if err != nil {
			return errMsg{err}
		}
		return refreshMsg(locks)
	}
}

func (m Model) loadHistory(resourceID string) tea.Cmd {
	return func() tea.Msg {
		history, err := m.source.History(m.ctx, resourceID, historyDepth)
		if err != nil {
			return errMsg{err}
		}
		return historyMsg(history)
	}
}
