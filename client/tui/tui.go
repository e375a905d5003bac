package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ddworken/lookupguard/client/lib"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/muesli/termenv"
)

const TABLE_HEIGHT = 15

var baseStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("240"))

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	creditsStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	exhaustedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type keyMap struct {
	Up   key.Binding
	Down key.Binding
	Help key.Binding
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "ctrl+p"),
		key.WithHelp("↑ ", "scroll up "),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "ctrl+n"),
		key.WithHelp("↓ ", "scroll down "),
	),
	Help: key.NewBinding(
		key.WithKeys("ctrl+h", "?"),
		key.WithHelp("?", "help "),
	),
	Quit: key.NewBinding(
		key.WithKeys("esc", "q", "ctrl+c"),
		key.WithHelp("q", "exit "),
	),
}

type viewMsg propagator.View
type streamClosedMsg struct{}
type errMsg struct{ err error }

type model struct {
	// Model for the loading spinner, shown until the first view arrives.
	spinner    spinner.Model
	connecting bool

	table table.Model
	help  help.Model

	view     *propagator.View
	closed   bool
	fatalErr error
	quitting bool
}

func makeTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Timestamp", Width: 25},
			{Title: "Username", Width: 16},
			{Title: "Kind", Width: 8},
			{Title: "Query", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(TABLE_HEIGHT),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{spinner: s, connecting: true, table: makeTable(), help: help.New()}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func historyRows(v propagator.View) []table.Row {
	rows := make([]table.Row, 0, len(v.History))
	for _, e := range v.History {
		rows = append(rows, table.Row{
			e.Timestamp.Local().Format("Jan 2 2006 15:04:05 MST"),
			e.Username,
			string(e.QueryKind),
			lib.Truncate(e.QueryValue, 30),
		})
	}
	return rows
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		default:
			var cmd tea.Cmd
			m.table, cmd = m.table.Update(msg)
			return m, cmd
		}
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil
	case viewMsg:
		v := propagator.View(msg)
		m.view = &v
		m.connecting = false
		m.table.SetRows(historyRows(v))
		if m.table.Cursor() >= len(v.History) {
			m.table.SetCursor(max(0, len(v.History)-1))
		}
		return m, nil
	case streamClosedMsg:
		m.closed = true
		return m, nil
	case errMsg:
		m.fatalErr = msg.err
		return m, tea.Quit
	default:
		var cmd tea.Cmd
		if m.connecting {
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
}

func (m model) View() string {
	if m.fatalErr != nil {
		return fmt.Sprintf("An unrecoverable error occured: %v\n", m.fatalErr)
	}
	if m.quitting {
		return ""
	}
	if m.connecting {
		return fmt.Sprintf("\n\n   %s Connecting to lookupguard... press q to quit\n\n", m.spinner.View())
	}
	var sb strings.Builder
	v := m.view
	name := v.Username
	if name == "" {
		name = mutedStyle.Render("(no username claimed)")
	}
	sb.WriteString("\n" + titleStyle.Render("lookupguard") + "  " + name + mutedStyle.Render(" @ "+v.Address) + "\n")
	credits := fmt.Sprintf("%d of %d searches remaining today", v.Remaining, v.DailyLimit)
	if v.Remaining == 0 {
		sb.WriteString(exhaustedStyle.Render(credits) + "\n")
	} else {
		sb.WriteString(creditsStyle.Render(credits) + "\n")
	}
	if m.closed {
		sb.WriteString(mutedStyle.Render("Warning: the update stream closed, so this view may be stale") + "\n")
	}
	sb.WriteString("\n" + baseStyle.Render(m.table.View()) + "\n")
	return sb.String() + m.help.View(keys)
}

// Watcher is the part of a backend the dashboard needs.
type Watcher interface {
	Watch(ctx context.Context, onView func(propagator.View)) error
}

// WatchSession shows a live dashboard of the caller's credits and history until the user quits.
func WatchSession(ctx context.Context, w Watcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lipgloss.SetColorProfile(termenv.ANSI)
	p := tea.NewProgram(initialModel(), tea.WithOutput(os.Stderr), tea.WithContext(ctx))
	go func() {
		err := w.Watch(ctx, func(v propagator.View) {
			p.Send(viewMsg(v))
		})
		if err != nil {
			p.Send(errMsg{err})
			return
		}
		p.Send(streamClosedMsg{})
	}()
	finalModel, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := finalModel.(model); ok && m.fatalErr != nil {
		return m.fatalErr
	}
	return nil
}
