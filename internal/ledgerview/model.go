// Package ledgerview is an interactive inspector for an attempt ledger.
package ledgerview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"buildloop/internal/ledger"
)

const (
	colorAccent    = "86"
	colorHighlight = "205"
	colorDanger    = "196"
	colorMuted     = "241"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent))
	brokenStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorDanger))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorHighlight)).
			Padding(0, 1)
)

type keyMap struct {
	Open   key.Binding
	Back   key.Binding
	Verify key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Open, k.Back, k.Verify, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Open:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "show record")),
	Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Verify: key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "verify chain")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model lists records in a table and shows one in full on demand.
type Model struct {
	ledger *ledger.Ledger
	anchor *ledger.Anchor

	table    table.Model
	viewport viewport.Model
	help     help.Model

	detail   bool
	status   string
	verified *bool
	width    int
	height   int
}

// New builds the inspector over a hydrated ledger. A non-nil anchor is
// used as the tail witness when verifying.
func New(l *ledger.Ledger, anchor *ledger.Anchor) Model {
	columns := []table.Column{
		{Title: "ID", Width: 4},
		{Title: "OK", Width: 4},
		{Title: "Class", Width: 22},
		{Title: "Next", Width: 10},
		{Title: "Bypass", Width: 7},
		{Title: "Hash", Width: 14},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows(l.Records())),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).Foreground(lipgloss.Color(colorAccent))
	s.Selected = s.Selected.Foreground(lipgloss.Color(colorHighlight)).Bold(true)
	t.SetStyles(s)

	vp := viewport.New(80, 20)
	vp.Style = detailStyle
	return Model{
		ledger:   l,
		anchor:   anchor,
		table:    t,
		viewport: vp,
		help:     help.New(),
		width:    80,
		height:   24,
	}
}

func rows(recs []ledger.Record) []table.Row {
	out := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		ok, class := "yes", "-"
		if !r.Success {
			ok = "no"
			class = r.Class().String()
		}
		bypass := "-"
		if r.PlanBypass != nil && r.PlanBypass.Applied {
			bypass = "yes"
		}
		out = append(out, table.Row{
			fmt.Sprint(r.AttemptID),
			ok,
			class,
			r.NextAction.String(),
			bypass,
			shortHash(r.RecordHash),
		})
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetWidth(msg.Width)
		m.table.SetHeight(max(msg.Height-6, 3))
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 3)
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Verify):
			m.verify()
			return m, nil
		case m.detail && (key.Matches(msg, keys.Back) || key.Matches(msg, keys.Open)):
			m.detail = false
			return m, nil
		case !m.detail && key.Matches(msg, keys.Open):
			m.open()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.detail {
		m.viewport, cmd = m.viewport.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m *Model) open() {
	recs := m.ledger.Records()
	i := m.table.Cursor()
	if i < 0 || i >= len(recs) {
		return
	}
	data, err := json.MarshalIndent(recs[i], "", "  ")
	if err != nil {
		m.status = "render failed: " + err.Error()
		return
	}
	m.viewport.SetContent(string(data))
	m.viewport.GotoTop()
	m.detail = true
}

func (m *Model) verify() {
	var (
		ok   bool
		errs []string
	)
	if m.anchor != nil {
		ok, errs = m.ledger.VerifyAgainst(*m.anchor)
	} else {
		ok, errs = m.ledger.VerifyChain()
	}
	m.verified = &ok
	if ok {
		m.status = fmt.Sprintf("chain OK: %d records, tip %s", m.ledger.Len(), shortHash(m.ledger.ChainTip()))
		return
	}
	m.status = fmt.Sprintf("chain BROKEN: %s", strings.Join(errs, "; "))
}

// Status is the last verification verdict, empty before the first verify.
func (m Model) Status() string { return m.status }

// Detail reports whether a record is open.
func (m Model) Detail() bool { return m.detail }

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	title := "ledger " + m.ledger.Path()
	if h, ok := m.ledger.Header(); ok {
		title += "  run " + h.RunID + "  schema " + h.SchemaVersion
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	if m.detail {
		b.WriteString(m.viewport.View())
	} else if m.ledger.Len() == 0 {
		b.WriteString(mutedStyle.Render("no records"))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")
	if m.status != "" {
		style := okStyle
		if m.verified != nil && !*m.verified {
			style = brokenStyle
		}
		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

// Run starts the inspector on the terminal.
func Run(l *ledger.Ledger, anchor *ledger.Anchor) error {
	_, err := tea.NewProgram(New(l, anchor), tea.WithAltScreen()).Run()
	return err
}
