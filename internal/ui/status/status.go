// Package status renders a live terminal view of one connection and its
// tunnels, with periodic reachability probes of the local binds.
package status

import (
	"context"
	"fmt"
	"time"

	"charm.land/bubbles/v2/table"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/probe"
)

// connState is the lifecycle phase shown in the header.
type connState int

const (
	stateUnknown connState = iota
	stateOpen
	stateLost
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateLost:
		return "lost"
	case stateClosed:
		return "closed"
	default:
		return "pending"
	}
}

// tunnelRow is one rendered table row, assembled off the UI goroutine.
type tunnelRow struct {
	local   string
	target  string
	claims  int
	up      bool
	latency time.Duration
}

// refreshMsg carries a consistent snapshot of connection state, tunnels, and
// probe results.
type refreshMsg struct {
	state connState
	rows  []tunnelRow
}

// tickMsg triggers the next refresh cycle.
type tickMsg struct{}

// resetDoneMsg reports the outcome of a manual reconnect.
type resetDoneMsg struct {
	err error
}

// Config holds the parameters needed to create a status Model.
type Config struct {
	Conn *conn.Conn

	// Interval is the probe cadence. If zero, defaults to 2 seconds.
	Interval time.Duration

	// Prober runs the reachability checks. If nil, a default Prober is used.
	Prober *probe.Prober
}

// Model is the root Bubble Tea model for the status view.
type Model struct {
	conn     *conn.Conn
	prober   *probe.Prober
	interval time.Duration

	table     table.Model
	state     connState
	rows      []tunnelRow
	resetting bool
	lastErr   error

	width  int
	height int
}

// New creates a status Model from the given config.
func New(cfg Config) Model {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Prober == nil {
		cfg.Prober = &probe.Prober{Timeout: time.Second}
	}

	columns := []table.Column{
		{Title: "Local", Width: 22},
		{Title: "Target", Width: 28},
		{Title: "Claims", Width: 6},
		{Title: "Probe", Width: 6},
		{Title: "Latency", Width: 9},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		conn:     cfg.Conn,
		prober:   cfg.Prober,
		interval: cfg.Interval,
		table:    t,
	}
}

// Init kicks off the first refresh immediately.
func (m Model) Init() tea.Cmd {
	return m.refreshCmd()
}

// Update handles all messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.resetting {
				m.resetting = true
				return m, resetCmd(m.conn)
			}
			return m, nil
		}

	case tickMsg:
		return m, m.refreshCmd()

	case refreshMsg:
		m.state = msg.state
		m.rows = msg.rows
		m.table.SetRows(buildRows(msg.rows))
		return m, tickCmd(m.interval)

	case resetDoneMsg:
		m.resetting = false
		m.lastErr = msg.err
		return m, m.refreshCmd()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// refreshCmd snapshots the connection and probes every tunnel's local bind
// off the UI goroutine.
func (m Model) refreshCmd() tea.Cmd {
	c := m.conn
	prober := m.prober
	return func() tea.Msg {
		tunnels := c.Tunnels()

		targets := make([]probe.Target, len(tunnels))
		for i, t := range tunnels {
			targets[i] = probe.Target{
				Label:    t.Target().String(),
				Endpoint: endpoint.New("127.0.0.1", t.LocalPort()),
			}
		}
		results := prober.Run(context.Background(), targets)

		rows := make([]tunnelRow, len(tunnels))
		for i, t := range tunnels {
			rows[i] = tunnelRow{
				local:   t.LocalAddr(),
				target:  t.Target().String(),
				claims:  t.Claims(),
				up:      results[i].Up,
				latency: results[i].Latency,
			}
		}

		return refreshMsg{state: snapshotState(c), rows: rows}
	}
}

func snapshotState(c *conn.Conn) connState {
	switch {
	case c.IsClosed():
		return stateClosed
	case c.IsOpen():
		return stateOpen
	case c.IsLost():
		return stateLost
	default:
		return stateUnknown
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func resetCmd(c *conn.Conn) tea.Cmd {
	return func() tea.Msg {
		return resetDoneMsg{err: c.Reset(context.Background())}
	}
}

func buildRows(rows []tunnelRow) []table.Row {
	out := make([]table.Row, len(rows))
	for i, r := range rows {
		probeStr := "down"
		latencyStr := ""
		if r.up {
			probeStr = "up"
			latencyStr = formatLatency(r.latency)
		}
		out[i] = table.Row{r.local, r.target, fmt.Sprintf("%d", r.claims), probeStr, latencyStr}
	}
	return out
}

func formatLatency(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func (m *Model) resize() {
	tableHeight := m.height - 5 // header, status bar, pane borders
	if tableHeight < 3 {
		tableHeight = 3
	}
	m.table.SetWidth(m.width - 2)
	m.table.SetHeight(tableHeight)
}

// View renders the full status view.
func (m Model) View() tea.View {
	if m.width == 0 || m.height == 0 {
		return tea.NewView("Loading...")
	}

	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

func (m Model) renderContent() string {
	header := m.renderHeader()
	pane := paneStyle.Width(m.width).Render(m.table.View())
	bar := m.renderStatusBar()
	return lipgloss.JoinVertical(lipgloss.Left, header, pane, bar)
}

func (m Model) renderHeader() string {
	state := m.state.String()
	var stateStr string
	switch {
	case m.resetting:
		stateStr = stateLostStyle.Render("reconnecting...")
	case m.state == stateOpen:
		stateStr = stateOpenStyle.Render(state)
	case m.state == stateLost:
		stateStr = stateLostStyle.Render(state)
	default:
		stateStr = stateSubtleStyle.Render(state)
	}
	return headerStyle.Render(fmt.Sprintf(" %s ", m.conn.Endpoint())) + " " + stateStr
}

func (m Model) renderStatusBar() string {
	left := fmt.Sprintf(" %d tunnels", len(m.rows))
	if m.lastErr != nil {
		left += " │ " + stateLostStyle.Render(m.lastErr.Error())
	}

	right := helpKeyStyle.Render("r") + helpDescStyle.Render(" reconnect") +
		"  " + helpKeyStyle.Render("q") + helpDescStyle.Render(" quit") + " "

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	middle := fmt.Sprintf("%*s", gap, "")

	return statusBarStyle.Width(m.width).Render(left + middle + right)
}
