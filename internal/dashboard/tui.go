// Package dashboard is a terminal UI that watches a running kiln daemon over
// its websocket event feed: active workflows, recent outcomes, yolo decisions,
// and the raw event log.
package dashboard

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/yolo"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

const (
	maxEventLines  = 100
	maxHistoryRows = 5
	maxDecisionRow = 5
	reconnectDelay = 3 * time.Second
)

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7ec699")) // sage green

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))
)

// activeRun is one workflow currently holding a dispatcher slot.
type activeRun struct {
	IssueRef string
	Workflow string
	Started  time.Time
}

// finishedRun is a completed workflow kept for the history panel.
type finishedRun struct {
	IssueRef string
	Workflow string
	Success  bool
	Detail   string
	Duration time.Duration
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	addr      string
	version   string
	decisions *yolo.DecisionStore

	conn      *websocket.Conn
	connected bool
	connErr   string

	active      []activeRun
	history     []finishedRun
	eventLog    []string
	recentYolo  []yolo.Decision
	lastPoll    time.Time
	hibernating bool

	totalRuns  int
	failedRuns int
	advanced   int

	showEvents bool
	width      int
	height     int
	quitting   bool
}

// NewModel creates a dashboard model. The decision store may be nil when the
// daemon runs without yolo history.
func NewModel(version, addr string, decisions *yolo.DecisionStore) Model {
	return Model{
		addr:       addr,
		version:    version,
		decisions:  decisions,
		showEvents: true,
	}
}

type tickMsg time.Time

type connectedMsg struct{ conn *websocket.Conn }

type connErrMsg struct{ err error }

type retryMsg struct{}

type eventMsg events.Event

type decisionsMsg []yolo.Decision

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func connectCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return connErrMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readCmd blocks on one websocket frame. bubbletea runs commands on their own
// goroutines, so the read never stalls the UI loop.
func readCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			return connErrMsg{err: err}
		}
		return eventMsg(e)
	}
}

func retryCmd() tea.Cmd {
	return tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
		return retryMsg{}
	})
}

func (m Model) loadDecisionsCmd() tea.Cmd {
	store := m.decisions
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		recent, err := store.Recent(maxDecisionRow)
		if err != nil {
			return nil
		}
		return decisionsMsg(recent)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		connectCmd(m.addr),
		m.loadDecisionsCmd(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return m, tea.Quit
		case "e":
			m.showEvents = !m.showEvents
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// Elapsed times in the active panel advance on the tick; decisions
		// refresh at the same cadence since yolo moves are rare.
		return m, tea.Batch(tickCmd(), m.loadDecisionsCmd())

	case connectedMsg:
		m.conn = msg.conn
		m.connected = true
		m.connErr = ""
		m.appendLog(dimStyle.Render("connected to " + m.addr))
		return m, readCmd(m.conn)

	case connErrMsg:
		m.connected = false
		m.conn = nil
		m.connErr = msg.err.Error()
		return m, retryCmd()

	case retryMsg:
		return m, connectCmd(m.addr)

	case eventMsg:
		m.applyEvent(events.Event(msg))
		if m.conn == nil {
			return m, nil
		}
		return m, readCmd(m.conn)

	case decisionsMsg:
		m.recentYolo = msg
	}

	return m, nil
}

// applyEvent folds one daemon event into the display state.
func (m *Model) applyEvent(e events.Event) {
	switch e.Kind {
	case events.KindPoll:
		m.lastPoll = e.Time
		return // too chatty for the log

	case events.KindRunStarted:
		m.active = append(m.active, activeRun{
			IssueRef: e.IssueRef,
			Workflow: e.Workflow,
			Started:  e.Time,
		})
		m.totalRuns++

	case events.KindRunFinished:
		m.finishRun(e, true)

	case events.KindRunFailed:
		m.finishRun(e, false)
		m.failedRuns++

	case events.KindHibernate:
		m.hibernating = true

	case events.KindResume:
		m.hibernating = false

	case events.KindAdvance:
		m.advanced++
	}

	m.appendLog(formatEventLine(e))
}

func (m *Model) finishRun(e events.Event, success bool) {
	var started time.Time
	kept := m.active[:0]
	for _, r := range m.active {
		if r.IssueRef == e.IssueRef && r.Workflow == e.Workflow {
			started = r.Started
			continue
		}
		kept = append(kept, r)
	}
	m.active = kept

	var dur time.Duration
	if !started.IsZero() {
		dur = e.Time.Sub(started)
	}
	m.history = append(m.history, finishedRun{
		IssueRef: e.IssueRef,
		Workflow: e.Workflow,
		Success:  success,
		Detail:   e.Detail,
		Duration: dur,
	})
	if len(m.history) > maxHistoryRows {
		m.history = m.history[len(m.history)-maxHistoryRows:]
	}
}

func (m *Model) appendLog(line string) {
	m.eventLog = append(m.eventLog, line)
	if len(m.eventLog) > maxEventLines {
		m.eventLog = m.eventLog[1:]
	}
}

// formatEventLine renders one event for the log panel.
func formatEventLine(e events.Event) string {
	t := e.Time.Local().Format("15:04:05")
	parts := []string{t, e.Kind}
	if e.IssueRef != "" {
		parts = append(parts, e.IssueRef)
	}
	if e.Workflow != "" {
		parts = append(parts, e.Workflow)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, "  ")
}

func (m Model) View() string {
	if m.quitting {
		return "kiln dashboard stopped.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  KILN %s", m.version)))
	b.WriteString("\n\n")

	b.WriteString(m.renderDaemonPanel())
	b.WriteString("\n")
	b.WriteString(m.renderActivePanel())
	b.WriteString("\n")
	b.WriteString(m.renderHistoryPanel())
	b.WriteString("\n")
	if m.decisions != nil {
		b.WriteString(m.renderYoloPanel())
		b.WriteString("\n")
	}
	if m.showEvents {
		b.WriteString(m.renderEventsPanel())
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  e: events"))
	return b.String()
}

func (m Model) renderDaemonPanel() string {
	var content strings.Builder
	w := panelInnerWidth

	if m.connected {
		content.WriteString(dotLeaderStyled("Daemon", "connected", okStyle, w))
	} else if m.connErr != "" {
		content.WriteString(dotLeaderStyled("Daemon", "unreachable", failStyle, w))
	} else {
		content.WriteString(dotLeaderStyled("Daemon", "connecting", dimStyle, w))
	}
	content.WriteString("\n")

	poll := "never"
	if !m.lastPoll.IsZero() {
		poll = formatElapsed(time.Since(m.lastPoll)) + " ago"
	}
	content.WriteString(dotLeader("Last poll", poll, w))
	content.WriteString("\n")

	if m.hibernating {
		content.WriteString(dotLeaderStyled("State", "hibernating", warnStyle, w))
	} else {
		content.WriteString(dotLeader("State", "polling", w))
	}
	content.WriteString("\n")

	content.WriteString(dotLeader("Runs", fmt.Sprintf("%d started / %d failed", m.totalRuns, m.failedRuns), w))
	if m.advanced > 0 {
		content.WriteString("\n")
		content.WriteString(dotLeader("Yolo advances", fmt.Sprintf("%d", m.advanced), w))
	}

	return renderPanel("DAEMON", content.String())
}

func (m Model) renderActivePanel() string {
	if len(m.active) == 0 {
		return renderPanel("ACTIVE WORKFLOWS", dimStyle.Render("  Idle"))
	}

	var content strings.Builder
	for i, r := range m.active {
		if i > 0 {
			content.WriteString("\n")
		}
		elapsed := formatElapsed(time.Since(r.Started))
		line := fmt.Sprintf("  ▶ %s  %s", r.IssueRef, r.Workflow)
		content.WriteString(truncateVisual(line, panelInnerWidth-len(elapsed)-2))
		content.WriteString(" ")
		content.WriteString(dimStyle.Render(elapsed))
	}
	return renderPanel("ACTIVE WORKFLOWS", content.String())
}

func (m Model) renderHistoryPanel() string {
	if len(m.history) == 0 {
		return renderPanel("RECENT RUNS", dimStyle.Render("  No runs yet"))
	}

	var content strings.Builder
	// Newest on top.
	for i := len(m.history) - 1; i >= 0; i-- {
		r := m.history[i]
		if i < len(m.history)-1 {
			content.WriteString("\n")
		}
		mark := okStyle.Render("✓")
		if !r.Success {
			mark = failStyle.Render("✗")
		}
		line := fmt.Sprintf("%s  %s", r.IssueRef, r.Workflow)
		if r.Detail != "" && !r.Success {
			line += "  " + r.Detail
		}
		dur := ""
		if r.Duration > 0 {
			dur = formatElapsed(r.Duration)
		}
		content.WriteString("  " + mark + " ")
		content.WriteString(truncateVisual(line, panelInnerWidth-4-lipgloss.Width(dur)-1))
		if dur != "" {
			content.WriteString(" " + dimStyle.Render(dur))
		}
	}
	return renderPanel("RECENT RUNS", content.String())
}

func (m Model) renderYoloPanel() string {
	if len(m.recentYolo) == 0 {
		return renderPanel("YOLO DECISIONS", dimStyle.Render("  None recorded"))
	}

	var content strings.Builder
	for i, d := range m.recentYolo {
		if i > 0 {
			content.WriteString("\n")
		}
		var line string
		if d.Outcome == yolo.OutcomeAdvanced {
			line = fmt.Sprintf("  %s %s  %s → %s",
				okStyle.Render("→"), d.IssueRef, d.FromStatus, d.ToStatus)
		} else {
			line = fmt.Sprintf("  %s %s  %s (%s)",
				warnStyle.Render("∅"), d.IssueRef, d.FromStatus, d.Reason)
		}
		content.WriteString(truncateVisual(line, panelInnerWidth))
	}
	return renderPanel("YOLO DECISIONS", content.String())
}

func (m Model) renderEventsPanel() string {
	rows := 8
	start := len(m.eventLog) - rows
	if start < 0 {
		start = 0
	}
	lines := m.eventLog[start:]
	if len(lines) == 0 {
		return renderPanel("EVENTS", dimStyle.Render("  Waiting for events"))
	}

	var content strings.Builder
	for i, l := range lines {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString("  " + truncateVisual(l, panelInnerWidth-2))
	}
	return renderPanel("EVENTS", content.String())
}

// renderPanel builds a fixed-width box:
// ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string
	lines = append(lines, buildTopBorder(title))
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildBottomBorder())
	return strings.Join(lines, "\n")
}

func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")
	dashCount := panelTotalWidth - prefixWidth - 1
	if dashCount < 0 {
		dashCount = 0
	}
	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) +
		borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

func buildContentLine(content string) string {
	adjusted := padOrTruncate(content, panelTotalWidth-4)
	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

// padOrTruncate fits a (possibly styled) line to an exact visual width.
func padOrTruncate(s string, width int) string {
	visual := lipgloss.Width(s)
	if visual > width {
		return truncateVisual(s, width)
	}
	return s + strings.Repeat(" ", width-visual)
}

// truncateVisual shortens s to targetWidth visual columns, appending "..."
// when anything was cut. Styled strings are measured, not byte-counted.
func truncateVisual(s string, targetWidth int) string {
	if lipgloss.Width(s) <= targetWidth {
		return s
	}
	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}
	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}
	for width < targetWidth-3 {
		result += " "
		width++
	}
	return result + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value".
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled is dotLeader with the value styled; width is measured on
// the raw value so the dots line up across rows.
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}

// formatElapsed renders a duration compactly: 42s, 3m05s, 1h12m.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Run starts the dashboard against a daemon's event address.
func Run(version, addr string, decisions *yolo.DecisionStore) error {
	p := tea.NewProgram(
		NewModel(version, addr, decisions),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
