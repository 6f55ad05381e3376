// Package tui renders a compact operator console: system status, live
// telemetry, and the event tail, with start/stop keybindings.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skybeam/groundstation/internal/statestore"
	"github.com/skybeam/groundstation/internal/supervisor"
)

const refreshInterval = 500 * time.Millisecond

const eventTailLines = 12

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext  = lipgloss.Color("#a6adc8")
	colorSurface  = lipgloss.Color("#45475a")
	colorRed      = lipgloss.Color("#f38ba8")
	colorGreen    = lipgloss.Color("#a6e3a1")
	colorYellow   = lipgloss.Color("#f9e2af")
	colorBlue     = lipgloss.Color("#89b4fa")
	colorPeach    = lipgloss.Color("#fab387")
	colorLavender = lipgloss.Color("#b4befe")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorLavender)
	labelStyle = lipgloss.NewStyle().Foreground(colorSubtext)
	valueStyle = lipgloss.NewStyle().Foreground(colorText)
	cardStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSurface).
			Padding(0, 1)
	helpStyle = lipgloss.NewStyle().Foreground(colorSubtext)
)

func statusStyle(s statestore.Status) lipgloss.Style {
	switch s {
	case statestore.StatusRamping:
		return lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	case statestore.StatusReady:
		return lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	case statestore.StatusConnecting, statestore.StatusStopping:
		return lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	case statestore.StatusSafe:
		return lipgloss.NewStyle().Bold(true).Foreground(colorPeach)
	default:
		return lipgloss.NewStyle().Bold(true).Foreground(colorSubtext)
	}
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case statestore.LevelError:
		return lipgloss.NewStyle().Foreground(colorRed)
	case statestore.LevelWarn:
		return lipgloss.NewStyle().Foreground(colorYellow)
	default:
		return lipgloss.NewStyle().Foreground(colorSubtext)
	}
}

type tickMsg time.Time

type startResultMsg struct{ err error }

// Model is the bubbletea model for the operator console.
type Model struct {
	store  *statestore.Store
	sup    *supervisor.Supervisor
	params supervisor.RampParams
	keys   KeyMap

	width    int
	height   int
	lastErr  string
	starting bool
	stopping bool
}

// New builds the console model. params is the run the "s" key starts.
func New(store *statestore.Store, sup *supervisor.Supervisor, params supervisor.RampParams) Model {
	return Model{store: store, sup: sup, params: params, keys: DefaultKeyMap()}
}

// Run drives the console until the operator quits.
func Run(store *statestore.Store, sup *supervisor.Supervisor, params supervisor.RampParams) error {
	p := tea.NewProgram(New(store, sup, params), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if m.stopping && !m.sup.Running() {
			m.stopping = false
		}
		return m, tick()

	case startResultMsg:
		m.starting = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		} else {
			m.lastErr = ""
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Start):
			if m.starting || m.sup.Running() {
				return m, nil
			}
			m.starting = true
			m.lastErr = ""
			sup, params := m.sup, m.params
			return m, func() tea.Msg {
				_, err := sup.StartAll(context.Background(), params)
				return startResultMsg{err: err}
			}
		case key.Matches(msg, m.keys.Stop):
			if m.stopping {
				return m, nil
			}
			m.stopping = true
			sup := m.sup
			return m, func() tea.Msg {
				sup.StopAll(context.Background())
				return nil
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	width := m.width
	if width < 40 {
		width = 100
	}
	contentWidth := width - 4

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderTelemetryCard(contentWidth))
	sections = append(sections, m.renderEventsCard(contentWidth))
	if m.lastErr != "" {
		sections = append(sections, levelStyle(statestore.LevelError).Render("start failed: "+m.lastErr))
	}
	sections = append(sections, helpStyle.Render(m.keys.helpLine()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	status := m.store.Status()
	parts := []string{
		titleStyle.Render("groundstation"),
		statusStyle(status).Render(string(status)),
	}
	if id := m.store.SessionID(); id != "" {
		parts = append(parts,
			labelStyle.Render("session:")+" "+valueStyle.Render(id),
			labelStyle.Render("elapsed:")+" "+valueStyle.Render(m.store.SessionDuration().Truncate(time.Second).String()))
	}
	if m.starting {
		parts = append(parts, lipgloss.NewStyle().Foreground(colorYellow).Render("starting…"))
	}
	if m.stopping {
		parts = append(parts, lipgloss.NewStyle().Foreground(colorYellow).Render("stopping…"))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderTelemetryCard(width int) string {
	t := m.store.TelemetrySnapshot()
	p95, p99 := m.store.RTTPercentiles()

	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + " " + valueStyle.Render(value) + "\n")
	}

	row("Permit:", permitLine(t))
	row("Power: ", powerLine(t))
	row("Link:  ", linkLine(t, p95, p99))
	if t.RampLevelStr != "" {
		row("Ramp:  ", t.RampLevelStr)
	}
	if t.RelayUplink.Total > 0 || t.RelayDownlink.Total > 0 {
		row("Relay: ", relayLine(t))
	}

	return cardStyle.Width(width).Render(
		titleStyle.Render("Telemetry") + "\n" + strings.TrimRight(b.String(), "\n"))
}

func permitLine(t statestore.Telemetry) string {
	switch {
	case t.Seq == 0 && !t.Granted && t.DenyReason == nil:
		return "—"
	case t.Granted:
		s := lipgloss.NewStyle().Foreground(colorGreen).Render("GRANTED")
		s += fmt.Sprintf("  seq=%d", t.Seq)
		if t.ConeViolation != nil && *t.ConeViolation {
			s += "  " + lipgloss.NewStyle().Foreground(colorRed).Render("CONE")
		}
		return s
	default:
		s := lipgloss.NewStyle().Foreground(colorRed).Render("DENIED")
		if t.DenyReason != nil {
			s += "  " + *t.DenyReason
		}
		return s
	}
}

func powerLine(t statestore.Telemetry) string {
	if t.CommandedPct == 0 && t.CommandedW == 0 && t.ReceivedMW == 0 {
		return "—"
	}
	return fmt.Sprintf("cmd %d%%  %.1fW  rcv %.1fmW  eff %.1f%%",
		t.CommandedPct, t.CommandedW, t.ReceivedMW, t.EfficiencyPct)
}

func linkLine(t statestore.Telemetry, p95, p99 float64) string {
	parts := []string{
		fmt.Sprintf("quality %d%%", t.LinkQualityPct),
		fmt.Sprintf("rtt %.1fms", t.RTTMs),
	}
	if p95 > 0 {
		parts = append(parts, fmt.Sprintf("p95 %.1f / p99 %.1f", p95, p99))
	}
	if t.GrantRatePct != nil {
		parts = append(parts, fmt.Sprintf("grant rate %.1f%%", *t.GrantRatePct))
	}
	return strings.Join(parts, "  ")
}

func relayLine(t statestore.Telemetry) string {
	format := func(dir string, c statestore.RelayCounters) string {
		if c.Total == 0 {
			return ""
		}
		return fmt.Sprintf("%s q=%d tot=%d", dir, c.Queue, c.Total)
	}
	parts := make([]string, 0, 2)
	if s := format("up", t.RelayUplink); s != "" {
		parts = append(parts, s)
	}
	if s := format("down", t.RelayDownlink); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderEventsCard(width int) string {
	events := m.store.RecentEvents(eventTailLines)
	var b strings.Builder
	for _, ev := range events {
		ts := time.UnixMilli(ev.TS).Format("15:04:05")
		line := fmt.Sprintf("%s %-5s %-6s %s", ts, ev.Level, ev.Source, ev.Message)
		b.WriteString(levelStyle(ev.Level).Render(line) + "\n")
	}
	body := strings.TrimRight(b.String(), "\n")
	if body == "" {
		body = labelStyle.Render("no events yet")
	}
	return cardStyle.Width(width).Render(titleStyle.Render("Events") + "\n" + body)
}
