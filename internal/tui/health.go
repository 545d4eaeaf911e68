package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/superagents/internal/cortex"
)

// DefaultRefresh is the poll interval used when none is given.
const DefaultRefresh = 2 * time.Second

const fetchTimeout = 5 * time.Second

// FetchFunc returns the current health snapshot of a running supervisor.
type FetchFunc func(ctx context.Context) (cortex.HealthSnapshot, error)

// healthMsg carries the result of one fetch.
type healthMsg struct {
	snap cortex.HealthSnapshot
	err  error
	at   time.Time
}

// refreshMsg schedules the next fetch.
type refreshMsg time.Time

// HealthModel is a live view of the supervisor health snapshot.
type HealthModel struct {
	fetch    FetchFunc
	interval time.Duration
	source   string

	spinner spinner.Model
	snap    cortex.HealthSnapshot
	have    bool
	err     error
	updated time.Time
	width   int

	// Styles
	headerStyle lipgloss.Style
	labelStyle  lipgloss.Style
	valueStyle  lipgloss.Style
	okStyle     lipgloss.Style
	warnStyle   lipgloss.Style
	errStyle    lipgloss.Style
	dimStyle    lipgloss.Style
}

// NewHealthModel creates a view that polls fetch every interval. source is
// shown in the header.
func NewHealthModel(fetch FetchFunc, interval time.Duration, source string) HealthModel {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return HealthModel{
		fetch:    fetch,
		interval: interval,
		source:   source,
		spinner:  sp,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(20),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		okStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),

		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),

		errStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// Init starts the spinner and the first fetch.
func (m HealthModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd())
}

func (m HealthModel) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := fetch(ctx)
		return healthMsg{snap: snap, err: err, at: time.Now()}
	}
}

func (m HealthModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Update handles fetch results, refresh ticks and quit keys.
func (m HealthModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case healthMsg:
		m.updated = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.have = true
		}
		return m, m.scheduleRefresh()
	case refreshMsg:
		return m, m.fetchCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the snapshot.
func (m HealthModel) View() string {
	var b strings.Builder

	title := "Supervisor Health"
	if m.source != "" {
		title += "  " + m.dimStyle.Render(m.source)
	}
	b.WriteString(m.headerStyle.Render(title))
	b.WriteString("\n")

	if !m.have {
		if m.err != nil {
			b.WriteString(m.errStyle.Render("unreachable: " + m.err.Error()))
		} else {
			b.WriteString(m.spinner.View() + " fetching health...")
		}
		b.WriteString("\n")
		return b.String()
	}

	m.row(&b, "Active sessions", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.ActiveSessions)))
	stuck := m.okStyle
	if m.snap.StuckSessions > 0 {
		stuck = m.warnStyle
	}
	m.row(&b, "Stuck sessions", stuck.Render(fmt.Sprintf("%d", m.snap.StuckSessions)))
	m.row(&b, "Memory export lag", m.lag())
	b.WriteString("\n")

	m.row(&b, "Completed", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.CompletedTotal)))
	m.row(&b, "Failed", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.FailedTotal)))
	m.row(&b, "Killed", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.KilledTotal)))
	m.row(&b, "Retries", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.RetriesTotal)))
	m.row(&b, "Pruned", m.valueStyle.Render(fmt.Sprintf("%d", m.snap.PrunedTotal)))
	if m.snap.TickFailures > 0 || m.snap.ExportFailures > 0 {
		m.row(&b, "Tick failures", m.errStyle.Render(fmt.Sprintf("%d", m.snap.TickFailures)))
		m.row(&b, "Export failures", m.errStyle.Render(fmt.Sprintf("%d", m.snap.ExportFailures)))
	}
	b.WriteString("\n")

	status := m.spinner.View() + " updated " + m.updated.Format("15:04:05")
	if m.err != nil {
		status += "  " + m.errStyle.Render("last fetch failed: "+m.err.Error())
	}
	b.WriteString(m.dimStyle.Render(status))
	b.WriteString("\n")
	b.WriteString(m.dimStyle.Render("r refresh  q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m HealthModel) row(b *strings.Builder, label, value string) {
	b.WriteString(m.labelStyle.Render(label + ":"))
	b.WriteString(value)
	b.WriteString("\n")
}

func (m HealthModel) lag() string {
	if m.snap.MemoryExportLagSecs == nil {
		return m.warnStyle.Render("never exported")
	}
	lag := time.Duration(*m.snap.MemoryExportLagSecs) * time.Second
	return m.valueStyle.Render(lag.String())
}

// RunHealthWatch runs the health view until the user quits.
func RunHealthWatch(fetch FetchFunc, interval time.Duration, source string) error {
	p := tea.NewProgram(NewHealthModel(fetch, interval, source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
