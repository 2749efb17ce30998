package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/jobs"
)

const (
	pollInterval   = 250 * time.Millisecond
	maxLogMessages = 10
	maxTableRows   = 12
)

// progressModel renders a running comparison job. It only talks to the job
// through the status and cancel callbacks.
type progressModel struct {
	status          func() (jobs.StatusSnapshot, error)
	cancel          func() error
	logs            <-chan LogMessage
	labels          comparator.Labels
	snapshot        jobs.StatusSnapshot
	overallProgress progress.Model
	currentSpinner  spinner.Model
	messages        []string
	width           int
	height          int
	cancelRequested bool
	forced          bool
	done            bool
	err             error
}

type statusMsg struct {
	snapshot jobs.StatusSnapshot
	err      error
}

type logMsg LogMessage

type pollTickMsg time.Time

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

func newProgressModel(status func() (jobs.StatusSnapshot, error), cancel func() error, logs <-chan LogMessage, labels comparator.Labels) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	overallProg := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		status:          status,
		cancel:          cancel,
		logs:            logs,
		labels:          labels,
		overallProgress: overallProg,
		currentSpinner:  s,
		messages:        make([]string, 0, maxLogMessages),
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.currentSpinner.Tick,
		tea.EnterAltScreen,
		m.poll(),
		waitForLog(m.logs),
	)
}

func (m progressModel) poll() tea.Cmd {
	return func() tea.Msg {
		snapshot, err := m.status()
		return statusMsg{snapshot: snapshot, err: err}
	}
}

func waitForLog(logs <-chan LogMessage) tea.Cmd {
	if logs == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-logs
		if !ok {
			return nil
		}
		return logMsg(msg)
	}
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.overallProgress.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.currentSpinner, cmd = m.currentSpinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		overallModel, cmd := m.overallProgress.Update(msg)
		if om, ok := overallModel.(progress.Model); ok {
			m.overallProgress = om
		}
		return m, cmd
	case statusMsg:
		return m.handleStatusMsg(msg)
	case pollTickMsg:
		return m, m.poll()
	case logMsg:
		m.addMessage(fmt.Sprintf("%s %s", msg.Level, msg.Message))
		return m, waitForLog(m.logs)
	}
	return m, nil
}

// handleKeyMsg requests a cooperative cancel on the first q / ctrl+c and
// leaves the view on the second.
func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if m.cancelRequested {
		m.done = true
		m.forced = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}

	m.cancelRequested = true
	if err := m.cancel(); err != nil {
		m.addMessage(fmt.Sprintf("⚠️  Could not cancel: %v", err))
	} else {
		m.addMessage("🛑 Cancellation requested, finishing the current table...")
	}
	return m, nil
}

func (m progressModel) handleStatusMsg(msg statusMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.err = msg.err
		m.done = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}

	m.snapshot = msg.snapshot
	if m.snapshot.State.Terminal() {
		m.done = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func (m *progressModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxLogMessages {
		m.messages = m.messages[len(m.messages)-maxLogMessages:]
	}
}

// finishedTables counts tables that reached a terminal status.
func finishedTables(tables []jobs.TableProgress) int {
	n := 0
	for _, t := range tables {
		if t.Status != jobs.TablePending && t.Status != jobs.TableRunning {
			n++
		}
	}
	return n
}

// renderBanner renders the title box
func (m progressModel) renderBanner() []string {
	titleStyle1 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	titleStyle2 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF8C")).Bold(true)
	authorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	const boxWidth = 66
	const indent = "   "

	makeLine := func(content string) string {
		padding := boxWidth - 4 - lipgloss.Width(content)
		if padding < 0 {
			padding = 0
		}
		return fmt.Sprintf("%s║  %s%s║", indent, content, strings.Repeat(" ", padding))
	}

	return []string{
		"",
		indent + "╔" + strings.Repeat("═", boxWidth-2) + "╗",
		makeLine(""),
		makeLine("                  " + titleStyle1.Render("T A B L E   C O M P A R A T O R")),
		makeLine(""),
		makeLine("                        " + titleStyle2.Render(fmt.Sprintf("%s  ⇄  %s", m.labels.Source, m.labels.Target))),
		makeLine(""),
		makeLine("             " + authorStyle.Render("Created by Airframes <hello@airframes.io>")),
		makeLine(""),
		indent + "╚" + strings.Repeat("═", boxWidth-2) + "╝",
		"",
	}
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) tableIcon(status jobs.TableStatus) string {
	switch status {
	case jobs.TableRunning:
		return m.currentSpinner.View()
	case jobs.TableIdentical:
		return "✅"
	case jobs.TableDifferent:
		return "⚠️ "
	case jobs.TableError:
		return "❌"
	default:
		return "⏸ "
	}
}

// renderTables renders a window of the table list that keeps the running
// table visible
func (m progressModel) renderTables() []string {
	tables := m.snapshot.Tables
	if len(tables) == 0 {
		return []string{stageStyle.Render("   " + m.currentSpinner.View() + " Initializing...")}
	}

	finished := finishedTables(tables)
	sections := []string{
		tableHeaderStyle.Render("   Comparing Tables"),
		"",
		progressInfoStyle.Render(fmt.Sprintf("   Overall: %d/%d tables  (%s)", finished, len(tables), m.snapshot.Elapsed.Round(time.Second))),
		"   " + m.overallProgress.ViewAs(float64(finished)/float64(len(tables))),
		"",
	}

	if m.snapshot.Message != "" {
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.currentSpinner.View(), m.snapshot.Message)), "")
	}

	start := 0
	if len(tables) > maxTableRows && m.snapshot.CurrentIndex >= maxTableRows/2 {
		start = min(m.snapshot.CurrentIndex-maxTableRows/2, len(tables)-maxTableRows)
	}
	end := min(start+maxTableRows, len(tables))

	for _, t := range tables[start:end] {
		line := fmt.Sprintf("   %s %s", m.tableIcon(t.Status), t.DisplayName)
		if t.StatusDetail != "" {
			line += " - " + t.StatusDetail
		}
		if t.Duration > 0 {
			line += fmt.Sprintf(" (%s)", t.Duration.Round(time.Millisecond))
		}
		sections = append(sections, line)
	}
	if end < len(tables) {
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   ... %d more", len(tables)-end)))
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderTables()...)

	sections = append(sections, "")
	if m.cancelRequested {
		sections = append(sections, helpStyle.Render("   Cancellation requested. Press Ctrl+C or 'q' again to leave without waiting"))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel after the current table"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
