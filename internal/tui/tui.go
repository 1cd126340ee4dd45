package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/calaider/calaider/internal/analysis"
)

// The TUI is a plain observer of the analysis progress stream: it renders
// per-URL progress and the latest aggregate counts, and sends nothing back.

type progressMsg analysis.Progress

type urlState struct {
	status        string
	currentItem   int
	totalItems    int
	modelProgress float64
	events        int
	terminal      bool
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	urlStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	barFilled   = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	barEmpty    = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Model is the bubbletea model for the live progress view.
type Model struct {
	updates <-chan analysis.Progress
	order   []string
	byURL   map[string]*urlState
	width   int
	height  int
}

// NewModel creates a progress view fed by the given update stream.
func NewModel(updates <-chan analysis.Progress) Model {
	return Model{
		updates: updates,
		byURL:   make(map[string]*urlState),
		width:   80,
	}
}

func waitForUpdate(updates <-chan analysis.Progress) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return tea.QuitMsg{}
		}
		return progressMsg(u)
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case progressMsg:
		m.apply(analysis.Progress(msg))
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m *Model) apply(p analysis.Progress) {
	st, ok := m.byURL[p.URL]
	if !ok {
		st = &urlState{}
		m.byURL[p.URL] = st
		m.order = append(m.order, p.URL)
	}
	if p.Status != "" {
		st.status = p.Status
	}
	if p.CurrentItem != nil {
		st.currentItem = *p.CurrentItem
	}
	if p.TotalItems != nil {
		st.totalItems = *p.TotalItems
	}
	if p.ModelProgress != nil {
		st.modelProgress = *p.ModelProgress
	}
	if p.DetectedEvents != nil {
		st.events = len(p.DetectedEvents)
	}
	if p.IsExtracting != nil && !*p.IsExtracting {
		st.terminal = true
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("CalAIder — live analysis"))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(statusStyle.Render("Waiting for the extension to start an analysis..."))
		b.WriteString("\n")
	}

	for _, url := range m.order {
		st := m.byURL[url]
		b.WriteString(urlStyle.Render(truncate(url, m.width-2)))
		b.WriteString("\n")

		bar := renderBar(st.modelProgress, min(40, m.width-24))
		counts := ""
		if st.totalItems > 0 {
			counts = fmt.Sprintf(" %d/%d", st.currentItem, st.totalItems)
		}
		events := ""
		if st.events > 0 {
			events = doneStyle.Render(fmt.Sprintf("  %d events", st.events))
		}
		b.WriteString("  " + bar + counts + events)
		b.WriteString("\n")

		style := statusStyle
		if st.terminal {
			style = doneStyle
		}
		b.WriteString("  " + style.Render(truncate(st.status, m.width-4)))
		b.WriteString("\n\n")
	}

	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

func renderBar(fraction float64, width int) string {
	if width < 4 {
		width = 4
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(width))
	return barFilled.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", width-filled))
}

func truncate(s string, width int) string {
	if width < 1 {
		return ""
	}
	if len(s) <= width {
		return s
	}
	if width <= 1 {
		return "…"
	}
	return s[:width-1] + "…"
}
