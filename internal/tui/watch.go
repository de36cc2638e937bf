// Package tui renders the live delivery watch view. It follows The Elm
// Architecture as bubbletea applications do: a model holding state, an
// update function reacting to messages, and a view rendering the model.
package tui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/genseq/courier/internal/statusdb"
)

const refreshInterval = 5 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Faint(true)

	statusStyles = map[statusdb.DeliveryStatus]lipgloss.Style{
		statusdb.Delivered:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		statusdb.InProgress:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		statusdb.Staged:       lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		statusdb.Failed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		statusdb.Partial:      lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		statusdb.NotDelivered: lipgloss.NewStyle().Faint(true),
	}
)

// refreshMsg carries one snapshot of the project's delivery state.
type refreshMsg struct {
	project statusdb.ProjectEntry
	samples []statusdb.SampleEntry
	err     error
}

type tickMsg time.Time

// Watch is the bubbletea model for `courier status --watch`.
type Watch struct {
	projectID string
	store     statusdb.Store

	spinner spinner.Model
	table   table.Model

	project statusdb.ProjectEntry
	loaded  bool
	err     error
}

// NewWatch creates the watch model for one project.
func NewWatch(projectID string, store statusdb.Store) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "Sample", Width: 20},
			{Title: "Analysis", Width: 12},
			{Title: "Delivery", Width: 14},
			{Title: "Token", Width: 38},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return &Watch{projectID: projectID, store: store, spinner: sp, table: tbl}
}

// Init starts the spinner and the first refresh.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.refresh)
}

// refresh reads the current state from the status store.
func (w *Watch) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	project, err := w.store.Project(ctx, w.projectID)
	if err != nil {
		return refreshMsg{err: err}
	}
	samples, err := w.store.ProjectSamples(ctx, w.projectID)
	if err != nil {
		return refreshMsg{err: err}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].SampleID < samples[j].SampleID })
	return refreshMsg{project: project, samples: samples}
}

func scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return w, tea.Quit
		}
	case tickMsg:
		return w, w.refresh
	case refreshMsg:
		if msg.err != nil {
			w.err = msg.err
			return w, scheduleTick()
		}
		w.err = nil
		w.loaded = true
		w.project = msg.project
		rows := make([]table.Row, 0, len(msg.samples))
		for _, s := range msg.samples {
			token := s.DeliveryToken
			if token == "" || token == statusdb.NoToken {
				token = "-"
			}
			status := s.DeliveryStatusOrDefault()
			rows = append(rows, table.Row{
				s.SampleID,
				s.AnalysisStatusOrDefault(),
				statusStyle(status).Render(string(status)),
				token,
			})
		}
		w.table.SetRows(rows)
		return w, scheduleTick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	var cmd tea.Cmd
	w.table, cmd = w.table.Update(msg)
	return w, cmd
}

// View renders the watch screen.
func (w *Watch) View() string {
	title := titleStyle.Render(fmt.Sprintf("Delivery status: %s", w.projectID))
	if w.err != nil {
		return fmt.Sprintf("%s\n\n%s\n\n%s\n",
			title,
			errStyle.Render("status store error: "+w.err.Error()),
			helpStyle.Render("q to quit"))
	}
	if !w.loaded {
		return fmt.Sprintf("%s\n\n%s loading...\n", title, w.spinner.View())
	}
	derived := w.project.DerivedStatus()
	header := headerStyle.Render("Project: ") + statusStyle(derived).Render(string(derived))
	if w.project.PendingToken() {
		header += helpStyle.Render("  token " + w.project.DeliveryToken)
	}
	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s\n",
		title,
		header,
		w.table.View(),
		helpStyle.Render("q to quit, refreshes every 5s"))
}

func statusStyle(s statusdb.DeliveryStatus) lipgloss.Style {
	if style, ok := statusStyles[s]; ok {
		return style
	}
	return lipgloss.NewStyle()
}

// Run blocks running the watch view until the user quits.
func Run(projectID string, store statusdb.Store) error {
	_, err := tea.NewProgram(NewWatch(projectID, store), tea.WithAltScreen()).Run()
	return err
}
