package cli

import (
	"context"
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/tripflow/internal/client"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries one progress snapshot from the watch stream.
type snapshotMsg models.ProgressSnapshot

// watchDoneMsg signals the watch stream ended.
type watchDoneMsg struct {
	err error
}

// progressModel is the bubbletea model for live job progress. Snapshots
// arrive over the server's WebSocket stream, not by polling.
type progressModel struct {
	jobID    string
	snaps    <-chan models.ProgressSnapshot
	errc     <-chan error
	cancel   context.CancelFunc
	snap     *models.ProgressSnapshot
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model over a running watch stream.
func newProgressModel(jobID string, snaps <-chan models.ProgressSnapshot, errc <-chan error, cancel context.CancelFunc) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		jobID:    jobID,
		snaps:    snaps,
		errc:     errc,
		cancel:   cancel,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (wait for the first snapshot).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.nextSnapshot(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		}

	case snapshotMsg:
		snap := models.ProgressSnapshot(msg)
		m.snap = &snap

		if snap.Status.Terminal() {
			m.done = true
			if snap.Status == models.JobStatusFailed {
				m.err = fmt.Errorf("%s", snap.Message)
			}
			return m, tea.Quit
		}
		return m, m.nextSnapshot()

	case watchDoneMsg:
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.snap == nil {
		return "Waiting for job updates...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.snap.Status))
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	if m.snap.ExpectedCount == nil || *m.snap.ExpectedCount == 0 {
		// Unknown totals: show the raw count instead of a percentage.
		counts := fmt.Sprintf("%d rows", m.snap.InsertedCount)
		return fmt.Sprintf("%s %s\n%s\n", status, counts, hint)
	}

	pct := float64(m.snap.InsertedCount) / float64(*m.snap.ExpectedCount)
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d rows", m.snap.InsertedCount, *m.snap.ExpectedCount)

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, counts, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'tripflow jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	if m.snap != nil {
		out := m.theme.completedStyle().Render("✓ Completed") + "\n\n"
		out += fmt.Sprintf("  Rows inserted: %d\n", m.snap.InsertedCount)
		if m.snap.Message != "" {
			out += fmt.Sprintf("  %s\n", m.snap.Message)
		}
		return out
	}

	return m.theme.completedStyle().Render("✓ Completed\n")
}

// nextSnapshot waits for the next snapshot or stream end.
func (m progressModel) nextSnapshot() tea.Cmd {
	return func() tea.Msg {
		select {
		case snap, ok := <-m.snaps:
			if !ok {
				return watchDoneMsg{}
			}
			return snapshotMsg(snap)
		case err := <-m.errc:
			return watchDoneMsg{err: err}
		}
	}
}

// RunJobProgress runs the interactive progress UI for a job, fed by the
// server's WebSocket stream. Returns nil on success or Ctrl+C (background),
// error on job failure.
func RunJobProgress(c *client.Client, job *models.IngestionJob) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan models.ProgressSnapshot, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(snaps)
		err := c.Watch(ctx, job.JobID, func(snap models.ProgressSnapshot) error {
			snaps <- snap
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	model := newProgressModel(job.JobID, snaps, errc, cancel)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
