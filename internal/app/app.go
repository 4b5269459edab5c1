package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/orchestrator"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	countsStyle      = lipgloss.NewStyle().PaddingLeft(2)
)

// RunFunc performs the export, reporting snapshots through onProgress.
type RunFunc func(ctx context.Context, onProgress func(orchestrator.Progress)) (*orchestrator.Outcome, error)

// ExportModel renders the progress of a single export. Ctrl+C cancels the
// export and the program quits once the exporter has returned; a second
// Ctrl+C quits immediately.
type ExportModel struct {
	State   AppState
	Outcome *orchestrator.Outcome
	Err     error

	title           string
	run             RunFunc
	ctx             context.Context
	cancel          context.CancelFunc
	logger          *slog.Logger
	spinner         spinner.Model
	overallProgress progress.Model
	latest          orchestrator.Progress
	startTime       time.Time
	elapsed         time.Duration
	termWidth       int

	uiMsgChan chan tea.Msg
}

func NewExportModel(ctx context.Context, title string, run RunFunc, logger *slog.Logger) *ExportModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	ctx, cancel := context.WithCancel(ctx)

	return &ExportModel{
		State:           Exporting,
		title:           title,
		run:             run,
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		uiMsgChan:       make(chan tea.Msg, 64),
	}
}

func (m *ExportModel) Init() tea.Cmd {
	m.startTime = time.Now()
	return tea.Batch(m.spinner.Tick, m.startExport(), m.waitForActivityCmd())
}

func (m *ExportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() != "ctrl+c" && msg.String() != "q" {
			break
		}
		switch m.State {
		case Exporting:
			m.logger.Info("Cancel requested from the terminal.")
			m.State = Cancelling
			m.cancel()
		case Cancelling, Finished:
			m.State = Exiting
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.overallProgress.Width = max(0, m.termWidth-20)
	case ProgressMsg:
		m.latest = msg.Progress
		cmds = append(cmds, m.overallProgress.SetPercent(percent(msg.Progress)))
	case ExportFinishedMsg:
		m.Outcome = msg.Outcome
		m.Err = msg.Err
		m.elapsed = msg.EndTime.Sub(msg.StartTime)
		m.uiMsgChan = nil
		m.State = Finished
		m.cancel()
		return m, tea.Quit
	case spinner.TickMsg:
		if m.State == Exporting || m.State == Cancelling {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	if m.uiMsgChan != nil {
		if _, ok := msg.(ProgressMsg); ok {
			cmds = append(cmds, m.waitForActivityCmd())
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *ExportModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("--- Exporting %s ---", m.title)))
	b.WriteString("\n\n")

	switch m.State {
	case Exporting, Cancelling:
		b.WriteString(m.viewProgress())
		b.WriteString("\n")
		if m.State == Cancelling {
			b.WriteString(warnStyle.Render("Cancelling... Ctrl+C again to quit without waiting."))
		} else {
			b.WriteString(infoStyle.Render("Ctrl+C or 'q' to cancel the export."))
		}
	case Finished:
		b.WriteString(m.viewResult())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *ExportModel) viewProgress() string {
	p := m.latest
	var b strings.Builder
	elapsed := ""
	if !m.startTime.IsZero() {
		elapsed = time.Since(m.startTime).Round(time.Second).String()
	}
	b.WriteString(fmt.Sprintf("%s %s %s\n", m.spinner.View(), p.State, infoStyle.Render(elapsed)))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n", p.Counters.Received(), p.Expected))
	b.WriteString(countsStyle.Render(countsLine(p)))
	b.WriteString("\n")
	return b.String()
}

func (m *ExportModel) viewResult() string {
	if m.Err != nil {
		return errorStyle.Render(wrapText("Export failed: "+m.Err.Error(), m.termWidth-4))
	}
	if m.Outcome == nil {
		return infoStyle.Render("Export finished.")
	}
	style := successStyle
	if m.Outcome.Counters.Failures() > 0 {
		style = warnStyle
	}
	return style.Render(fmt.Sprintf("Export complete in %s: %s", m.elapsed.Round(time.Millisecond), m.Outcome.Summary()))
}

func countsLine(p orchestrator.Progress) string {
	c := p.Counters
	return fmt.Sprintf("dispatched %d | ok %d | parse %d | decrypt %d | unverified %d | attachment %d",
		p.Dispatched, c.Success, c.ParseError, c.DecryptionError, c.Unverified, c.AttachmentError)
}

func percent(p orchestrator.Progress) float64 {
	if p.Expected <= 0 {
		if p.State.Terminal() {
			return 1
		}
		return 0
	}
	return min(1, float64(p.Counters.Received())/float64(p.Expected))
}

// waitForActivityCmd delivers the next message from the export goroutine.
func (m *ExportModel) waitForActivityCmd() tea.Cmd {
	ch := m.uiMsgChan
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// startExport launches the export goroutine. Progress snapshots are dropped
// when the UI falls behind; the final message is always delivered.
func (m *ExportModel) startExport() tea.Cmd {
	ch := m.uiMsgChan
	return func() tea.Msg {
		go func() {
			start := time.Now()
			out, err := m.run(m.ctx, func(p orchestrator.Progress) {
				select {
				case ch <- NewProgress(p):
				default:
				}
			})
			ch <- NewExportFinished(start, out, err)
			close(ch)
		}()
		return nil
	}
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
