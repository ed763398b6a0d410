// Package app renders a live progress view of a pipeline run with bubbletea.
package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/era5parquet/internal/orchestrator"
	"github.com/brensch/era5parquet/internal/report"
)

// --- Styles ---
var (
	titleStyle              = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle              = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle        = lipgloss.NewStyle().Padding(0, 1)
	fileProgressHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	taskStatusStyle         = map[report.Status]lipgloss.Style{
		report.StatusStarted:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		report.StatusRetrying:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		report.StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		report.StatusSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		report.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// maxFailuresShown bounds the failure list under the task table.
const maxFailuresShown = 5

// --- Model ---

// StageProgress counts terminal outcomes of one stage.
type StageProgress struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Retries   int
}

// Done is the number of items with a terminal outcome.
func (s StageProgress) Done() int { return s.Succeeded + s.Skipped + s.Failed }

func (s StageProgress) percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return min(1, float64(s.Done())/float64(s.Total))
}

// TaskLine is the latest known status of one task.
type TaskLine struct {
	Stage   report.Stage
	Key     string
	Status  report.Status
	Attempt int
	ErrMsg  string
	Start   time.Time
	Elapsed time.Duration
}

type AppModel struct {
	State AppState

	spinner  spinner.Model
	bar      progress.Model
	stages   map[report.Stage]*StageProgress
	tasks    map[string]*TaskLine
	failures []string

	Result   *orchestrator.Result
	FatalErr error
	Quitting bool

	termWidth  int
	termHeight int
}

// NewAppModel creates a model expecting downloadTotal download tasks.
func NewAppModel(downloadTotal int) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &AppModel{
		State:   Starting,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient()),
		stages: map[report.Stage]*StageProgress{
			report.StageDownload: {Total: downloadTotal},
			report.StageProcess:  {},
		},
		tasks:      make(map[string]*TaskLine),
		termWidth:  100,
		termHeight: 30,
	}
}

// Stage returns a copy of the counters for stage.
func (m *AppModel) Stage(stage report.Stage) StageProgress {
	if s, ok := m.stages[stage]; ok {
		return *s
	}
	return StageProgress{}
}

// --- Bubbletea Interface ---

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.Quitting = true
			m.State = Exiting
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.bar.Width = max(10, m.termWidth-20)
	case StateMsg:
		switch msg.State {
		case orchestrator.Downloading:
			m.State = Downloading
		case orchestrator.PostProcessing:
			m.State = PostProcessing
		case orchestrator.DownloadFailed, orchestrator.Done:
			m.State = Finished
		}
	case TotalMsg:
		m.stage(msg.Stage).Total = msg.Total
	case EventMsg:
		m.apply(msg.Event)
	case FinishedMsg:
		m.Result = &msg.Result
		m.FatalErr = msg.Err
		m.State = Finished
		return m, tea.Quit
	case spinner.TickMsg:
		if m.State != Finished && m.State != Exiting {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m *AppModel) stage(stage report.Stage) *StageProgress {
	s, ok := m.stages[stage]
	if !ok {
		s = &StageProgress{}
		m.stages[stage] = s
	}
	return s
}

func (m *AppModel) apply(e report.Event) {
	id := string(e.Stage) + "/" + e.Key
	line, ok := m.tasks[id]
	if !ok {
		line = &TaskLine{Stage: e.Stage, Key: e.Key, Start: e.Time}
		m.tasks[id] = line
	}
	line.Status = e.Status
	line.Attempt = e.Attempt
	if e.Err != nil {
		line.ErrMsg = e.Err.Error()
	}

	s := m.stage(e.Stage)
	switch e.Status {
	case report.StatusRetrying:
		s.Retries++
	case report.StatusSucceeded:
		s.Succeeded++
	case report.StatusSkipped:
		s.Skipped++
	case report.StatusFailed:
		s.Failed++
		m.failures = append(m.failures, fmt.Sprintf("%s %s: %s", e.Stage, e.Key, line.ErrMsg))
	}
	if e.Status != report.StatusStarted && e.Status != report.StatusRetrying {
		line.Elapsed = e.Elapsed
	}
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- ERA5 Parquet Pipeline ---"))
	b.WriteString("\n\n")

	switch m.State {
	case Starting:
		b.WriteString(fmt.Sprintf("%s Starting...\n", m.spinner.View()))
	case Downloading, PostProcessing:
		b.WriteString(m.viewProgress())
	case Finished:
		b.WriteString(m.viewProgress())
		b.WriteString(m.viewResult())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n\n")
	if m.State != Exiting && m.State != Finished {
		b.WriteString(infoStyle.Render("Pipeline running... 'q' or Ctrl+C to cancel."))
	}
	return b.String()
}

// --- View Helpers ---

func (m *AppModel) viewProgress() string {
	var b strings.Builder
	activity := "Downloading archives"
	if m.State == PostProcessing {
		activity = "Merging archives"
	}
	if m.State != Finished {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), activity))
	}
	for _, stage := range []report.Stage{report.StageDownload, report.StageProcess} {
		s := m.Stage(stage)
		b.WriteString(fmt.Sprintf("%-9s", stage))
		b.WriteString(progressBarStyle.Render(m.bar.ViewAs(s.percent())))
		b.WriteString(fmt.Sprintf(" (%d/%d, %d failed, %d skipped, %d retries)\n", s.Done(), s.Total, s.Failed, s.Skipped, s.Retries))
	}
	b.WriteString("\n")

	active := m.activeTasks()
	if len(active) > 0 {
		maxLines := max(1, m.termHeight-14)
		if len(active) > maxLines {
			active = active[:maxLines]
		}
		b.WriteString(fileProgressHeaderStyle.Render(fmt.Sprintf("%-8s | %-10s | %-10s | %-7s | %s", "Task", "Stage", "Status", "Attempt", "Elapsed")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", min(60, m.termWidth)))
		b.WriteString("\n")
		for _, t := range active {
			style, ok := taskStatusStyle[t.Status]
			if !ok {
				style = infoStyle
			}
			elapsed := ""
			if !t.Start.IsZero() {
				elapsed = time.Since(t.Start).Round(time.Second).String() + "..."
			}
			b.WriteString(fmt.Sprintf("%-8s | %-10s | %-10s | %-7d | %s\n", t.Key, t.Stage, style.Render(string(t.Status)), t.Attempt, elapsed))
		}
	}

	if len(m.failures) > 0 {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("Failures (%d):", len(m.failures))))
		b.WriteString("\n")
		shown := m.failures
		if len(shown) > maxFailuresShown {
			shown = shown[len(shown)-maxFailuresShown:]
		}
		for _, f := range shown {
			b.WriteString(errorStyle.Render("  -> " + truncate(f, m.termWidth-6)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// activeTasks returns tasks that have started but not finished, oldest first.
func (m *AppModel) activeTasks() []*TaskLine {
	var out []*TaskLine
	for _, t := range m.tasks {
		if t.Status == report.StatusStarted || t.Status == report.StatusRetrying {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (m *AppModel) viewResult() string {
	var b strings.Builder
	b.WriteString("\n")
	if m.Result != nil {
		b.WriteString(fmt.Sprintf("Pipeline %s. %s\n", m.Result.State, m.Result.Download.String()))
		if m.Result.Process != nil {
			b.WriteString(m.Result.Process.String() + "\n")
		}
	}
	if m.FatalErr != nil {
		b.WriteString(errorStyle.Render(wrapText(m.FatalErr.Error(), m.termWidth-4)))
		b.WriteString("\n")
	}
	return b.String()
}

// --- Helpers ---

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	words := strings.Fields(text)
	for _, word := range words {
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
