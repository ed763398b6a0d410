package app

import (
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/era5parquet/internal/orchestrator"
	"github.com/brensch/era5parquet/internal/report"
)

func send(m *AppModel, msgs ...tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	for _, msg := range msgs {
		_, cmd = m.Update(msg)
	}
	return cmd
}

func ev(stage report.Stage, key string, status report.Status, attempt int, err error) EventMsg {
	return EventMsg{Event: report.Event{Stage: stage, Key: key, Status: status, Attempt: attempt, Err: err, Time: time.Now()}}
}

func TestUpdateCountsEvents(t *testing.T) {
	m := NewAppModel(3)
	require.NotNil(t, m.Init())

	send(m,
		StateMsg{State: orchestrator.Downloading},
		ev(report.StageDownload, "20060101", report.StatusStarted, 1, nil),
		ev(report.StageDownload, "20060101", report.StatusRetrying, 1, errors.New("502 bad gateway")),
		ev(report.StageDownload, "20060101", report.StatusSucceeded, 2, nil),
		ev(report.StageDownload, "20060102", report.StatusSkipped, 0, nil),
		ev(report.StageDownload, "20060103", report.StatusStarted, 1, nil),
	)
	assert.Equal(t, Downloading, m.State)
	d := m.Stage(report.StageDownload)
	assert.Equal(t, StageProgress{Total: 3, Succeeded: 1, Skipped: 1, Retries: 1}, d)
	assert.Equal(t, 2, d.Done())

	view := m.View()
	assert.Contains(t, view, "ERA5 Parquet Pipeline")
	assert.Contains(t, view, "(2/3, 0 failed, 1 skipped, 1 retries)")
	assert.Contains(t, view, "20060103", "in-flight task is listed")

	send(m, ev(report.StageDownload, "20060103", report.StatusFailed, 3, errors.New("gave up after 3 attempts")))
	assert.Equal(t, 1, m.Stage(report.StageDownload).Failed)
	assert.Contains(t, m.View(), "gave up after 3 attempts")
}

func TestUpdatePostProcessingAndFinish(t *testing.T) {
	m := NewAppModel(1)
	send(m,
		StateMsg{State: orchestrator.PostProcessing},
		TotalMsg{Stage: report.StageProcess, Total: 2},
		ev(report.StageProcess, "20060101", report.StatusSucceeded, 1, nil),
	)
	assert.Equal(t, PostProcessing, m.State)
	assert.Equal(t, 2, m.Stage(report.StageProcess).Total)

	ps := report.Summary{Stage: report.StageProcess, Total: 2, Succeeded: 2}
	cmd := send(m, FinishedMsg{Result: orchestrator.Result{State: orchestrator.Done, Process: &ps}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, Finished, m.State)
	assert.Contains(t, m.View(), "Pipeline done.")
}

func TestQuitKey(t *testing.T) {
	m := NewAppModel(1)
	cmd := send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.Quitting)
	assert.Equal(t, Exiting, m.State)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recordingSender) Send(msg tea.Msg) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func TestBridge(t *testing.T) {
	r := &recordingSender{}
	Observer(r).Observe(report.Event{Stage: report.StageDownload, Key: "20060101", Status: report.StatusStarted})
	OnState(r)(orchestrator.Done)
	require.Len(t, r.msgs, 2)
	assert.Equal(t, "20060101", r.msgs[0].(EventMsg).Event.Key)
	assert.Equal(t, StateMsg{State: orchestrator.Done}, r.msgs[1])
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "one two\nthree", wrapText("one two three", 8))
	assert.Equal(t, "abc", wrapText("abc", 0))
}
