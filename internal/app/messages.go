package app

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/era5parquet/internal/orchestrator"
	"github.com/brensch/era5parquet/internal/report"
)

// --- Progress Messages ---

// EventMsg carries one worker event into the UI.
type EventMsg struct {
	Event report.Event
}

// StateMsg reports a pipeline state transition.
type StateMsg struct {
	State orchestrator.State
}

// TotalMsg announces how many items a stage will work through.
type TotalMsg struct {
	Stage report.Stage
	Total int
}

// FinishedMsg signals that the pipeline returned.
type FinishedMsg struct {
	Result orchestrator.Result
	Err    error
}

func (e EventMsg) String() string {
	return fmt.Sprintf("Event %s %s: %s", e.Event.Stage, e.Event.Key, e.Event.Status)
}
func (s StateMsg) String() string    { return fmt.Sprintf("State %s", s.State) }
func (f FinishedMsg) String() string { return fmt.Sprintf("Finished %s", f.Result.State) }

// Sender is the part of *tea.Program the bridge needs.
type Sender interface {
	Send(tea.Msg)
}

// Observer forwards pipeline events to the program.
func Observer(p Sender) report.Observer {
	return report.ObserverFunc(func(e report.Event) { p.Send(EventMsg{Event: e}) })
}

// OnState forwards pipeline transitions to the program.
func OnState(p Sender) func(orchestrator.State) {
	return func(s orchestrator.State) { p.Send(StateMsg{State: s}) }
}
