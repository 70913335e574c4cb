package reconcile

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/zulandar/plotsync/internal/status"
)

// Event is a plot lifecycle event. The set of events is closed: only types in
// this package implement it, and each must name its target status and the
// history line it adds.
type Event interface {
	// Target is the status the thread moves to.
	Target() status.ThreadStatus
	// HistoryKey is the message key of the history line, formatted with the
	// event date.
	HistoryKey() string

	lifecycleEvent()
}

// Created records that the plot was created in the plot application.
type Created struct{}

// Submitted records that the builder submitted the plot for review.
type Submitted struct{}

// Approved records a positive review.
type Approved struct{}

// Rejected records a negative review. Feedback is shown on the thread.
type Rejected struct {
	Feedback string
}

// Abandoned records that the builder gave the plot up.
type Abandoned struct{}

// Archived seals the thread. No automated edits follow.
type Archived struct{}

// Reclaimed records that an abandoned plot was picked up again.
type Reclaimed struct{}

// Synced moves the thread to the status implied by the plot's current state.
type Synced struct {
	State status.PlotState
	To    status.ThreadStatus
}

func (Created) Target() status.ThreadStatus   { return status.OnGoing }
func (Submitted) Target() status.ThreadStatus { return status.Finished }
func (Approved) Target() status.ThreadStatus  { return status.Approved }
func (Rejected) Target() status.ThreadStatus  { return status.Rejected }
func (Abandoned) Target() status.ThreadStatus { return status.Abandoned }
func (Archived) Target() status.ThreadStatus  { return status.Archived }
func (Reclaimed) Target() status.ThreadStatus { return status.OnGoing }
func (e Synced) Target() status.ThreadStatus  { return e.To }

func (Created) HistoryKey() string   { return "history.created" }
func (Submitted) HistoryKey() string { return "history.submitted" }
func (Approved) HistoryKey() string  { return "history.approved" }
func (Rejected) HistoryKey() string  { return "history.rejected" }
func (Abandoned) HistoryKey() string { return "history.abandoned" }
func (Archived) HistoryKey() string  { return "history.archived" }
func (Reclaimed) HistoryKey() string { return "history.reclaimed" }
func (Synced) HistoryKey() string    { return "history.synced" }

func (Created) lifecycleEvent()   {}
func (Submitted) lifecycleEvent() {}
func (Approved) lifecycleEvent()  {}
func (Rejected) lifecycleEvent()  {}
func (Abandoned) lifecycleEvent() {}
func (Archived) lifecycleEvent()  {}
func (Reclaimed) lifecycleEvent() {}
func (Synced) lifecycleEvent()    {}

// FromPlotState returns the event that brings a thread in line with a plot
// state read from the plot application.
func FromPlotState(ps status.PlotState) (Event, error) {
	to, err := status.FromPlotState(ps)
	if err != nil {
		return nil, err
	}
	return Synced{State: ps, To: to}, nil
}

var eventNames = map[string]func(feedback string) Event{
	"created":   func(string) Event { return Created{} },
	"submitted": func(string) Event { return Submitted{} },
	"approved":  func(string) Event { return Approved{} },
	"rejected":  func(fb string) Event { return Rejected{Feedback: fb} },
	"abandoned": func(string) Event { return Abandoned{} },
	"archived":  func(string) Event { return Archived{} },
	"reclaimed": func(string) Event { return Reclaimed{} },
}

// ParseEvent returns the event called name. Feedback is only used by
// "rejected".
func ParseEvent(name, feedback string) (Event, error) {
	mk, ok := eventNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("reconcile: unknown event %q (one of %s)", name, strings.Join(EventNames(), ", "))
	}
	return mk(feedback), nil
}

// EventNames lists the names ParseEvent accepts.
func EventNames() []string {
	names := make([]string, 0, len(eventNames))
	for n := range eventNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Created:
		return "created"
	case Submitted:
		return "submitted"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	case Archived:
		return "archived"
	case Reclaimed:
		return "reclaimed"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("%T", ev)
}

// transitions lists where each open status may move. Abandoned is reachable
// from every open status and archiving is an operator action, so both appear
// in every row. Archived has no row: it is sealed.
var transitions = map[status.ThreadStatus][]status.ThreadStatus{
	status.OnGoing:   {status.Finished, status.Abandoned, status.Archived},
	status.Finished:  {status.OnGoing, status.Approved, status.Rejected, status.Abandoned, status.Archived},
	status.Approved:  {status.Abandoned, status.Archived},
	status.Rejected:  {status.Abandoned, status.Archived},
	status.Abandoned: {status.OnGoing, status.Archived},
}

// checkTransition enforces the thread state machine. Created only annotates
// a thread that is still on going, and an abandoned thread returns to on
// going through Reclaimed alone.
func checkTransition(from status.ThreadStatus, ev Event) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s event on %s thread", ErrSealed, eventName(ev), from)
	}
	to := ev.Target()
	var ok bool
	switch ev.(type) {
	case Created:
		ok = from == status.OnGoing
	case Reclaimed:
		ok = from == status.Abandoned
	default:
		ok = slices.Contains(transitions[from], to) && !(from == status.Abandoned && to == status.OnGoing)
	}
	if !ok {
		return fmt.Errorf("%w: %s event moves %s to %s", ErrInvalidTransition, eventName(ev), from, to)
	}
	return nil
}

// inLine reports whether a thread in status cur already reflects a plot
// whose state implies status implied. A reviewed thread stays reviewed while
// the plot application still reports the plot as finished.
func inLine(cur, implied status.ThreadStatus) bool {
	if cur == implied {
		return true
	}
	return implied == status.Finished && (cur == status.Approved || cur == status.Rejected)
}

// syncEvent returns the event that moves a thread in status cur toward plot
// state ps. It returns nil when the thread is in line or when the state
// machine has no single step there.
func syncEvent(cur status.ThreadStatus, ps status.PlotState) (Event, error) {
	ev, err := FromPlotState(ps)
	if err != nil {
		return nil, err
	}
	to := ev.Target()
	if inLine(cur, to) {
		return nil, nil
	}
	if cur == status.Abandoned && to == status.OnGoing {
		return Reclaimed{}, nil
	}
	if checkTransition(cur, ev) != nil {
		return nil, nil
	}
	return ev, nil
}
