package status

import (
	"errors"
	"fmt"
	"strings"
)

// PlotState is the lifecycle state reported by the plot application.
type PlotState string

const (
	PlotUnclaimed  PlotState = "unclaimed"
	PlotUnfinished PlotState = "unfinished"
	PlotUnreviewed PlotState = "unreviewed"
	PlotCompleted  PlotState = "completed"
)

var plotStates = map[PlotState]ThreadStatus{
	PlotCompleted:  Finished,
	PlotUnreviewed: Finished,
	PlotUnfinished: OnGoing,
	PlotUnclaimed:  Abandoned,
}

// ParsePlotState normalises a raw state column value.
func ParsePlotState(raw string) (PlotState, error) {
	ps := PlotState(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := plotStates[ps]; !ok {
		return "", fmt.Errorf("status: unknown plot state %q", raw)
	}
	return ps, nil
}

// FromPlotState maps a plot state to the thread status it implies.
func FromPlotState(ps PlotState) (ThreadStatus, error) {
	s, ok := plotStates[ps]
	if !ok {
		return 0, fmt.Errorf("status: unknown plot state %q", ps)
	}
	return s, nil
}

// Tag is a forum tag as reported by Discord.
type Tag struct {
	ID   string
	Name string
}

// TagSet resolves statuses to forum tag IDs for one forum channel.
type TagSet struct {
	ids   map[ThreadStatus]string
	names map[string]ThreadStatus
}

// ValidateTags checks that the forum's tags and the status table match
// exactly: every status has a tag, and every tag names a status.
func ValidateTags(tags []Tag) (*TagSet, error) {
	ts := &TagSet{
		ids:   make(map[ThreadStatus]string, numStatuses),
		names: make(map[string]ThreadStatus, len(tags)),
	}
	var errs []error
	for _, t := range tags {
		s, err := ToStatus(t.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.ids[s] = t.ID
		ts.names[t.ID] = s
	}
	for _, s := range All() {
		if _, ok := ts.ids[s]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingTag, ToTag(s)))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("status: tag validation failed: %w", errors.Join(errs...))
	}
	return ts, nil
}

// TagID returns the forum tag ID for s.
func (ts *TagSet) TagID(s ThreadStatus) (string, bool) {
	id, ok := ts.ids[s]
	return id, ok
}

// StatusOf returns the status carried by a forum tag ID.
func (ts *TagSet) StatusOf(tagID string) (ThreadStatus, bool) {
	s, ok := ts.names[tagID]
	return s, ok
}
