// Package status maps plot lifecycle states, thread states and Discord forum
// tags onto each other. The tables here are fixed at compile time.
package status

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ThreadStatus is the lifecycle state of a tracked plot thread.
type ThreadStatus int

const (
	OnGoing ThreadStatus = iota
	Finished
	Rejected
	Approved
	Archived
	Abandoned

	numStatuses
)

var (
	// ErrUnknownStatus is returned when a string does not name a ThreadStatus.
	ErrUnknownStatus = errors.New("status: unknown thread status")
	// ErrUnknownTag is returned when a forum tag has no ThreadStatus counterpart.
	ErrUnknownTag = errors.New("status: unknown forum tag")
	// ErrMissingTag is returned when a ThreadStatus has no tag in the forum.
	ErrMissingTag = errors.New("status: forum tag missing")
)

type entry struct {
	name       string
	tag        string
	messageKey string
}

// table is indexed by ThreadStatus. The assertion below fails to compile when
// a status is added without a row here.
var table = [...]entry{
	OnGoing:   {name: "ON_GOING", tag: "on_going", messageKey: "status.on_going"},
	Finished:  {name: "FINISHED", tag: "finished", messageKey: "status.finished"},
	Rejected:  {name: "REJECTED", tag: "rejected", messageKey: "status.rejected"},
	Approved:  {name: "APPROVED", tag: "approved", messageKey: "status.approved"},
	Archived:  {name: "ARCHIVED", tag: "archived", messageKey: "status.archived"},
	Abandoned: {name: "ABANDONED", tag: "abandoned", messageKey: "status.abandoned"},
}

var _ [0]struct{} = [len(table) - int(numStatuses)]struct{}{}

func init() {
	for i, e := range table {
		if e.name == "" || e.tag == "" || e.messageKey == "" {
			panic(fmt.Sprintf("status: table row %d is incomplete", i))
		}
		if !strings.EqualFold(e.name, e.tag) {
			panic(fmt.Sprintf("status: tag %q does not fold to %q", e.tag, e.name))
		}
	}
}

// All returns every ThreadStatus in declaration order.
func All() []ThreadStatus {
	out := make([]ThreadStatus, 0, numStatuses)
	for s := ThreadStatus(0); s < numStatuses; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a declared status.
func (s ThreadStatus) Valid() bool {
	return s >= 0 && s < numStatuses
}

func (s ThreadStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("ThreadStatus(%d)", int(s))
	}
	return table[s].name
}

// MessageKey is the translation key describing the status to users.
func (s ThreadStatus) MessageKey() string {
	if !s.Valid() {
		return ""
	}
	return table[s].messageKey
}

// Terminal reports whether no further automated edits are expected.
func (s ThreadStatus) Terminal() bool {
	return s == Archived
}

// Parse returns the ThreadStatus whose name equals name.
func Parse(name string) (ThreadStatus, error) {
	for i, e := range table {
		if e.name == name {
			return ThreadStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// ToTag returns the forum tag name for s.
func ToTag(s ThreadStatus) string {
	if !s.Valid() {
		return ""
	}
	return table[s].tag
}

// ToStatus returns the ThreadStatus for a forum tag name. Matching is
// case-insensitive against the status name.
func ToStatus(tag string) (ThreadStatus, error) {
	for i, e := range table {
		if strings.EqualFold(e.name, tag) {
			return ThreadStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}

// Value implements driver.Valuer; statuses are stored by name.
func (s ThreadStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return table[s].name, nil
}

// Scan implements sql.Scanner. Names outside the table are an error, never a
// default.
func (s *ThreadStatus) Scan(src any) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrUnknownStatus, src)
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
