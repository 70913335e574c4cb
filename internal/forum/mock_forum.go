package forum

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/status"
)

// Operation names recorded by MockForum.
const (
	OpCreateThread   = "CreateThread"
	OpEditMessage    = "EditMessage"
	OpEditThreadTags = "EditThreadTags"
	OpGetMessage     = "GetMessage"
	OpForumTags      = "ForumTags"
	OpRespond        = "Respond"
)

// Call is one recorded MockForum call.
type Call struct {
	Op        string
	ThreadID  uint64
	MessageID uint64
}

// MockThread is the state MockForum keeps per thread.
type MockThread struct {
	Name      string
	MessageID uint64
	Nodes     []layout.Node
	TagIDs    []string
	Archived  bool
}

// MockForum implements Forum and Responder in memory for testing. Errors
// queued with FailNext are returned, one per call, before any state changes.
type MockForum struct {
	mu        sync.Mutex
	nextID    uint64
	tags      []status.Tag
	threads   map[uint64]*MockThread
	calls     []Call
	failures  map[string][]error
	responses []Response
	// OnCall, when set, runs at the start of every call outside the lock.
	OnCall func(op string)
}

// NewMockForum creates a MockForum exposing tags. Generated ids start at 1000.
func NewMockForum(tags []status.Tag) *MockForum {
	return &MockForum{
		nextID:   1000,
		tags:     tags,
		threads:  make(map[uint64]*MockThread),
		failures: make(map[string][]error),
	}
}

// StatusTags returns one tag per status with id "tag-<name>".
func StatusTags() []status.Tag {
	var tags []status.Tag
	for _, s := range status.All() {
		tags = append(tags, status.Tag{ID: "tag-" + status.ToTag(s), Name: status.ToTag(s)})
	}
	return tags
}

// FailNext queues errs for op. Each call to op consumes one.
func (m *MockForum) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetTags replaces the forum tags.
func (m *MockForum) SetTags(tags []status.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = tags
}

// Calls returns a copy of the recorded calls.
func (m *MockForum) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was called.
func (m *MockForum) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MockForum) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Thread returns a copy of a thread's state.
func (m *MockForum) Thread(threadID uint64) (MockThread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return MockThread{}, false
	}
	return *t, true
}

// ThreadCount returns the number of threads created.
func (m *MockForum) ThreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads)
}

// DeleteThread simulates a moderator removing a thread.
func (m *MockForum) DeleteThread(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
}

// SetNodes overwrites a thread's stored components.
func (m *MockForum) SetNodes(threadID uint64, nodes []layout.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.Nodes = nodes
	}
}

// Responses returns the interaction responses sent so far.
func (m *MockForum) Responses() []Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Response, len(m.responses))
	copy(out, m.responses)
	return out
}

func (m *MockForum) begin(op string, threadID, messageID uint64) error {
	if m.OnCall != nil {
		m.OnCall(op)
	}
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, ThreadID: threadID, MessageID: messageID})
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		m.mu.Unlock()
		return q[0]
	}
	m.mu.Unlock()
	return nil
}

// CreateThread creates an in-memory thread.
func (m *MockForum) CreateThread(ctx context.Context, spec ThreadSpec) (Posted, error) {
	if err := m.begin(OpCreateThread, 0, 0); err != nil {
		return Posted{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	threadID := m.nextID
	m.nextID++
	messageID := m.nextID
	m.threads[threadID] = &MockThread{
		Name:      spec.Name,
		MessageID: messageID,
		Nodes:     spec.Nodes,
		TagIDs:    append([]string(nil), spec.TagIDs...),
	}
	return Posted{ThreadID: threadID, MessageID: messageID}, nil
}

func (m *MockForum) lookup(threadID, messageID uint64) (*MockThread, error) {
	t, ok := m.threads[threadID]
	if !ok || t.MessageID != messageID {
		return nil, fmt.Errorf("mock forum: thread %d message %d: %w", threadID, messageID, ErrNotFound)
	}
	return t, nil
}

// EditMessage replaces a thread's stored components.
func (m *MockForum) EditMessage(ctx context.Context, threadID, messageID uint64, nodes []layout.Node) error {
	if err := m.begin(OpEditMessage, threadID, messageID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(threadID, messageID)
	if err != nil {
		return err
	}
	t.Nodes = nodes
	return nil
}

// EditThreadTags replaces a thread's tags.
func (m *MockForum) EditThreadTags(ctx context.Context, threadID uint64, tagIDs []string, archived bool) error {
	if err := m.begin(OpEditThreadTags, threadID, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("mock forum: thread %d: %w", threadID, ErrNotFound)
	}
	t.TagIDs = append([]string(nil), tagIDs...)
	t.Archived = archived
	return nil
}

// GetMessage returns a thread's stored components.
func (m *MockForum) GetMessage(ctx context.Context, threadID, messageID uint64) (Message, error) {
	if err := m.begin(OpGetMessage, threadID, messageID); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(threadID, messageID)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: t.MessageID, Nodes: t.Nodes, TagIDs: append([]string(nil), t.TagIDs...)}, nil
}

// ForumTags returns the configured tags.
func (m *MockForum) ForumTags(ctx context.Context) ([]status.Tag, error) {
	if err := m.begin(OpForumTags, 0, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]status.Tag(nil), m.tags...), nil
}

// Respond records an interaction response.
func (m *MockForum) Respond(ctx context.Context, in Interaction, resp Response) error {
	if err := m.begin(OpRespond, in.ChannelID, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}
