// Package forum defines the remote forum contract the reconciler writes
// through. The Discord implementation lives in forum/discord.
package forum

import (
	"context"
	"errors"

	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/status"
)

var (
	// ErrNotFound is returned when the addressed thread or message is gone.
	ErrNotFound = errors.New("forum: not found")
	// ErrRateLimited is returned when rate-limit retries are exhausted.
	ErrRateLimited = errors.New("forum: rate limited")
)

// Forum is the remote platform as seen by the reconciler. Every call either
// succeeds or fails with ErrNotFound, ErrRateLimited or another error.
type Forum interface {
	// CreateThread posts a new thread whose first message renders spec.Nodes.
	CreateThread(ctx context.Context, spec ThreadSpec) (Posted, error)

	// EditMessage replaces the components of a thread's root message.
	EditMessage(ctx context.Context, threadID, messageID uint64, nodes []layout.Node) error

	// EditThreadTags sets the applied tags. When archived is true the thread
	// is also archived and locked.
	EditThreadTags(ctx context.Context, threadID uint64, tagIDs []string, archived bool) error

	// GetMessage fetches a message with its component tree.
	GetMessage(ctx context.Context, threadID, messageID uint64) (Message, error)

	// ForumTags lists the tags available on the forum channel.
	ForumTags(ctx context.Context) ([]status.Tag, error)
}

// ThreadSpec describes a thread to create.
type ThreadSpec struct {
	Name   string
	Nodes  []layout.Node
	TagIDs []string
}

// Posted identifies a created thread and its root message.
type Posted struct {
	ThreadID  uint64
	MessageID uint64
}

// Message is a fetched root message.
type Message struct {
	ID     uint64
	Nodes  []layout.Node
	TagIDs []string
}

// Interaction is a component press or a command invocation delivered by the
// platform. Command is empty for component presses; CustomID is empty for
// commands.
type Interaction struct {
	ID        string
	AppID     string
	Token     string
	CustomID  string
	UserID    uint64
	ChannelID uint64

	// Command is the invoked command, with a subcommand joined by a space.
	Command string
	// Options holds command option values in their text form.
	Options map[string]string
}

// ButtonStyle selects a button's colour.
type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

// Button is an interactive control whose custom id is an action id.
type Button struct {
	Label    string
	CustomID string
	Style    ButtonStyle
}

// Response answers an interaction.
type Response struct {
	Content   string
	Ephemeral bool
	Buttons   []Button
	// Update edits the message that carried the pressed button instead of
	// posting a new reply.
	Update bool
	// Defer acknowledges a press without changing anything yet. Platforms
	// drop presses that go unanswered for a few seconds, so slow work defers
	// first and then answers with Edit.
	Defer bool
	// Edit replaces the message of a deferred press.
	Edit bool
}

// Responder answers interactions.
type Responder interface {
	Respond(ctx context.Context, in Interaction, resp Response) error
}
