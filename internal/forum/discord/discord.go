// Package discord implements forum.Forum on a Discord forum channel.
//
// Thread messages use Components V2, which discordgo has no types for, so
// message bodies are sent and read as raw JSON through the session's request
// helper. Everything else goes through discordgo's typed calls.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/status"
	"golang.org/x/time/rate"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a 429.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute

	// flagComponentsV2 marks a message as built from layout components.
	flagComponentsV2 = 1 << 15

	// threadNameLimit is Discord's channel name limit.
	threadNameLimit = 100
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	RequestWithBucketID(method, urlStr string, data interface{}, bucketID string, options ...discordgo.RequestOption) ([]byte, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Adapter talks to one Discord forum channel.
type Adapter struct {
	sess     session
	botToken string
	forumID  string
	limiter  *rate.Limiter
	log      zerolog.Logger

	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan forum.Interaction
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken          string
	ForumChannelID    string
	RequestsPerSecond float64 // 0 disables client-side pacing
	Logger            zerolog.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ForumChannelID == "" {
		return nil, fmt.Errorf("discord: forum channel id is required")
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = int(math.Max(1, math.Ceil(opts.RequestsPerSecond)))
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		forumID:     opts.ForumChannelID,
		limiter:     rate.NewLimiter(limit, burst),
		log:         opts.Logger.With().Str("component", "discord").Logger(),
		inbound:     make(chan forum.Interaction, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the Discord Gateway connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds
		a.sess = dg
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info().Str("user", r.User.Username).Str("user_id", r.User.ID).Msg("connected")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn().Msg("gateway disconnected, discordgo will auto-reconnect")
	})
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		a.handleInteraction(i)
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Interactions returns presses and commands received after Connect. The channel
// is closed by Close.
func (a *Adapter) Interactions() <-chan forum.Interaction {
	return a.inbound
}

// Close shuts down the gateway connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

type createThreadRequest struct {
	Name        string          `json:"name"`
	AppliedTags []string        `json:"applied_tags,omitempty"`
	Message     messageEnvelope `json:"message"`
}

type messageEnvelope struct {
	Flags      int         `json:"flags"`
	Components []component `json:"components"`
}

type threadResponse struct {
	ID      string `json:"id"`
	Message *struct {
		ID string `json:"id"`
	} `json:"message"`
}

type messageResponse struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	Components []component `json:"components"`
}

// CreateThread posts a new forum thread.
func (a *Adapter) CreateThread(ctx context.Context, spec forum.ThreadSpec) (forum.Posted, error) {
	if err := a.ready(); err != nil {
		return forum.Posted{}, err
	}
	body := createThreadRequest{
		Name:        threadName(spec.Name),
		AppliedTags: spec.TagIDs,
		Message:     messageEnvelope{Flags: flagComponentsV2, Components: toComponents(spec.Nodes)},
	}
	endpoint := discordgo.EndpointChannelThreads(a.forumID)

	var raw []byte
	err := a.call(ctx, func() error {
		var apiErr error
		raw, apiErr = a.sess.RequestWithBucketID(http.MethodPost, endpoint, body, endpoint)
		return apiErr
	})
	if err != nil {
		return forum.Posted{}, fmt.Errorf("discord: create thread: %w", err)
	}

	var resp threadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return forum.Posted{}, fmt.Errorf("discord: decode thread: %w", err)
	}
	threadID, err := parseSnowflake(resp.ID)
	if err != nil {
		return forum.Posted{}, fmt.Errorf("discord: thread id: %w", err)
	}
	// A forum thread's starter message shares the thread's id.
	messageID := threadID
	if resp.Message != nil && resp.Message.ID != "" {
		if messageID, err = parseSnowflake(resp.Message.ID); err != nil {
			return forum.Posted{}, fmt.Errorf("discord: message id: %w", err)
		}
	}
	return forum.Posted{ThreadID: threadID, MessageID: messageID}, nil
}

// EditMessage replaces the components of a thread message.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID uint64, nodes []layout.Node) error {
	if err := a.ready(); err != nil {
		return err
	}
	ch, msg := formatSnowflake(threadID), formatSnowflake(messageID)
	endpoint := discordgo.EndpointChannelMessage(ch, msg)
	body := messageEnvelope{Flags: flagComponentsV2, Components: toComponents(nodes)}
	err := a.call(ctx, func() error {
		_, apiErr := a.sess.RequestWithBucketID(http.MethodPatch, endpoint, body, discordgo.EndpointChannelMessage(ch, ""))
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message %s in %s: %w", msg, ch, err)
	}
	return nil
}

// EditThreadTags sets the thread's tags and archived state.
func (a *Adapter) EditThreadTags(ctx context.Context, threadID uint64, tagIDs []string, archived bool) error {
	if err := a.ready(); err != nil {
		return err
	}
	ch := formatSnowflake(threadID)
	tags := append([]string{}, tagIDs...)
	edit := &discordgo.ChannelEdit{
		AppliedTags: &tags,
		Archived:    &archived,
		Locked:      &archived,
	}
	err := a.call(ctx, func() error {
		_, apiErr := a.sess.ChannelEditComplex(ch, edit)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit tags of %s: %w", ch, err)
	}
	return nil
}

// GetMessage fetches a thread message with its component tree.
func (a *Adapter) GetMessage(ctx context.Context, threadID, messageID uint64) (forum.Message, error) {
	if err := a.ready(); err != nil {
		return forum.Message{}, err
	}
	ch, msg := formatSnowflake(threadID), formatSnowflake(messageID)
	endpoint := discordgo.EndpointChannelMessage(ch, msg)

	var raw []byte
	err := a.call(ctx, func() error {
		var apiErr error
		raw, apiErr = a.sess.RequestWithBucketID(http.MethodGet, endpoint, nil, discordgo.EndpointChannelMessage(ch, ""))
		return apiErr
	})
	if err != nil {
		return forum.Message{}, fmt.Errorf("discord: get message %s in %s: %w", msg, ch, err)
	}
	var resp messageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return forum.Message{}, fmt.Errorf("discord: decode message %s: %w", msg, err)
	}

	var tagIDs []string
	err = a.call(ctx, func() error {
		thread, apiErr := a.sess.Channel(ch)
		if apiErr == nil {
			tagIDs = thread.AppliedTags
		}
		return apiErr
	})
	if err != nil {
		return forum.Message{}, fmt.Errorf("discord: get thread %s: %w", ch, err)
	}
	return forum.Message{ID: messageID, Nodes: fromComponents(resp.Components), TagIDs: tagIDs}, nil
}

// ForumTags lists the forum channel's available tags.
func (a *Adapter) ForumTags(ctx context.Context) ([]status.Tag, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var ch *discordgo.Channel
	err := a.call(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.Channel(a.forumID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("discord: forum channel %s: %w", a.forumID, err)
	}
	if ch.Type != discordgo.ChannelTypeGuildForum {
		return nil, fmt.Errorf("discord: channel %s is not a forum", a.forumID)
	}
	tags := make([]status.Tag, 0, len(ch.AvailableTags))
	for _, t := range ch.AvailableTags {
		tags = append(tags, status.Tag{ID: t.ID, Name: t.Name})
	}
	return tags, nil
}

// Respond answers an interaction. A deferred press is answered by editing
// its original response through the interaction webhook.
func (a *Adapter) Respond(ctx context.Context, in forum.Interaction, resp forum.Response) error {
	if err := a.ready(); err != nil {
		return err
	}
	ir := &discordgo.Interaction{ID: in.ID, AppID: in.AppID, Token: in.Token}
	if resp.Edit {
		content := resp.Content
		components := buttonRow(resp.Buttons)
		err := a.call(ctx, func() error {
			_, err := a.sess.InteractionResponseEdit(ir, &discordgo.WebhookEdit{
				Content:    &content,
				Components: &components,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("discord: edit response to interaction %s: %w", in.ID, err)
		}
		return nil
	}

	out := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource}
	switch {
	case resp.Defer:
		out.Type = discordgo.InteractionResponseDeferredMessageUpdate
	case resp.Update:
		out.Type = discordgo.InteractionResponseUpdateMessage
	}
	if !resp.Defer {
		out.Data = &discordgo.InteractionResponseData{
			Content:    resp.Content,
			Components: buttonRow(resp.Buttons),
		}
		if resp.Ephemeral {
			out.Data.Flags = discordgo.MessageFlagsEphemeral
		}
	}
	err := a.call(ctx, func() error {
		return a.sess.InteractionRespond(ir, out)
	})
	if err != nil {
		return fmt.Errorf("discord: respond to interaction %s: %w", in.ID, err)
	}
	return nil
}

func buttonRow(buttons []forum.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		// An empty slice clears components on update.
		return []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Label,
			CustomID: b.CustomID,
			Style:    buttonStyle(b.Style),
		})
	}
	return []discordgo.MessageComponent{row}
}

func buttonStyle(s forum.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case forum.ButtonSuccess:
		return discordgo.SuccessButton
	case forum.ButtonDanger:
		return discordgo.DangerButton
	case forum.ButtonSecondary:
		return discordgo.SecondaryButton
	}
	return discordgo.PrimaryButton
}

// handleInteraction forwards component presses and command invocations.
// Other interaction types are not ours to answer.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil {
		return
	}
	in := forum.Interaction{ID: i.ID, AppID: i.AppID, Token: i.Token}
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data, ok := i.Data.(discordgo.MessageComponentInteractionData)
		if !ok {
			return
		}
		in.CustomID = data.CustomID
	case discordgo.InteractionApplicationCommand:
		data, ok := i.Data.(discordgo.ApplicationCommandInteractionData)
		if !ok {
			return
		}
		in.Command, in.Options = commandOptions(data)
	default:
		return
	}

	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	default:
		return
	}
	userID, err := parseSnowflake(user.ID)
	if err != nil {
		a.log.Warn().Err(err).Str("interaction_id", i.ID).Msg("interaction without a usable user id")
		return
	}
	in.UserID = userID
	in.ChannelID, _ = parseSnowflake(i.ChannelID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- in:
	default:
		a.log.Warn().Str("interaction_id", i.ID).Msg("interaction queue full, dropping")
	}
}

// commandOptions flattens one level of subcommand into the command name.
func commandOptions(data discordgo.ApplicationCommandInteractionData) (string, map[string]string) {
	name := data.Name
	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		name += " " + opts[0].Name
		opts = opts[0].Options
	}
	values := make(map[string]string, len(opts))
	for _, o := range opts {
		values[o.Name] = fmt.Sprint(o.Value)
	}
	return name, values
}

// call paces fn, retries it on 429 and maps Discord errors onto the forum
// sentinels.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	err := a.retryOnRateLimit(ctx, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", forum.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", forum.ErrRateLimited, err)
		}
	}
	return err
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn().Int("attempt", attempt+1).Int("max", maxRetries).Dur("wait", wait).
			Msg("rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// threadName cuts name to Discord's limit, which counts characters.
func threadName(name string) string {
	if utf8.RuneCountInString(name) <= threadNameLimit {
		return name
	}
	return string([]rune(name)[:threadNameLimit])
}

func parseSnowflake(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func formatSnowflake(id uint64) string {
	return strconv.FormatUint(id, 10)
}
