// Package interaction runs the button flows operators start from commands:
// archiving a plot's thread and refreshing it from the plot database.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/codec"
	"github.com/zulandar/plotsync/internal/correlator"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/i18n"
	"github.com/zulandar/plotsync/internal/metrics"
	"github.com/zulandar/plotsync/internal/models"
)

// Commands handled by Handle.
const (
	CommandArchive = "plot archive"
	CommandRefresh = "plot refresh"
)

// Action types carried in button custom ids.
const (
	ActionArchiveConfirm = "archive_confirm"
	ActionArchiveCancel  = "archive_cancel"
	ActionRefresh        = "refresh"
)

// Reconciler is the part of the reconciler the flows drive.
type Reconciler interface {
	Archive(ctx context.Context, plotID int32, override bool) (*models.ThreadRecord, error)
	Sync(ctx context.Context, plotID int32) (*models.ThreadRecord, bool, error)
}

// reply says how an answer reaches the user.
type reply int

const (
	replyNew    reply = iota // a fresh ephemeral message
	replyUpdate              // rewrite the message carrying the button
	replyEdit                // rewrite the message of a deferred press
)

func (r reply) response(content string) forum.Response {
	return forum.Response{
		Content:   content,
		Ephemeral: r == replyNew,
		Update:    r == replyUpdate,
		Edit:      r == replyEdit,
	}
}

type archiveFlow struct {
	PlotID   int32
	Override bool
}

type refreshFlow struct {
	PlotID int32
}

// Handler answers commands and button presses.
type Handler struct {
	rec  Reconciler
	resp forum.Responder
	corr *correlator.Correlator
	tr   i18n.Translator
	log  zerolog.Logger
}

// Opts holds parameters for creating a Handler.
type Opts struct {
	Reconciler Reconciler
	Responder  forum.Responder
	Correlator *correlator.Correlator // defaults to one with correlator.DefaultTTL
	Translator i18n.Translator
	Logger     zerolog.Logger
}

// New creates a Handler.
func New(opts Opts) (*Handler, error) {
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("interaction: reconciler is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("interaction: responder is required")
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("interaction: translator is required")
	}
	corr := opts.Correlator
	if corr == nil {
		corr = correlator.New(correlator.Opts{})
	}
	return &Handler{
		rec:  opts.Reconciler,
		resp: opts.Responder,
		corr: corr,
		tr:   opts.Translator,
		log:  opts.Logger.With().Str("component", "interaction").Logger(),
	}, nil
}

// Close drops every pending flow.
func (h *Handler) Close() {
	h.corr.Clear()
}

// Handle routes one interaction. Errors are answered to the user and logged,
// never returned.
func (h *Handler) Handle(ctx context.Context, in forum.Interaction) {
	switch {
	case in.Command != "":
		h.handleCommand(ctx, in)
	case in.CustomID != "":
		h.handleAction(ctx, in)
	}
}

func (h *Handler) handleCommand(ctx context.Context, in forum.Interaction) {
	plotID, err := plotOption(in.Options)
	if err != nil {
		h.fail(ctx, in, in.Command, err, replyNew)
		return
	}
	switch in.Command {
	case CommandArchive:
		override, _ := strconv.ParseBool(in.Options["override"])
		err = h.StartArchive(ctx, in, plotID, override)
	case CommandRefresh:
		err = h.StartRefresh(ctx, in, plotID)
	default:
		h.log.Warn().Str("command", in.Command).Msg("unknown command")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("command", in.Command).Int32("plot_id", plotID).Msg("start flow")
	}
}

// StartArchive asks the invoking user to confirm archiving a plot's thread.
func (h *Handler) StartArchive(ctx context.Context, in forum.Interaction, plotID int32, override bool) error {
	eventID, err := strconv.ParseUint(in.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("interaction: event id %q: %w", in.ID, err)
	}
	confirm, err := codec.NewActionID(ActionArchiveConfirm, eventID, in.UserID, codec.IntPayload(int64(plotID)))
	if err != nil {
		return err
	}
	cancel, err := codec.NewActionID(ActionArchiveCancel, eventID, in.UserID, codec.IntPayload(int64(plotID)))
	if err != nil {
		return err
	}
	h.corr.Put(eventID, archiveFlow{PlotID: plotID, Override: override})
	return h.resp.Respond(ctx, in, forum.Response{
		Content:   h.tr.Translate("archive.prompt", plotID),
		Ephemeral: true,
		Buttons: []forum.Button{
			{Label: h.tr.Translate("archive.confirm"), CustomID: confirm, Style: forum.ButtonDanger},
			{Label: h.tr.Translate("archive.cancel"), CustomID: cancel, Style: forum.ButtonSecondary},
		},
	})
}

// StartRefresh offers the invoking user a button that resyncs a plot.
func (h *Handler) StartRefresh(ctx context.Context, in forum.Interaction, plotID int32) error {
	eventID, err := strconv.ParseUint(in.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("interaction: event id %q: %w", in.ID, err)
	}
	refresh, err := codec.NewActionID(ActionRefresh, eventID, in.UserID, codec.IntPayload(int64(plotID)))
	if err != nil {
		return err
	}
	h.corr.Put(eventID, refreshFlow{PlotID: plotID})
	return h.resp.Respond(ctx, in, forum.Response{
		Content:   h.tr.Translate("refresh.prompt", plotID),
		Ephemeral: true,
		Buttons: []forum.Button{
			{Label: h.tr.Translate("refresh.button"), CustomID: refresh, Style: forum.ButtonPrimary},
		},
	})
}

func (h *Handler) handleAction(ctx context.Context, in forum.Interaction) {
	a, err := codec.ParseActionID(in.CustomID)
	if errors.Is(err, codec.ErrNotOwned) {
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("custom_id", in.CustomID).Msg("unparseable action id")
		metrics.Interactions.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	// Only the user who started a flow may drive it; presses by anyone else
	// get no answer at all.
	if a.UserID != in.UserID {
		h.log.Debug().Str("action", a.Type).Uint64("owner", a.UserID).Uint64("user", in.UserID).
			Msg("ignoring press by another user")
		metrics.Interactions.WithLabelValues(a.Type, "ignored").Inc()
		return
	}

	switch a.Type {
	case ActionArchiveConfirm:
		flow, ok := resolve[archiveFlow](ctx, h, in, a)
		if !ok {
			return
		}
		h.corr.Remove(a.EventID)
		h.deferReply(ctx, in, a.Type)
		if _, err := h.rec.Archive(ctx, flow.PlotID, flow.Override); err != nil {
			h.fail(ctx, in, a.Type, err, replyEdit)
			return
		}
		h.ack(ctx, in, a.Type, h.tr.Translate("archive.done", flow.PlotID), replyEdit)
	case ActionArchiveCancel:
		if _, ok := resolve[archiveFlow](ctx, h, in, a); !ok {
			return
		}
		h.corr.Remove(a.EventID)
		h.ack(ctx, in, a.Type, h.tr.Translate("archive.cancelled"), replyUpdate)
	case ActionRefresh:
		flow, ok := resolve[refreshFlow](ctx, h, in, a)
		if !ok {
			return
		}
		h.corr.Remove(a.EventID)
		h.deferReply(ctx, in, a.Type)
		_, changed, err := h.rec.Sync(ctx, flow.PlotID)
		if err != nil {
			h.fail(ctx, in, a.Type, err, replyEdit)
			return
		}
		key := "refresh.unchanged"
		if changed {
			key = "refresh.done"
		}
		h.ack(ctx, in, a.Type, h.tr.Translate(key, flow.PlotID), replyEdit)
	default:
		h.log.Warn().Str("action", a.Type).Msg("unknown action type")
		metrics.Interactions.WithLabelValues(a.Type, "unknown").Inc()
	}
}

// resolve loads the flow behind a press. An expired flow gets a re-run
// prompt; a flow of another type is an internal error.
func resolve[T any](ctx context.Context, h *Handler, in forum.Interaction, a codec.Action) (T, bool) {
	flow, err := correlator.GetAs[T](h.corr, a.EventID)
	switch {
	case errors.Is(err, correlator.ErrExpired):
		metrics.Interactions.WithLabelValues(a.Type, "expired").Inc()
		h.respond(ctx, in, a.Type, forum.Response{Content: h.tr.Translate("interaction.expired"), Update: true})
		return flow, false
	case err != nil:
		h.log.Error().Err(err).Str("action", a.Type).Uint64("event_id", a.EventID).
			Msg("interaction payload has the wrong type")
		h.fail(ctx, in, a.Type, errors.New("internal error"), replyUpdate)
		return flow, false
	}
	return flow, true
}

// deferReply acknowledges a press before work that talks to the forum and
// the plot database, which can outlast the platform's answer deadline.
func (h *Handler) deferReply(ctx context.Context, in forum.Interaction, action string) {
	h.respond(ctx, in, action, forum.Response{Defer: true})
}

func (h *Handler) ack(ctx context.Context, in forum.Interaction, action, content string, r reply) {
	metrics.Interactions.WithLabelValues(action, "ok").Inc()
	h.respond(ctx, in, action, r.response(content))
}

func (h *Handler) fail(ctx context.Context, in forum.Interaction, action string, err error, r reply) {
	metrics.Interactions.WithLabelValues(action, "error").Inc()
	h.log.Warn().Err(err).Str("action", action).Msg("interaction failed")
	h.respond(ctx, in, action, r.response(h.tr.Translate("interaction.failed", err.Error())))
}

func (h *Handler) respond(ctx context.Context, in forum.Interaction, action string, resp forum.Response) {
	if err := h.resp.Respond(ctx, in, resp); err != nil {
		h.log.Error().Err(err).Str("action", action).Str("interaction_id", in.ID).Msg("respond to interaction")
	}
}

func plotOption(opts map[string]string) (int32, error) {
	raw, ok := opts["plot_id"]
	if !ok {
		return 0, fmt.Errorf("interaction: plot_id is required")
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("interaction: plot_id %q is not a plot id", raw)
	}
	return int32(n), nil
}
