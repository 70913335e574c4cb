// Package reconcile keeps forum threads and the thread registry in line with
// plot lifecycle events.
//
// Every operation takes the plot's lock, performs its remote writes and only
// then touches the registry, so a row never points at a thread that was not
// confirmed. Plots whose stored state cannot be decoded are quarantined and
// left alone until an operator resolves them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/codec"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/i18n"
	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/metrics"
	"github.com/zulandar/plotsync/internal/models"
	"github.com/zulandar/plotsync/internal/plots"
	"github.com/zulandar/plotsync/internal/registry"
	"github.com/zulandar/plotsync/internal/status"
)

var (
	ErrAlreadyRegistered = errors.New("reconcile: plot already registered")
	ErrNothingToArchive  = errors.New("reconcile: nothing to archive")
	ErrNotFound          = errors.New("reconcile: registration not found")
	ErrRemote            = errors.New("reconcile: remote error")
	ErrQuarantined       = errors.New("reconcile: plot quarantined")
	ErrSealed            = errors.New("reconcile: thread is archived")
	ErrInvalidTransition = errors.New("reconcile: invalid transition")
	ErrNotReady          = errors.New("reconcile: forum tags not validated")
	ErrNoOwner           = errors.New("reconcile: plot has no owner")
)

const (
	DefaultRetryBackoff = 5 * time.Second
	DefaultTagTimeout   = 60 * time.Second
	DefaultAvatarURL    = "https://mc-heads.net/avatar/%s"
)

// PlotSource reads the current state of a plot.
type PlotSource interface {
	Plot(ctx context.Context, id int32) (plots.Plot, error)
}

// Reconciler applies plot lifecycle events to forum threads.
type Reconciler struct {
	forum      forum.Forum
	registry   *registry.Registry
	plots      PlotSource
	builder    *layout.Builder
	tr         i18n.Translator
	log        zerolog.Logger
	backoff    time.Duration
	tagTimeout time.Duration
	avatarURL  string
	prefix     string
	now        func() time.Time

	locks *plotLocks

	mu         sync.RWMutex
	tags       *status.TagSet
	quarantine map[int32]string
	cache      map[uint64]layout.Message
}

// Opts holds parameters for creating a Reconciler.
type Opts struct {
	Forum      forum.Forum
	Registry   *registry.Registry
	Plots      PlotSource
	Translator i18n.Translator
	Logger     zerolog.Logger

	Builder        *layout.Builder // defaults to a builder without showcase URLs
	ShowcasePrefix string          // empty disables showcase galleries
	AvatarURL      string          // fmt template taking the owner ref
	RetryBackoff   time.Duration
	TagTimeout     time.Duration
	Now            func() time.Time
}

// New creates a Reconciler. Forum tags must be validated with ValidateTags
// before any operation that writes a thread.
func New(opts Opts) (*Reconciler, error) {
	if opts.Forum == nil {
		return nil, fmt.Errorf("reconcile: forum is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("reconcile: registry is required")
	}
	if opts.Plots == nil {
		return nil, fmt.Errorf("reconcile: plot source is required")
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("reconcile: translator is required")
	}
	r := &Reconciler{
		forum:      opts.Forum,
		registry:   opts.Registry,
		plots:      opts.Plots,
		builder:    opts.Builder,
		tr:         opts.Translator,
		log:        opts.Logger.With().Str("component", "reconcile").Logger(),
		backoff:    opts.RetryBackoff,
		tagTimeout: opts.TagTimeout,
		avatarURL:  opts.AvatarURL,
		prefix:     opts.ShowcasePrefix,
		now:        opts.Now,
		locks:      newPlotLocks(),
		quarantine: make(map[int32]string),
		cache:      make(map[uint64]layout.Message),
	}
	if r.builder == nil {
		r.builder = layout.NewBuilder(layout.Options{ShowcasePrefix: opts.ShowcasePrefix})
	}
	if r.backoff <= 0 {
		r.backoff = DefaultRetryBackoff
	}
	if r.tagTimeout <= 0 {
		r.tagTimeout = DefaultTagTimeout
	}
	if r.avatarURL == "" {
		r.avatarURL = DefaultAvatarURL
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// ValidateTags loads the forum's tags and checks them against the status
// table. It gives up after the tag timeout.
func (r *Reconciler) ValidateTags(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.tagTimeout)
	defer cancel()
	tags, err := r.forum.ForumTags(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load forum tags: %w", err)
	}
	ts, err := status.ValidateTags(tags)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tags = ts
	r.mu.Unlock()
	r.log.Info().Int("tags", len(tags)).Msg("forum tags validated")
	return nil
}

// Ready reports whether forum tags have been validated.
func (r *Reconciler) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tags != nil
}

// RegisterNewThread creates a thread for a plot and registers it. Unless
// override is set it fails with ErrAlreadyRegistered when the plot already
// has a current row.
func (r *Reconciler) RegisterNewThread(ctx context.Context, plotID int32, initial status.ThreadStatus, override bool) (rec *models.ThreadRecord, err error) {
	defer r.observe("register", &err)
	if !initial.Valid() {
		return nil, fmt.Errorf("reconcile: register plot %d: %w", plotID, status.ErrUnknownStatus)
	}
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := r.checkQuarantine(plotID); err != nil {
		return nil, err
	}
	if !override {
		cur, err := r.current(ctx, plotID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: plot %d is tracked by message %d", ErrAlreadyRegistered, plotID, cur.MessageID)
		case !errors.Is(err, registry.ErrNotFound):
			return nil, err
		}
	}
	return r.register(ctx, plotID, initial, "history.registered")
}

// ApplyLifecycleEvent moves a plot's thread to the event's target status. A
// plot without a row is registered first, exactly as RegisterNewThread would.
func (r *Reconciler) ApplyLifecycleEvent(ctx context.Context, plotID int32, ev Event) (rec *models.ThreadRecord, err error) {
	defer r.observe("apply", &err)
	if ev == nil {
		return nil, fmt.Errorf("reconcile: apply to plot %d: nil event", plotID)
	}
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := r.checkQuarantine(plotID); err != nil {
		return nil, err
	}
	rec, err = r.current(ctx, plotID)
	if errors.Is(err, registry.ErrNotFound) {
		rec, err = r.register(ctx, plotID, status.OnGoing, "history.registered")
	}
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, rec, ev)
}

// Archive seals a plot's thread. Without override it archives the current
// thread and fails with ErrNothingToArchive, touching nothing remote, when
// there is none. With override it always opens a new archived thread and
// keeps older rows as history; this is the way out for threads whose layout
// can no longer be rebuilt, so it also lifts a quarantine.
func (r *Reconciler) Archive(ctx context.Context, plotID int32, override bool) (rec *models.ThreadRecord, err error) {
	defer r.observe("archive", &err)
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if override {
		rec, err := r.register(ctx, plotID, status.Archived, "history.archived")
		if err != nil {
			return nil, err
		}
		r.release(plotID)
		return rec, nil
	}

	if err := r.checkQuarantine(plotID); err != nil {
		return nil, err
	}
	rec, err = r.current(ctx, plotID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: plot %d", ErrNothingToArchive, plotID)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == status.Archived {
		return rec, nil
	}
	return r.apply(ctx, rec, Archived{})
}

// Sync reads the plot's current state and applies the matching event when
// the thread lags behind it. A reviewed thread counts as in line with a
// finished plot, states the thread cannot legally reach are left alone, and
// archived threads are never touched.
func (r *Reconciler) Sync(ctx context.Context, plotID int32) (rec *models.ThreadRecord, changed bool, err error) {
	defer r.observe("sync", &err)
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	if err := r.checkQuarantine(plotID); err != nil {
		return nil, false, err
	}
	rec, err = r.current(ctx, plotID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: plot %d: %w", ErrNotFound, plotID, err)
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Status.Terminal() {
		return rec, false, nil
	}
	plot, err := r.plots.Plot(ctx, plotID)
	if err != nil {
		return nil, false, fmt.Errorf("reconcile: read plot %d: %w", plotID, err)
	}
	ev, err := syncEvent(rec.Status, plot.State)
	if err != nil {
		return nil, false, err
	}
	if ev == nil {
		r.log.Debug().Int32("plot_id", plotID).Str("status", rec.Status.String()).
			Str("plot_state", string(plot.State)).Msg("thread in line with plot")
		return rec, false, nil
	}
	rec, err = r.apply(ctx, rec, ev)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// LinkOwner records the owner's Discord user id on the plot's current thread
// and shows it in the owner section.
func (r *Reconciler) LinkOwner(ctx context.Context, plotID int32, platformID string) (rec *models.ThreadRecord, err error) {
	defer r.observe("link_owner", &err)
	if platformID == "" {
		return nil, fmt.Errorf("reconcile: link owner of plot %d: empty user id", plotID)
	}
	return r.amend(ctx, plotID, func(rec *models.ThreadRecord) error {
		rec.OwnerPlatformID = &platformID
		return nil
	}, func(rec *models.ThreadRecord) error {
		return r.registry.SetOwnerPlatformID(ctx, rec.MessageID, platformID)
	})
}

// SetFeedback replaces the review feedback shown on a rejected thread. An
// empty feedback clears it.
func (r *Reconciler) SetFeedback(ctx context.Context, plotID int32, feedback string) (rec *models.ThreadRecord, err error) {
	defer r.observe("set_feedback", &err)
	var fb *string
	if feedback != "" {
		fb = &feedback
	}
	return r.amend(ctx, plotID, func(rec *models.ThreadRecord) error {
		if rec.Status != status.Rejected {
			return fmt.Errorf("%w: feedback on a %s thread", ErrInvalidTransition, rec.Status)
		}
		rec.Feedback = fb
		return nil
	}, func(rec *models.ThreadRecord) error {
		return r.registry.UpdateFeedback(ctx, rec.MessageID, fb)
	})
}

// amend changes a detail of the plot's current thread without moving its
// status: change edits a copy of the row, the message is rendered from it,
// and persist stores it.
func (r *Reconciler) amend(ctx context.Context, plotID int32, change, persist func(*models.ThreadRecord) error) (*models.ThreadRecord, error) {
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := r.checkQuarantine(plotID); err != nil {
		return nil, err
	}
	cur, err := r.current(ctx, plotID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: plot %d: %w", ErrNotFound, plotID, err)
	}
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: plot %d", ErrSealed, plotID)
	}
	out := *cur
	if err := change(&out); err != nil {
		return nil, err
	}
	mutate := func(m *layout.Message) {
		r.restyle(m, &out, out.Status, nil)
	}
	msg, err := r.load(ctx, &out)
	if err != nil {
		return nil, err
	}
	mutate(&msg)
	if msg, err = r.editMessage(ctx, &out, msg, mutate); err != nil {
		return nil, err
	}
	if err := persist(&out); err != nil {
		r.log.Error().Err(err).Int32("plot_id", plotID).Str("op", "amend").
			Uint64("thread_id", out.ThreadID).Uint64("message_id", out.MessageID).
			Msg("thread updated but registry row not")
		return nil, err
	}
	r.remember(out.MessageID, msg)
	r.log.Info().Int32("plot_id", plotID).Uint64("thread_id", out.ThreadID).Msg("thread details updated")
	return &out, nil
}

// DeleteRegistration removes exactly one row. The forum thread is left in
// place. Deleting a row is how an operator resolves a quarantined plot, so
// the plot's quarantine is lifted.
func (r *Reconciler) DeleteRegistration(ctx context.Context, messageID uint64) (err error) {
	defer r.observe("delete", &err)
	plotID, err := r.registry.PlotOf(ctx, messageID)
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return err
	}
	unlock, err := r.locks.lock(ctx, plotID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.registry.Delete(ctx, messageID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}
		return err
	}
	r.forget(messageID)
	r.release(plotID)
	r.log.Info().Int32("plot_id", plotID).Uint64("message_id", messageID).Msg("registration deleted, thread left in place")
	return nil
}

// Quarantined returns the quarantined plots and why.
func (r *Reconciler) Quarantined() map[int32]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int32]string, len(r.quarantine))
	for id, reason := range r.quarantine {
		out[id] = reason
	}
	return out
}

// QuarantinedIDs returns the quarantined plot ids in ascending order.
func (r *Reconciler) QuarantinedIDs() []int32 {
	q := r.Quarantined()
	ids := make([]int32, 0, len(q))
	for id := range q {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsQuarantined reports whether a plot is excluded from reconciliation.
func (r *Reconciler) IsQuarantined(plotID int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.quarantine[plotID]
	return ok
}

// register creates a thread and inserts its row. The caller holds the plot
// lock.
func (r *Reconciler) register(ctx context.Context, plotID int32, initial status.ThreadStatus, historyKey string) (*models.ThreadRecord, error) {
	tagID, err := r.tagFor(initial)
	if err != nil {
		return nil, err
	}
	plot, err := r.plots.Plot(ctx, plotID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read plot %d: %w", plotID, err)
	}
	if plot.OwnerRef == "" {
		return nil, fmt.Errorf("%w: plot %d", ErrNoOwner, plotID)
	}

	msg := r.compose(plot, initial)
	msg.Info.AppendHistory(r.historyLine(historyKey))
	nodes, err := r.builder.Render(msg)
	if err != nil {
		return nil, err
	}

	spec := forum.ThreadSpec{Name: msg.Info.Title, Nodes: nodes, TagIDs: []string{tagID}}
	var posted forum.Posted
	err = r.retryOnce(ctx, "create_thread", plotID, 0, func() error {
		var cerr error
		posted, cerr = r.forum.CreateThread(ctx, spec)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	if initial.Terminal() {
		err := r.retryOnce(ctx, "edit_tags", plotID, posted.ThreadID, func() error {
			return r.forum.EditThreadTags(ctx, posted.ThreadID, []string{tagID}, true)
		})
		if err != nil {
			return nil, err
		}
	}

	rec := &models.ThreadRecord{
		MessageID:     posted.MessageID,
		ThreadID:      posted.ThreadID,
		PlotID:        plotID,
		Status:        initial,
		OwnerRef:      plot.OwnerRef,
		SchemaVersion: codec.CurrentVersion,
	}
	if err := r.registry.Insert(ctx, rec); err != nil {
		r.log.Error().Err(err).Int32("plot_id", plotID).Str("op", "register").
			Uint64("thread_id", posted.ThreadID).Uint64("message_id", posted.MessageID).
			Msg("thread created but not registered")
		return nil, err
	}
	r.remember(rec.MessageID, msg)
	r.log.Info().Int32("plot_id", plotID).Uint64("thread_id", rec.ThreadID).
		Str("status", initial.String()).Msg("thread registered")
	return rec, nil
}

// apply runs one event against an existing row. The caller holds the plot
// lock.
func (r *Reconciler) apply(ctx context.Context, rec *models.ThreadRecord, ev Event) (*models.ThreadRecord, error) {
	if err := checkTransition(rec.Status, ev); err != nil {
		return nil, err
	}
	target := ev.Target()
	tagID, err := r.tagFor(target)
	if err != nil {
		return nil, err
	}
	var feedback *string
	if rj, ok := ev.(Rejected); ok && rj.Feedback != "" {
		fb := rj.Feedback
		feedback = &fb
	}
	line := r.historyLine(ev.HistoryKey())
	mutate := func(m *layout.Message) {
		r.restyle(m, rec, target, feedback)
		// A replay after a half-finished attempt may find the line already
		// delivered.
		if h := m.Info.History; len(h) == 0 || h[len(h)-1] != line {
			m.Info.AppendHistory(line)
		}
	}

	msg, err := r.load(ctx, rec)
	if err != nil {
		return nil, err
	}
	mutate(&msg)

	// Archiving locks the thread, after which its message cannot be edited,
	// so a sealing event edits the message first.
	sealing := target.Terminal()
	retag := func() error {
		return r.retryOnce(ctx, "edit_tags", rec.PlotID, rec.ThreadID, func() error {
			return r.forum.EditThreadTags(ctx, rec.ThreadID, []string{tagID}, sealing)
		})
	}
	if !sealing {
		if err := retag(); err != nil {
			return nil, err
		}
	}
	if msg, err = r.editMessage(ctx, rec, msg, mutate); err != nil {
		return nil, err
	}
	if sealing {
		if err := retag(); err != nil {
			return nil, err
		}
	}

	if err := r.registry.UpdateStatus(ctx, rec.MessageID, target, feedback); err != nil {
		r.log.Error().Err(err).Int32("plot_id", rec.PlotID).Str("op", "apply").
			Uint64("thread_id", rec.ThreadID).Uint64("message_id", rec.MessageID).
			Str("status", target.String()).Msg("thread updated but registry row not")
		return nil, err
	}
	r.remember(rec.MessageID, msg)

	out := *rec
	out.Status = target
	if feedback != nil {
		out.Feedback = feedback
	}
	r.log.Info().Int32("plot_id", rec.PlotID).Uint64("thread_id", rec.ThreadID).
		Str("event", eventName(ev)).Str("from", rec.Status.String()).Str("to", target.String()).
		Msg("lifecycle event applied")
	return &out, nil
}

// editMessage renders msg onto the thread. A not-found answer may mean the
// layout addressed stale component ids, so after the backoff the message is
// rebuilt from what the forum holds, mutated again and sent once more.
func (r *Reconciler) editMessage(ctx context.Context, rec *models.ThreadRecord, msg layout.Message, mutate func(*layout.Message)) (layout.Message, error) {
	nodes, err := r.builder.Render(msg)
	if err != nil {
		return msg, err
	}
	err = r.forum.EditMessage(ctx, rec.ThreadID, rec.MessageID, nodes)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, forum.ErrNotFound) {
		return msg, r.remoteErr("edit_message", rec.PlotID, rec.ThreadID, rec.MessageID, err)
	}

	metrics.RemoteRetries.WithLabelValues("edit_message").Inc()
	r.log.Warn().Err(err).Int32("plot_id", rec.PlotID).Uint64("thread_id", rec.ThreadID).
		Dur("backoff", r.backoff).Msg("edit not found, rebuilding layout before one retry")
	if err := sleep(ctx, r.backoff); err != nil {
		return msg, err
	}
	r.forget(rec.MessageID)
	fresh, err := r.fetch(ctx, rec)
	if err != nil {
		return msg, err
	}
	mutate(&fresh)
	if nodes, err = r.builder.Render(fresh); err != nil {
		return msg, err
	}
	if err := r.forum.EditMessage(ctx, rec.ThreadID, rec.MessageID, nodes); err != nil {
		return msg, r.remoteErr("edit_message", rec.PlotID, rec.ThreadID, rec.MessageID, err)
	}
	return fresh, nil
}

// load returns a private copy of the thread's layout, from cache when
// possible.
func (r *Reconciler) load(ctx context.Context, rec *models.ThreadRecord) (layout.Message, error) {
	r.mu.RLock()
	cached, ok := r.cache[rec.MessageID]
	r.mu.RUnlock()
	if ok {
		return cloneMessage(cached), nil
	}
	return r.fetch(ctx, rec)
}

// fetch rebuilds the thread's layout from the forum.
func (r *Reconciler) fetch(ctx context.Context, rec *models.ThreadRecord) (layout.Message, error) {
	remote, err := r.forum.GetMessage(ctx, rec.ThreadID, rec.MessageID)
	if err != nil {
		return layout.Message{}, r.remoteErr("get_message", rec.PlotID, rec.ThreadID, rec.MessageID, err)
	}
	msg, err := r.builder.Rebuild(remote.Nodes)
	if err != nil {
		return layout.Message{}, r.quarantineErr(rec.PlotID, err)
	}
	if msg.Info == nil || msg.Status == nil {
		err := fmt.Errorf("%w: message %d has no current info or status layout", layout.ErrCorruptLayout, rec.MessageID)
		return layout.Message{}, r.quarantineErr(rec.PlotID, err)
	}
	return msg, nil
}

// current returns the plot's current row, quarantining the plot when the
// row cannot be trusted.
func (r *Reconciler) current(ctx context.Context, plotID int32) (*models.ThreadRecord, error) {
	rec, err := r.registry.LatestByPlot(ctx, plotID)
	if errors.Is(err, registry.ErrCorruptRow) {
		return nil, r.quarantineErr(plotID, err)
	}
	if err != nil {
		return nil, err
	}
	if rec.SchemaVersion > codec.CurrentVersion {
		err := fmt.Errorf("%w: message %d has schema version %d", registry.ErrCorruptRow, rec.MessageID, rec.SchemaVersion)
		return nil, r.quarantineErr(plotID, err)
	}
	return rec, nil
}

// retryOnce runs fn and, when the forum answers not-found, waits the backoff
// and runs it exactly once more. Only operations safe to repeat use it.
func (r *Reconciler) retryOnce(ctx context.Context, op string, plotID int32, threadID uint64, fn func() error) error {
	err := fn()
	if errors.Is(err, forum.ErrNotFound) {
		metrics.RemoteRetries.WithLabelValues(op).Inc()
		r.log.Warn().Err(err).Int32("plot_id", plotID).Str("op", op).Uint64("thread_id", threadID).
			Dur("backoff", r.backoff).Msg("remote not found, retrying once")
		if serr := sleep(ctx, r.backoff); serr != nil {
			return serr
		}
		err = fn()
	}
	if err != nil {
		return r.remoteErr(op, plotID, threadID, 0, err)
	}
	return nil
}

func (r *Reconciler) remoteErr(op string, plotID int32, threadID, messageID uint64, err error) error {
	r.log.Error().Err(err).Int32("plot_id", plotID).Str("op", op).
		Uint64("thread_id", threadID).Uint64("message_id", messageID).
		Msg("remote call failed")
	return fmt.Errorf("%w: %s for plot %d: %w", ErrRemote, op, plotID, err)
}

func (r *Reconciler) quarantineErr(plotID int32, cause error) error {
	r.mu.Lock()
	r.quarantine[plotID] = cause.Error()
	n := len(r.quarantine)
	r.mu.Unlock()
	metrics.Quarantined.Set(float64(n))
	r.log.Error().Err(cause).Int32("plot_id", plotID).Msg("corrupt state, plot quarantined")
	return fmt.Errorf("%w: plot %d: %w", ErrQuarantined, plotID, cause)
}

func (r *Reconciler) checkQuarantine(plotID int32) error {
	r.mu.RLock()
	reason, ok := r.quarantine[plotID]
	r.mu.RUnlock()
	if ok {
		return fmt.Errorf("%w: plot %d: %s", ErrQuarantined, plotID, reason)
	}
	return nil
}

func (r *Reconciler) release(plotID int32) {
	r.mu.Lock()
	_, ok := r.quarantine[plotID]
	delete(r.quarantine, plotID)
	n := len(r.quarantine)
	r.mu.Unlock()
	if ok {
		metrics.Quarantined.Set(float64(n))
		r.log.Info().Int32("plot_id", plotID).Msg("quarantine lifted")
	}
}

func (r *Reconciler) tagFor(s status.ThreadStatus) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tags == nil {
		return "", ErrNotReady
	}
	id, ok := r.tags.TagID(s)
	if !ok {
		return "", fmt.Errorf("%w: %s", status.ErrMissingTag, status.ToTag(s))
	}
	return id, nil
}

func (r *Reconciler) remember(messageID uint64, m layout.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[messageID] = cloneMessage(m)
}

func (r *Reconciler) forget(messageID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, messageID)
}

func (r *Reconciler) observe(op string, errp *error) {
	outcome := "ok"
	switch err := *errp; {
	case err == nil:
	case errors.Is(err, ErrQuarantined):
		outcome = "quarantined"
	case errors.Is(err, ErrRemote):
		outcome = "remote_error"
	default:
		outcome = "error"
	}
	metrics.ReconcileOps.WithLabelValues(op, outcome).Inc()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
