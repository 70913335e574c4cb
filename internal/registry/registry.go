// Package registry stores which forum thread mirrors which plot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/db"
	"github.com/zulandar/plotsync/internal/metrics"
	"github.com/zulandar/plotsync/internal/models"
	"github.com/zulandar/plotsync/internal/status"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("registry: not found")
	// ErrCorruptRow is returned when a stored row cannot be decoded.
	ErrCorruptRow = errors.New("registry: corrupt row")
	// ErrDuplicate is returned when a message id is already registered.
	ErrDuplicate = errors.New("registry: message already registered")
)

// DefaultLeakSlack is how far opened statements may run ahead of closed ones
// before a warning is logged.
const DefaultLeakSlack = 4

// Registry is the durable plot/thread table.
type Registry struct {
	db    *gorm.DB
	table string
	log   zerolog.Logger
	slack int64

	opened atomic.Int64
	closed atomic.Int64
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	DB        *gorm.DB
	Table     string // defaults to models.DefaultThreadTable
	LeakSlack int    // defaults to DefaultLeakSlack
	Logger    zerolog.Logger
}

// New creates a Registry.
func New(opts Opts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	table := opts.Table
	if table == "" {
		table = models.DefaultThreadTable
	}
	slack := opts.LeakSlack
	if slack <= 0 {
		slack = DefaultLeakSlack
	}
	return &Registry{
		db:    opts.DB,
		table: table,
		log:   opts.Logger.With().Str("component", "registry").Str("table", table).Logger(),
		slack: int64(slack),
	}, nil
}

// Table returns the configured table name.
func (r *Registry) Table() string { return r.table }

// stmt scopes one statement. The returned release func must run on every
// exit path; it feeds the leak self-check.
func (r *Registry) stmt(ctx context.Context) (*gorm.DB, func()) {
	r.opened.Add(1)
	metrics.RegistryLeases.Inc()
	return r.db.WithContext(ctx).Table(r.table), func() {
		r.closed.Add(1)
		metrics.RegistryLeases.Dec()
		r.checkLeaks()
	}
}

// Outstanding is the number of statements opened but not yet released.
func (r *Registry) Outstanding() int64 {
	return r.opened.Load() - r.closed.Load()
}

func (r *Registry) checkLeaks() {
	if n := r.Outstanding(); n > r.slack {
		r.log.Warn().Int64("outstanding", n).Int64("slack", r.slack).
			Msg("registry statements opened but not released")
	}
}

// Migrate creates or updates the table.
func (r *Registry) Migrate(ctx context.Context) error {
	tx, release := r.stmt(ctx)
	defer release()
	return db.AutoMigrate(tx, r.table)
}

// ValidateSchema logs a warning for each mismatch between the table and the
// expected layout. Mismatches are not fatal.
func (r *Registry) ValidateSchema(ctx context.Context) ([]string, error) {
	tx, release := r.stmt(ctx)
	defer release()
	warnings, err := db.CheckSchema(tx, r.table)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		r.log.Warn().Msg(w)
	}
	return warnings, nil
}

// Insert adds a row. The message id must not exist yet.
func (r *Registry) Insert(ctx context.Context, rec *models.ThreadRecord) error {
	if rec.MessageID == 0 || rec.ThreadID == 0 {
		return fmt.Errorf("registry: insert plot %d: message and thread ids are required", rec.PlotID)
	}
	if rec.OwnerRef == "" {
		return fmt.Errorf("registry: insert plot %d: owner ref is required", rec.PlotID)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("registry: insert plot %d: %w", rec.PlotID, status.ErrUnknownStatus)
	}
	if _, err := r.Get(ctx, rec.MessageID); err == nil {
		return fmt.Errorf("registry: insert message %d: %w", rec.MessageID, ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	tx, release := r.stmt(ctx)
	defer release()
	if err := tx.Create(rec).Error; err != nil {
		return fmt.Errorf("registry: insert message %d: %w", rec.MessageID, err)
	}
	return nil
}

// Get returns the row for a message id.
func (r *Registry) Get(ctx context.Context, messageID uint64) (*models.ThreadRecord, error) {
	tx, release := r.stmt(ctx)
	defer release()
	var rec models.ThreadRecord
	err := tx.Where("message_id = ?", messageID).Take(&rec).Error
	if err != nil {
		return nil, r.wrap(fmt.Sprintf("get message %d", messageID), err)
	}
	return &rec, nil
}

// PlotOf returns the plot a message is registered for. It reads only the
// plot id, so it works on rows whose status is corrupt.
func (r *Registry) PlotOf(ctx context.Context, messageID uint64) (int32, error) {
	tx, release := r.stmt(ctx)
	defer release()
	var ids []int32
	if err := tx.Where("message_id = ?", messageID).Pluck("plot_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("registry: plot of message %d: %w", messageID, err)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("registry: plot of message %d: %w", messageID, ErrNotFound)
	}
	return ids[0], nil
}

// LatestByPlot returns the current row for a plot: the one with the highest
// message id.
func (r *Registry) LatestByPlot(ctx context.Context, plotID int32) (*models.ThreadRecord, error) {
	tx, release := r.stmt(ctx)
	defer release()
	var rec models.ThreadRecord
	err := tx.Where("plot_id = ?", plotID).Order("message_id DESC").Take(&rec).Error
	if err != nil {
		return nil, r.wrap(fmt.Sprintf("latest for plot %d", plotID), err)
	}
	return &rec, nil
}

// ListByPlot returns every row for a plot, newest first.
func (r *Registry) ListByPlot(ctx context.Context, plotID int32) ([]models.ThreadRecord, error) {
	tx, release := r.stmt(ctx)
	defer release()
	var recs []models.ThreadRecord
	err := tx.Where("plot_id = ?", plotID).Order("message_id DESC").Find(&recs).Error
	if err != nil {
		return nil, r.wrap(fmt.Sprintf("list plot %d", plotID), err)
	}
	return recs, nil
}

// ListCurrent returns the current row of every tracked plot, ordered by plot.
func (r *Registry) ListCurrent(ctx context.Context) ([]models.ThreadRecord, error) {
	tx, release := r.stmt(ctx)
	defer release()
	sub := r.db.WithContext(ctx).Table(r.table).Select("MAX(message_id)").Group("plot_id")
	var recs []models.ThreadRecord
	err := tx.Where("message_id IN (?)", sub).Order("plot_id").Find(&recs).Error
	if err != nil {
		return nil, r.wrap("list current", err)
	}
	return recs, nil
}

// TrackedPlots returns the id of every plot with at least one row, in
// ascending order. It reads only plot ids, so corrupt rows do not hide their
// plot.
func (r *Registry) TrackedPlots(ctx context.Context) ([]int32, error) {
	tx, release := r.stmt(ctx)
	defer release()
	var ids []int32
	if err := tx.Distinct("plot_id").Order("plot_id").Pluck("plot_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("registry: tracked plots: %w", err)
	}
	return ids, nil
}

// UpdateStatus sets status and, when feedback is non-nil, the feedback text.
func (r *Registry) UpdateStatus(ctx context.Context, messageID uint64, s status.ThreadStatus, feedback *string) error {
	if !s.Valid() {
		return fmt.Errorf("registry: update message %d: %w", messageID, status.ErrUnknownStatus)
	}
	updates := map[string]any{"status": s}
	if feedback != nil {
		updates["feedback"] = *feedback
	}
	return r.update(ctx, messageID, updates)
}

// UpdateFeedback replaces the feedback text. Nil clears it.
func (r *Registry) UpdateFeedback(ctx context.Context, messageID uint64, feedback *string) error {
	return r.update(ctx, messageID, map[string]any{"feedback": feedback})
}

// SetOwnerPlatformID records the owner's Discord user id.
func (r *Registry) SetOwnerPlatformID(ctx context.Context, messageID uint64, platformID string) error {
	return r.update(ctx, messageID, map[string]any{"owner_platform_id": platformID})
}

func (r *Registry) update(ctx context.Context, messageID uint64, updates map[string]any) error {
	tx, release := r.stmt(ctx)
	defer release()
	result := tx.Where("message_id = ?", messageID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("registry: update message %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: update message %d: %w", messageID, ErrNotFound)
	}
	return nil
}

// Delete removes exactly one row. It never touches the forum thread.
func (r *Registry) Delete(ctx context.Context, messageID uint64) error {
	tx, release := r.stmt(ctx)
	defer release()
	result := tx.Where("message_id = ?", messageID).Delete(&models.ThreadRecord{})
	if result.Error != nil {
		return fmt.Errorf("registry: delete message %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: delete message %d: %w", messageID, ErrNotFound)
	}
	return nil
}

func (r *Registry) wrap(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("registry: %s: %w", op, ErrNotFound)
	case errors.Is(err, status.ErrUnknownStatus):
		r.log.Error().Err(err).Str("op", op).Msg("registry row holds an unknown status")
		return fmt.Errorf("registry: %s: %w: %w", op, ErrCorruptRow, err)
	}
	return fmt.Errorf("registry: %s: %w", op, err)
}
