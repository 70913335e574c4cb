// Package plots reads plot rows from the plot application's database. The
// query is read-only and its result is a snapshot at call time.
package plots

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/zulandar/plotsync/internal/config"
	"github.com/zulandar/plotsync/internal/status"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no plot has the requested id.
	ErrNotFound = errors.New("plots: plot not found")
	// ErrInvalidRow is returned when a plot row cannot be interpreted.
	ErrInvalidRow = errors.New("plots: invalid plot row")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Plot is one plot as the plot application reports it.
type Plot struct {
	ID    int32
	State status.PlotState
	// OwnerRef is the canonical UUID of the owner, empty for unclaimed plots.
	OwnerRef string
	City     string
}

// Source reads plots from a gorm connection.
type Source struct {
	db    *gorm.DB
	table string
	cols  columns
}

type columns struct {
	id, state, owner, city string
}

// New creates a Source for the table and columns in cfg.
func New(db *gorm.DB, cfg config.PlotsConfig) (*Source, error) {
	if db == nil {
		return nil, fmt.Errorf("plots: db is required")
	}
	cols := columns{id: cfg.IDColumn, state: cfg.StatusColumn, owner: cfg.OwnerColumn, city: cfg.CityColumn}
	for _, name := range []string{cfg.Table, cols.id, cols.state, cols.owner} {
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("plots: %q is not a valid table or column name", name)
		}
	}
	if cols.city != "" && !identifier.MatchString(cols.city) {
		return nil, fmt.Errorf("plots: %q is not a valid column name", cols.city)
	}
	return &Source{db: db, table: cfg.Table, cols: cols}, nil
}

type row struct {
	ID    int32
	State string
	Owner *string
	City  *string
}

func (s *Source) selectClause() string {
	sel := fmt.Sprintf("%s AS id, %s AS state, %s AS owner", s.cols.id, s.cols.state, s.cols.owner)
	if s.cols.city != "" {
		sel += fmt.Sprintf(", %s AS city", s.cols.city)
	}
	return sel
}

// Plot returns the plot with the given id.
func (s *Source) Plot(ctx context.Context, id int32) (Plot, error) {
	var r row
	err := s.db.WithContext(ctx).Table(s.table).
		Select(s.selectClause()).
		Where(s.cols.id+" = ?", id).
		Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Plot{}, fmt.Errorf("plots: plot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Plot{}, fmt.Errorf("plots: query plot %d: %w", id, err)
	}
	return r.plot()
}

func (r row) plot() (Plot, error) {
	state, err := status.ParsePlotState(r.State)
	if err != nil {
		return Plot{}, fmt.Errorf("plots: plot %d: %w: %w", r.ID, ErrInvalidRow, err)
	}
	p := Plot{ID: r.ID, State: state}
	if r.Owner != nil && *r.Owner != "" {
		ref, err := NormalizeOwner(*r.Owner)
		if err != nil {
			return Plot{}, fmt.Errorf("plots: plot %d: %w: %w", r.ID, ErrInvalidRow, err)
		}
		p.OwnerRef = ref
	} else if state != status.PlotUnclaimed {
		return Plot{}, fmt.Errorf("plots: plot %d: %w: %s plot has no owner", r.ID, ErrInvalidRow, state)
	}
	if r.City != nil {
		p.City = *r.City
	}
	return p, nil
}

// NormalizeOwner returns the canonical hyphenated lowercase form of an owner
// UUID. Both dashed and undashed input is accepted.
func NormalizeOwner(raw string) (string, error) {
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("owner %q: %w", raw, err)
	}
	return u.String(), nil
}
