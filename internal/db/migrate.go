package db

import (
	"fmt"
	"strings"

	"github.com/zulandar/plotsync/internal/models"
	"gorm.io/gorm"
)

// columnKind groups database type names into the families the registry cares about.
type columnKind int

const (
	kindOther columnKind = iota
	kindInteger
	kindText
)

// expectedColumns describes the registry table.
var expectedColumns = map[string]columnKind{
	"message_id":        kindInteger,
	"thread_id":         kindInteger,
	"plot_id":           kindInteger,
	"status":            kindText,
	"owner_ref":         kindText,
	"owner_platform_id": kindText,
	"feedback":          kindText,
	"schema_version":    kindInteger,
}

// AutoMigrate creates or updates the thread registry table.
func AutoMigrate(db *gorm.DB, table string) error {
	if err := db.Table(table).AutoMigrate(&models.ThreadRecord{}); err != nil {
		return fmt.Errorf("db: auto-migrate %s: %w", table, err)
	}
	return nil
}

// CheckSchema compares the registry table with the expected layout and
// returns one warning per mismatch. An error is returned only when the
// database cannot be inspected.
func CheckSchema(db *gorm.DB, table string) ([]string, error) {
	m := db.Migrator()
	if !m.HasTable(table) {
		return []string{fmt.Sprintf("table %s does not exist", table)}, nil
	}
	cols, err := m.ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("db: inspect %s: %w", table, err)
	}
	found := make(map[string]columnKind, len(cols))
	for _, c := range cols {
		found[strings.ToLower(c.Name())] = classify(c.DatabaseTypeName())
	}
	var warnings []string
	for _, name := range sortedColumns() {
		want := expectedColumns[name]
		got, ok := found[name]
		switch {
		case !ok:
			warnings = append(warnings, fmt.Sprintf("table %s: column %s is missing", table, name))
		case got != want:
			warnings = append(warnings, fmt.Sprintf("table %s: column %s has type %s, want %s", table, name, got, want))
		}
	}
	return warnings, nil
}

func (k columnKind) String() string {
	switch k {
	case kindInteger:
		return "integer"
	case kindText:
		return "text"
	}
	return "other"
}

func classify(typeName string) columnKind {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "INT"):
		return kindInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return kindText
	}
	return kindOther
}

func sortedColumns() []string {
	return []string{
		"message_id", "thread_id", "plot_id", "status",
		"owner_ref", "owner_platform_id", "feedback", "schema_version",
	}
}
