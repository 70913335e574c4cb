// Package i18n resolves message keys to user-facing text.
package i18n

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Translator turns a message key and its arguments into text.
type Translator interface {
	Translate(key string, args ...any) string
}

// Defaults holds the built-in English messages. Formats use fmt verbs and
// every key documents its arguments.
var Defaults = map[string]string{
	"status.on_going":  "In progress",
	"status.finished":  "Finished, waiting for review",
	"status.rejected":  "Rejected",
	"status.approved":  "Approved",
	"status.archived":  "Archived",
	"status.abandoned": "Abandoned",

	// thread.title: plot id
	"thread.title": "Plot #%d",
	// thread.title_city: plot id, city
	"thread.title_city": "Plot #%d · %s",
	// owner.label: owner ref
	"owner.label": "Builder: %s",
	// owner.label_linked: platform user id
	"owner.label_linked": "Builder: <@%s>",
	// status.feedback: review feedback
	"status.feedback": "Feedback: %s",

	// history.*: date
	"history.registered": "%s: thread opened",
	"history.created":    "%s: plot created",
	"history.submitted":  "%s: submitted for review",
	"history.approved":   "%s: approved",
	"history.rejected":   "%s: rejected",
	"history.abandoned":  "%s: abandoned",
	"history.archived":   "%s: archived",
	"history.reclaimed":  "%s: reclaimed",
	"history.synced":     "%s: status updated",

	// archive.prompt: plot id
	"archive.prompt":  "Archive the thread of plot #%d?",
	"archive.confirm": "Archive",
	"archive.cancel":  "Cancel",
	// archive.done: plot id
	"archive.done":      "Plot #%d archived.",
	"archive.cancelled": "Archive cancelled.",
	// refresh.prompt: plot id
	"refresh.prompt": "Refresh the thread of plot #%d from the plot database?",
	"refresh.button": "Refresh",
	// refresh.done: plot id
	"refresh.done": "Plot #%d refreshed.",
	// refresh.unchanged: plot id
	"refresh.unchanged":   "Plot #%d is already up to date.",
	"interaction.expired": "This prompt has expired. Run the command again.",
	// interaction.failed: error text
	"interaction.failed": "That did not work: %s",
}

// Catalog is a Translator backed by an x/text message catalog.
type Catalog struct {
	printer *message.Printer
}

// New builds a Catalog for lang from Defaults with overrides applied on top.
// An empty lang means English. Keys without an override keep the English
// default in every language.
func New(lang string, overrides map[string]string) (*Catalog, error) {
	tag := language.English
	if lang != "" {
		t, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("i18n: language %q: %w", lang, err)
		}
		tag = t
	}
	merged := make(map[string]string, len(Defaults)+len(overrides))
	for key, msg := range Defaults {
		merged[key] = msg
	}
	for key, msg := range overrides {
		merged[key] = msg
	}
	b := catalog.NewBuilder()
	for key, msg := range merged {
		if err := b.SetString(tag, key, msg); err != nil {
			return nil, fmt.Errorf("i18n: message %q: %w", key, err)
		}
	}
	return &Catalog{printer: message.NewPrinter(tag, message.Catalog(b))}, nil
}

// Translate formats the message for key. Unknown keys come back verbatim.
func (c *Catalog) Translate(key string, args ...any) string {
	return c.printer.Sprintf(key, args...)
}
