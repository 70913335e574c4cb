// Package layout renders plot thread messages into component trees and
// rebuilds them from trees Discord hands back.
package layout

// Kind is a component type. Values match Discord's component type numbers.
type Kind int

const (
	KindSection   Kind = 9
	KindText      Kind = 10
	KindThumbnail Kind = 11
	KindGallery   Kind = 12
	KindSeparator Kind = 14
	KindContainer Kind = 17
)

func (k Kind) String() string {
	switch k {
	case KindSection:
		return "section"
	case KindText:
		return "text"
	case KindThumbnail:
		return "thumbnail"
	case KindGallery:
		return "gallery"
	case KindSeparator:
		return "separator"
	case KindContainer:
		return "container"
	}
	return "unknown"
}

// Node is one component of a message tree.
type Node struct {
	Kind Kind
	ID   int

	// Text
	Content string

	// Container and Section
	Children    []Node
	Accessory   *Node
	AccentColor int

	// Thumbnail
	URL         string
	Description string

	// Gallery
	Items []MediaItem

	// Separator
	Divider bool
}

// MediaItem is one image of a gallery.
type MediaItem struct {
	URL         string
	Description string
}
