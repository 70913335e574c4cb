package discord

import "github.com/zulandar/plotsync/internal/layout"

// blankText stands in for empty text displays, which Discord rejects.
const blankText = "\u200b"

// component is the Components V2 wire shape of a layout.Node.
type component struct {
	Type        int            `json:"type"`
	ID          int            `json:"id,omitempty"`
	Content     string         `json:"content,omitempty"`
	Components  []component    `json:"components,omitempty"`
	Accessory   *component     `json:"accessory,omitempty"`
	AccentColor *int           `json:"accent_color,omitempty"`
	Media       *unfurledMedia `json:"media,omitempty"`
	Description string         `json:"description,omitempty"`
	Items       []galleryItem  `json:"items,omitempty"`
	Divider     *bool          `json:"divider,omitempty"`
}

type unfurledMedia struct {
	URL string `json:"url"`
}

type galleryItem struct {
	Media       unfurledMedia `json:"media"`
	Description string        `json:"description,omitempty"`
}

func toComponents(nodes []layout.Node) []component {
	out := make([]component, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toComponent(n))
	}
	return out
}

func toComponent(n layout.Node) component {
	c := component{Type: int(n.Kind), ID: n.ID}
	switch n.Kind {
	case layout.KindText:
		c.Content = n.Content
		if c.Content == "" {
			c.Content = blankText
		}
	case layout.KindContainer:
		c.Components = toComponents(n.Children)
		if n.AccentColor != 0 {
			color := n.AccentColor
			c.AccentColor = &color
		}
	case layout.KindSection:
		c.Components = toComponents(n.Children)
		if n.Accessory != nil {
			acc := toComponent(*n.Accessory)
			c.Accessory = &acc
		}
	case layout.KindThumbnail:
		c.Media = &unfurledMedia{URL: n.URL}
		c.Description = n.Description
	case layout.KindGallery:
		for _, it := range n.Items {
			c.Items = append(c.Items, galleryItem{Media: unfurledMedia{URL: it.URL}, Description: it.Description})
		}
	case layout.KindSeparator:
		divider := n.Divider
		c.Divider = &divider
	}
	return c
}

// fromComponents converts a fetched tree back into nodes. Component types
// layout does not know pass through with their id so the rebuilder can reject
// them.
func fromComponents(cs []component) []layout.Node {
	if len(cs) == 0 {
		return nil
	}
	out := make([]layout.Node, 0, len(cs))
	for _, c := range cs {
		out = append(out, fromComponent(c))
	}
	return out
}

func fromComponent(c component) layout.Node {
	n := layout.Node{Kind: layout.Kind(c.Type), ID: c.ID}
	switch n.Kind {
	case layout.KindText:
		n.Content = c.Content
		if n.Content == blankText {
			n.Content = ""
		}
	case layout.KindContainer, layout.KindSection:
		n.Children = fromComponents(c.Components)
		if c.AccentColor != nil {
			n.AccentColor = *c.AccentColor
		}
		if c.Accessory != nil {
			acc := fromComponent(*c.Accessory)
			n.Accessory = &acc
		}
	case layout.KindThumbnail:
		if c.Media != nil {
			n.URL = c.Media.URL
		}
		n.Description = c.Description
	case layout.KindGallery:
		for _, it := range c.Items {
			n.Items = append(n.Items, layout.MediaItem{URL: it.Media.URL, Description: it.Description})
		}
	case layout.KindSeparator:
		// Discord omits divider when it holds the default.
		n.Divider = c.Divider == nil || *c.Divider
	}
	return n
}
