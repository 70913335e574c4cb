package layout

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/zulandar/plotsync/internal/codec"
)

// Slots of each family within a plot thread's root message.
const (
	SlotInfo     = 0
	SlotStatus   = 1
	SlotShowcase = 2
)

// Info sub-elements.
const (
	InfoTitle      codec.SubElement = 0
	InfoOwner      codec.SubElement = 1
	InfoAvatar     codec.SubElement = 2
	InfoOwnerLabel codec.SubElement = 3
	InfoSeparator  codec.SubElement = 4
	InfoHistory    codec.SubElement = 5
)

// Status sub-elements.
const (
	StatusHeader   codec.SubElement = 0
	StatusFeedback codec.SubElement = 1
)

// Showcase sub-elements.
const (
	ShowcaseGallery codec.SubElement = 0
)

// Owner identifies the plot's builder.
type Owner struct {
	Ref       string // plot application owner id, carried in the thumbnail description
	Label     string
	AvatarURL string
}

// Info is the title, owner and history of a plot.
type Info struct {
	Title   string
	Owner   Owner
	History []string
}

// AppendHistory adds one line to the history text.
func (i *Info) AppendHistory(line string) {
	i.History = append(i.History, line)
}

// Status is the current state banner of a plot.
type Status struct {
	Header   string
	Feedback string
	Color    int
}

// Showcase lists plot images. Entries are logical file names when they carry
// the configured prefix, otherwise literal URLs.
type Showcase struct {
	Images []string
}

// Raw is a block kept as text because it was written by a newer layout
// version this build cannot interpret.
type Raw struct {
	ID   int
	Text string
}

// Message is everything rendered into a thread's root message.
type Message struct {
	Info     *Info
	Status   *Status
	Showcase *Showcase
	Raw      []Raw
}

// Options configures showcase URL handling.
type Options struct {
	// ShowcaseBaseURL is joined with logical file names when rendering.
	ShowcaseBaseURL string
	// ShowcasePrefix marks file names that should be recovered as logical
	// names rather than literal URLs.
	ShowcasePrefix string
}

// Builder renders and rebuilds messages.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Render turns m into a component tree. Every node carries a packed id.
func (b *Builder) Render(m Message) ([]Node, error) {
	var nodes []Node
	if m.Info != nil {
		n, err := renderInfo(*m.Info)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if m.Status != nil {
		n, err := renderStatus(*m.Status)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if m.Showcase != nil && len(m.Showcase.Images) > 0 {
		n, err := b.renderShowcase(*m.Showcase)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	for _, r := range m.Raw {
		nodes = append(nodes, Node{Kind: KindText, ID: r.ID, Content: r.Text})
	}
	return nodes, nil
}

type packer struct {
	family codec.Family
	slot   int
	err    error
}

func (p *packer) id(sub codec.SubElement) int {
	if p.err != nil {
		return 0
	}
	id, err := codec.Pack(p.family, p.slot, sub)
	if err != nil {
		p.err = fmt.Errorf("layout: %s: %w", p.family, err)
	}
	return id
}

func renderInfo(info Info) (Node, error) {
	p := &packer{family: codec.FamilyInfo, slot: SlotInfo}
	owner := Node{
		Kind: KindSection,
		ID:   p.id(InfoOwner),
		Children: []Node{
			{Kind: KindText, ID: p.id(InfoOwnerLabel), Content: info.Owner.Label},
		},
		Accessory: &Node{
			Kind:        KindThumbnail,
			ID:          p.id(InfoAvatar),
			URL:         info.Owner.AvatarURL,
			Description: info.Owner.Ref,
		},
	}
	root := Node{
		Kind: KindContainer,
		ID:   p.id(codec.Root),
		Children: []Node{
			{Kind: KindText, ID: p.id(InfoTitle), Content: info.Title},
			owner,
			{Kind: KindSeparator, ID: p.id(InfoSeparator), Divider: true},
			{Kind: KindText, ID: p.id(InfoHistory), Content: strings.Join(info.History, "\n")},
		},
	}
	return root, p.err
}

func renderStatus(st Status) (Node, error) {
	p := &packer{family: codec.FamilyStatus, slot: SlotStatus}
	root := Node{
		Kind:        KindContainer,
		ID:          p.id(codec.Root),
		AccentColor: st.Color,
		Children: []Node{
			{Kind: KindText, ID: p.id(StatusHeader), Content: st.Header},
		},
	}
	if st.Feedback != "" {
		root.Children = append(root.Children, Node{Kind: KindText, ID: p.id(StatusFeedback), Content: st.Feedback})
	}
	return root, p.err
}

func (b *Builder) renderShowcase(sc Showcase) (Node, error) {
	p := &packer{family: codec.FamilyShowcase, slot: SlotShowcase}
	gallery := Node{Kind: KindGallery, ID: p.id(ShowcaseGallery)}
	for _, img := range sc.Images {
		gallery.Items = append(gallery.Items, MediaItem{URL: b.imageURL(img)})
	}
	root := Node{
		Kind:     KindContainer,
		ID:       p.id(codec.Root),
		Children: []Node{gallery},
	}
	return root, p.err
}

func (b *Builder) imageURL(img string) string {
	if strings.Contains(img, "://") || b.opts.ShowcaseBaseURL == "" {
		return img
	}
	return strings.TrimRight(b.opts.ShowcaseBaseURL, "/") + "/" + img
}

// imageName recovers a logical file name from a rendered URL, or returns the
// URL itself when its file name does not carry the showcase prefix.
func (b *Builder) imageName(raw string) string {
	if b.opts.ShowcasePrefix == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	name := path.Base(u.Path)
	if strings.HasPrefix(name, b.opts.ShowcasePrefix) {
		return name
	}
	return raw
}
