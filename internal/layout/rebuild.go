package layout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/plotsync/internal/codec"
)

// ErrCorruptLayout is returned when a tree cannot have been produced by any
// layout version this build knows about.
var ErrCorruptLayout = errors.New("layout: corrupt layout")

type decodeFunc func(b *Builder, root Node, m *Message) error

// decoders lists, per protocol version, how each family is read back. Older
// versions stay registered for as long as messages written by them can exist.
var decoders = map[int]map[codec.Family]decodeFunc{
	1: {
		codec.FamilyInfo:     decodeInfoV1,
		codec.FamilyStatus:   decodeStatusV1,
		codec.FamilyShowcase: decodeShowcaseV1,
	},
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptLayout, fmt.Sprintf(format, args...))
}

// Rebuild decodes a previously rendered tree back into a Message. Blocks from
// a newer layout version degrade to Raw text; anything else that does not
// decode is ErrCorruptLayout.
func (b *Builder) Rebuild(nodes []Node) (Message, error) {
	var m Message
	for i, n := range nodes {
		id, err := codec.Unpack(n.ID)
		if err != nil {
			return Message{}, corrupt("node %d: %v", i, err)
		}
		if id.Version > codec.CurrentVersion {
			m.Raw = append(m.Raw, Raw{ID: n.ID, Text: flattenText(n)})
			continue
		}
		if !id.IsRoot() {
			return Message{}, corrupt("node %d: top-level %s node is not a family root", i, id.Family)
		}
		fn, ok := decoders[id.Version][id.Family]
		if !ok {
			return Message{}, corrupt("node %d: no decoder for %s v%d", i, id.Family, id.Version)
		}
		if err := fn(b, n, &m); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// child unpacks a child id and checks it belongs to the root's family, slot
// and version.
func child(root Node, n Node) (codec.SubElement, error) {
	rid, err := codec.Unpack(root.ID)
	if err != nil {
		return 0, corrupt("root: %v", err)
	}
	cid, err := codec.Unpack(n.ID)
	if err != nil {
		return 0, corrupt("%s child: %v", rid.Family, err)
	}
	if cid.Family != rid.Family || cid.Slot != rid.Slot || cid.Version != rid.Version {
		return 0, corrupt("%s child %d belongs to %s slot %d", rid.Family, n.ID, cid.Family, cid.Slot)
	}
	if cid.IsRoot() {
		return 0, corrupt("%s child %d is a root id", rid.Family, n.ID)
	}
	return cid.Sub, nil
}

func expectKind(n Node, want Kind, what string) error {
	if n.Kind != want {
		return corrupt("%s: got %s node, want %s", what, n.Kind, want)
	}
	return nil
}

func decodeInfoV1(_ *Builder, root Node, m *Message) error {
	if m.Info != nil {
		return corrupt("duplicate info layout")
	}
	if err := expectKind(root, KindContainer, "info root"); err != nil {
		return err
	}
	info := &Info{}
	for _, n := range root.Children {
		sub, err := child(root, n)
		if err != nil {
			return err
		}
		switch sub {
		case InfoTitle:
			if err := expectKind(n, KindText, "info title"); err != nil {
				return err
			}
			info.Title = n.Content
		case InfoOwner:
			if err := expectKind(n, KindSection, "info owner"); err != nil {
				return err
			}
			if err := decodeOwnerV1(root, n, &info.Owner); err != nil {
				return err
			}
		case InfoSeparator:
			if err := expectKind(n, KindSeparator, "info separator"); err != nil {
				return err
			}
		case InfoHistory:
			if err := expectKind(n, KindText, "info history"); err != nil {
				return err
			}
			if n.Content != "" {
				info.History = strings.Split(n.Content, "\n")
			}
		default:
			return corrupt("info: unknown sub-element %d", sub)
		}
	}
	m.Info = info
	return nil
}

func decodeOwnerV1(root, section Node, owner *Owner) error {
	for _, n := range section.Children {
		sub, err := child(root, n)
		if err != nil {
			return err
		}
		if sub != InfoOwnerLabel {
			return corrupt("info owner: unknown sub-element %d", sub)
		}
		if err := expectKind(n, KindText, "info owner label"); err != nil {
			return err
		}
		owner.Label = n.Content
	}
	if section.Accessory == nil {
		return corrupt("info owner: missing thumbnail")
	}
	sub, err := child(root, *section.Accessory)
	if err != nil {
		return err
	}
	if sub != InfoAvatar {
		return corrupt("info owner: accessory sub-element %d", sub)
	}
	if err := expectKind(*section.Accessory, KindThumbnail, "info avatar"); err != nil {
		return err
	}
	owner.Ref = section.Accessory.Description
	owner.AvatarURL = section.Accessory.URL
	if owner.Ref == "" {
		return corrupt("info owner: thumbnail has no owner reference")
	}
	return nil
}

func decodeStatusV1(_ *Builder, root Node, m *Message) error {
	if m.Status != nil {
		return corrupt("duplicate status layout")
	}
	if err := expectKind(root, KindContainer, "status root"); err != nil {
		return err
	}
	st := &Status{Color: root.AccentColor}
	for _, n := range root.Children {
		sub, err := child(root, n)
		if err != nil {
			return err
		}
		switch sub {
		case StatusHeader:
			if err := expectKind(n, KindText, "status header"); err != nil {
				return err
			}
			st.Header = n.Content
		case StatusFeedback:
			if err := expectKind(n, KindText, "status feedback"); err != nil {
				return err
			}
			st.Feedback = n.Content
		default:
			return corrupt("status: unknown sub-element %d", sub)
		}
	}
	m.Status = st
	return nil
}

func decodeShowcaseV1(b *Builder, root Node, m *Message) error {
	if m.Showcase != nil {
		return corrupt("duplicate showcase layout")
	}
	if err := expectKind(root, KindContainer, "showcase root"); err != nil {
		return err
	}
	sc := &Showcase{}
	for _, n := range root.Children {
		sub, err := child(root, n)
		if err != nil {
			return err
		}
		if sub != ShowcaseGallery {
			return corrupt("showcase: unknown sub-element %d", sub)
		}
		if err := expectKind(n, KindGallery, "showcase gallery"); err != nil {
			return err
		}
		for _, item := range n.Items {
			sc.Images = append(sc.Images, b.imageName(item.URL))
		}
	}
	m.Showcase = sc
	return nil
}

// flattenText collects the text of a subtree, one line per text-bearing node.
func flattenText(n Node) string {
	var lines []string
	var walk func(Node)
	walk = func(n Node) {
		switch n.Kind {
		case KindText:
			if n.Content != "" {
				lines = append(lines, n.Content)
			}
		case KindThumbnail:
			if n.Description != "" {
				lines = append(lines, n.Description)
			}
		case KindGallery:
			for _, it := range n.Items {
				lines = append(lines, it.URL)
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
		if n.Accessory != nil {
			walk(*n.Accessory)
		}
	}
	walk(n)
	return strings.Join(lines, "\n")
}
