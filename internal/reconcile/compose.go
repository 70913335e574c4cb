package reconcile

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/models"
	"github.com/zulandar/plotsync/internal/plots"
	"github.com/zulandar/plotsync/internal/status"
)

// statusColors are the accent colours of the status banner.
var statusColors = map[status.ThreadStatus]int{
	status.OnGoing:   0x3498db,
	status.Finished:  0xf1c40f,
	status.Rejected:  0xe74c3c,
	status.Approved:  0x2ecc71,
	status.Archived:  0x95a5a6,
	status.Abandoned: 0x7f8c8d,
}

const historyDate = "2006-01-02"

// compose builds the message of a new thread.
func (r *Reconciler) compose(plot plots.Plot, s status.ThreadStatus) layout.Message {
	title := r.tr.Translate("thread.title", plot.ID)
	if plot.City != "" {
		title = r.tr.Translate("thread.title_city", plot.ID, plot.City)
	}
	m := layout.Message{
		Info: &layout.Info{
			Title: title,
			Owner: layout.Owner{
				Ref:       plot.OwnerRef,
				Label:     r.tr.Translate("owner.label", plot.OwnerRef),
				AvatarURL: r.avatar(plot.OwnerRef),
			},
		},
		Status: &layout.Status{},
	}
	rec := &models.ThreadRecord{PlotID: plot.ID, OwnerRef: plot.OwnerRef}
	r.restyle(&m, rec, s, nil)
	return m
}

// restyle points the status banner and showcase of m at s. Feedback is shown
// only while the thread is rejected; a nil feedback keeps what rec holds.
func (r *Reconciler) restyle(m *layout.Message, rec *models.ThreadRecord, s status.ThreadStatus, feedback *string) {
	if m.Status == nil {
		m.Status = &layout.Status{}
	}
	m.Status.Header = r.tr.Translate(s.MessageKey())
	m.Status.Color = statusColors[s]
	m.Status.Feedback = ""
	if s == status.Rejected {
		fb := feedback
		if fb == nil {
			fb = rec.Feedback
		}
		if fb != nil && *fb != "" {
			m.Status.Feedback = r.tr.Translate("status.feedback", *fb)
		}
	}

	if m.Info != nil && rec.OwnerPlatformID != nil && *rec.OwnerPlatformID != "" {
		m.Info.Owner.Label = r.tr.Translate("owner.label_linked", *rec.OwnerPlatformID)
	}

	if r.prefix != "" && (s == status.Finished || s == status.Approved) {
		img := fmt.Sprintf("%s%d.png", r.prefix, rec.PlotID)
		if m.Showcase == nil {
			m.Showcase = &layout.Showcase{}
		}
		if !slices.Contains(m.Showcase.Images, img) {
			m.Showcase.Images = append(m.Showcase.Images, img)
		}
	}
}

func (r *Reconciler) historyLine(key string) string {
	return r.tr.Translate(key, r.now().UTC().Format(historyDate))
}

func (r *Reconciler) avatar(ref string) string {
	if !strings.Contains(r.avatarURL, "%s") {
		return r.avatarURL
	}
	return fmt.Sprintf(r.avatarURL, ref)
}

// cloneMessage returns a copy of m that shares no slices or pointers with it.
func cloneMessage(m layout.Message) layout.Message {
	out := layout.Message{Raw: append([]layout.Raw(nil), m.Raw...)}
	if m.Info != nil {
		info := *m.Info
		info.History = append([]string(nil), m.Info.History...)
		out.Info = &info
	}
	if m.Status != nil {
		st := *m.Status
		out.Status = &st
	}
	if m.Showcase != nil {
		out.Showcase = &layout.Showcase{Images: append([]string(nil), m.Showcase.Images...)}
	}
	return out
}
