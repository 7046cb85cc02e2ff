// Package face builds what the watch face shows from the clock and the
// cached weather snapshot. It never talks to the channel.
package face

import (
	"embed"
	"errors"
	"html/template"
	"image"
	"io"
	"io/fs"
	"strings"
	"time"

	"weathersync/internal/snapshot"
)

//go:embed templates/*.html
var viewsFS embed.FS

var faceTmpl *template.Template

const (
	Placeholder = "-"
	IconURL     = "/face/icon.png"

	clockLayout = "03:04"
	dateLayout  = "Mon, Jan 2 2006"
)

type Mode struct {
	Ambient bool
	// LowBit is set on screens that lose anti-aliasing in ambient mode.
	LowBit bool
}

type Model struct {
	Time      string    `json:"time"`
	Date      string    `json:"date"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	HasIcon   bool      `json:"has_icon"`
	IconURL   string    `json:"icon_url,omitempty"`
	IconSize  int       `json:"icon_size,omitempty"`
	SentTime  time.Time `json:"sent_time,omitzero"`
	Ambient   bool      `json:"ambient"`
	AntiAlias bool      `json:"anti_alias"`

	Icon image.Image `json:"-"`
}

// Build returns the face for now. Without a snapshot the weather shows
// placeholders and no icon.
func Build(now time.Time, snap snapshot.Snapshot, ok bool, mode Mode) Model {
	m := Model{
		Time:      now.Format(clockLayout),
		Date:      strings.ToUpper(now.Format(dateLayout)),
		High:      Placeholder,
		Low:       Placeholder,
		Ambient:   mode.Ambient,
		AntiAlias: !(mode.Ambient && mode.LowBit),
	}
	if !ok {
		return m
	}
	m.High = snap.High
	m.Low = snap.Low
	m.SentTime = snap.SentTime
	if snap.Icon != nil {
		m.Icon = snap.Icon
		m.HasIcon = true
		m.IconURL = IconURL
		m.IconSize = snap.Icon.Bounds().Dx()
	}
	return m
}

func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	faceTmpl, err = template.ParseFS(sub, "*.html")
	return err
}

// LoadTemplates parses the embedded face view. Call it once at startup.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

func Render(w io.Writer, m Model) error {
	if faceTmpl == nil {
		return errors.New("face template not loaded: call face.LoadTemplates during startup")
	}
	return faceTmpl.ExecuteTemplate(w, "face.html", m)
}
