package display

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Summary is the end-of-run view of a backup attempt.
type Summary struct {
	AttemptID     string
	Target        string
	Stage         string
	History       []string
	ArtifactPath  string
	Location      string
	Remote        bool
	Size          int64
	Duration      time.Duration
	Err           error
	Notified      []string
	NotifyFailed  []string
	NotifyEnabled bool
}

// Renderer writes summaries to an output stream.
type Renderer struct {
	out    io.Writer
	colors *ColorSystem
	icons  *IconSet
	theme  ColorTheme
}

// NewRenderer creates a renderer for out.
func NewRenderer(out io.Writer, colors *ColorSystem, icons *IconSet) *Renderer {
	return &Renderer{
		out:    out,
		colors: colors,
		icons:  icons,
		theme:  DefaultColorTheme(),
	}
}

// Render writes s. A successful run always names where the archive is.
func (r *Renderer) Render(s Summary) {
	if s.Err == nil {
		r.renderSuccess(s)
	} else {
		r.renderFailure(s)
	}

	r.line("info", "Attempt  %s", s.AttemptID)
	r.line("info", "Target   %s", s.Target)
	if len(s.History) > 0 {
		arrow := " " + r.icons.Render("arrow") + " "
		r.line("info", "Stages   %s", strings.Join(s.History, arrow))
	}
	r.line("info", "Duration %s", s.Duration.Round(time.Millisecond))
}

func (r *Renderer) renderSuccess(s Summary) {
	headline := r.colors.Bold(r.colors.Colorize("Backup completed", r.theme.Success))
	fmt.Fprintf(r.out, "%s %s\n", r.icons.RenderWithColor("success", r.colors), headline)

	if s.Remote {
		r.line("upload", "Uploaded to %s (%s)", s.Location, FormatBytes(s.Size))
		if s.ArtifactPath != "" {
			r.line("archive", "Local copy %s", s.ArtifactPath)
		}
	} else {
		r.line("archive", "Archive stored locally at %s (%s)", s.Location, FormatBytes(s.Size))
	}
}

func (r *Renderer) renderFailure(s Summary) {
	headline := r.colors.Bold(r.colors.Colorize("Backup failed", r.theme.Error))
	fmt.Fprintf(r.out, "%s %s at stage %s\n", r.icons.RenderWithColor("error", r.colors), headline, s.Stage)
	fmt.Fprintf(r.out, "  %s\n", r.colors.Colorize(s.Err.Error(), r.theme.Error))

	if s.ArtifactPath != "" {
		r.line("archive", "Archive left at %s", s.ArtifactPath)
	}

	switch {
	case !s.NotifyEnabled:
		r.line("warning", "No notification channels configured")
	default:
		if len(s.Notified) > 0 {
			r.line("notified", "Notified via %s", strings.Join(s.Notified, ", "))
		}
		if len(s.NotifyFailed) > 0 {
			r.line("warning", "Notification failed for %s", strings.Join(s.NotifyFailed, ", "))
		}
	}
}

func (r *Renderer) line(icon, format string, args ...interface{}) {
	fmt.Fprintf(r.out, "  %s %s\n", r.icons.RenderWithColor(icon, r.colors), fmt.Sprintf(format, args...))
}

// FormatBytes renders n using binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
