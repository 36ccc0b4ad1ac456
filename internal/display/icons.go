package display

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Icon represents a visual icon with Unicode and ASCII fallbacks
type Icon struct {
	Unicode string
	ASCII   string
	Color   Color
}

var icons = map[string]Icon{
	"success":  {Unicode: "✔", ASCII: "[OK]", Color: ColorGreen},
	"error":    {Unicode: "✖", ASCII: "[ERR]", Color: ColorRed},
	"warning":  {Unicode: "⚠", ASCII: "[WARN]", Color: ColorYellow},
	"info":     {Unicode: "ℹ", ASCII: "[INFO]", Color: ColorBlue},
	"archive":  {Unicode: "▣", ASCII: "[A]", Color: ColorCyan},
	"upload":   {Unicode: "↑", ASCII: "^", Color: ColorCyan},
	"bullet":   {Unicode: "•", ASCII: "*", Color: ColorWhite},
	"arrow":    {Unicode: "→", ASCII: "->", Color: ColorBlue},
	"notified": {Unicode: "✉", ASCII: "[MSG]", Color: ColorYellow},
}

// IconSet renders icons with an ASCII fallback
type IconSet struct {
	unicode bool
}

// NewIconSet detects Unicode support for f.
func NewIconSet(f *os.File) *IconSet {
	return &IconSet{unicode: detectUnicodeSupport(f)}
}

// NewASCIIIconSet always renders the ASCII form.
func NewASCIIIconSet() *IconSet {
	return &IconSet{}
}

// detectUnicodeSupport checks if the terminal supports Unicode characters
func detectUnicodeSupport(f *os.File) bool {
	if os.Getenv("FORCE_UNICODE") != "" {
		return true
	}
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	if term := os.Getenv("TERM"); term == "dumb" || term == "vt100" {
		return false
	}
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Get returns the icon for name, or "?" when unknown
func (s *IconSet) Get(name string) Icon {
	if icon, ok := icons[name]; ok {
		return icon
	}
	return Icon{Unicode: "?", ASCII: "?", Color: ColorWhite}
}

// Render returns the Unicode or ASCII form of the icon
func (s *IconSet) Render(name string) string {
	icon := s.Get(name)
	if s.unicode {
		return icon.Unicode
	}
	return icon.ASCII
}

// RenderWithColor returns the icon with its color applied
func (s *IconSet) RenderWithColor(name string, cs *ColorSystem) string {
	return cs.Colorize(s.Render(name), s.Get(name).Color)
}
