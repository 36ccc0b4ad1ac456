// Package display renders operator-facing output: the end-of-run summary and
// dump progress.
package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// ColorTheme defines the color for each kind of message
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DefaultColorTheme returns the theme used for the summary
func DefaultColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// PlainTextTheme returns a theme that uses no colors
func PlainTextTheme() ColorTheme {
	return ColorTheme{}
}

// ColorSystem applies colors when the output supports them
type ColorSystem struct {
	supported bool
	profile   termenv.Profile
	colors    map[Color]*color.Color
}

// NewColorSystem detects color support for f.
func NewColorSystem(f *os.File) *ColorSystem {
	return newColorSystem(detectColorSupport(f))
}

// NewPlainColorSystem never emits escape sequences.
func NewPlainColorSystem() *ColorSystem {
	return newColorSystem(false)
}

func newColorSystem(supported bool) *ColorSystem {
	cs := &ColorSystem{
		supported: supported,
		profile:   termenv.Ascii,
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
		},
	}
	if supported {
		cs.profile = termenv.ColorProfile()
		for _, c := range cs.colors {
			c.EnableColor()
		}
	} else {
		for _, c := range cs.colors {
			c.DisableColor()
		}
	}
	return cs
}

// detectColorSupport checks if f is a terminal that accepts colors
func detectColorSupport(f *os.File) bool {
	if f == nil {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Colorize applies clr to text if color is supported
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.supported || clr == ColorReset {
		return text
	}
	if c, ok := cs.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats text with color
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// Bold emphasizes text using the detected terminal profile.
func (cs *ColorSystem) Bold(text string) string {
	if !cs.supported {
		return text
	}
	return cs.profile.String(text).Bold().String()
}

// IsColorSupported returns whether colors are emitted
func (cs *ColorSystem) IsColorSupported() bool {
	return cs.supported
}
