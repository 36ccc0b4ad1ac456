package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressBar represents a progress bar component
type ProgressBar struct {
	current     int64
	total       int64
	message     string
	width       int
	writer      io.Writer
	colorSys    *ColorSystem
	theme       ColorTheme
	showPercent bool
	mu          sync.Mutex
}

// NewProgressBar creates a new progress bar. A total <= 0 renders a plain
// counter instead of a bar.
func NewProgressBar(total int64, message string, writer io.Writer, colorSys *ColorSystem, theme ColorTheme) *ProgressBar {
	return &ProgressBar{
		total:       total,
		message:     message,
		width:       40,
		writer:      writer,
		colorSys:    colorSys,
		theme:       theme,
		showPercent: true,
	}
}

// Update sets the current value and redraws
func (pb *ProgressBar) Update(current int64) {
	pb.mu.Lock()
	pb.current = current
	pb.mu.Unlock()
	pb.render()
}

// Finish draws the bar at its final value and ends the line
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.mu.Unlock()
	pb.render()
	fmt.Fprintln(pb.writer)
}

// SetWidth sets the width of the progress bar
func (pb *ProgressBar) SetWidth(width int) {
	pb.mu.Lock()
	pb.width = width
	pb.mu.Unlock()
}

func (pb *ProgressBar) render() {
	pb.mu.Lock()
	current, total, message, width := pb.current, pb.total, pb.message, pb.width
	pb.mu.Unlock()

	if total <= 0 {
		fmt.Fprintf(pb.writer, "\r%s %d", message, current)
		return
	}

	percentage := float64(current) / float64(total) * 100
	if percentage > 100 {
		percentage = 100
	}
	filledWidth := int(float64(width) * float64(current) / float64(total))
	if filledWidth > width {
		filledWidth = width
	}

	filled := strings.Repeat("█", filledWidth)
	empty := strings.Repeat("░", width-filledWidth)
	if pb.colorSys != nil {
		filled = pb.colorSys.Colorize(filled, pb.theme.Success)
		empty = pb.colorSys.Colorize(empty, pb.theme.Muted)
	}

	if pb.showPercent {
		fmt.Fprintf(pb.writer, "\r%s [%s%s] %6.1f%% (%d/%d)", message, filled, empty, percentage, current, total)
	} else {
		fmt.Fprintf(pb.writer, "\r%s [%s%s] (%d/%d)", message, filled, empty, current, total)
	}
}

// DumpProgress renders one bar per collection or table as the dump
// advances. Its Report method matches the dumpers' progress callback.
type DumpProgress struct {
	writer   io.Writer
	colorSys *ColorSystem
	theme    ColorTheme
	interval time.Duration

	mu       sync.Mutex
	scope    string
	bar      *ProgressBar
	lastDraw time.Time
}

// NewDumpProgress creates a progress reporter that redraws at most every
// interval.
func NewDumpProgress(writer io.Writer, colorSys *ColorSystem, interval time.Duration) *DumpProgress {
	return &DumpProgress{
		writer:   writer,
		colorSys: colorSys,
		theme:    DefaultColorTheme(),
		interval: interval,
	}
}

// Report records progress for scope. Moving to a new scope finishes the
// previous bar.
func (p *DumpProgress) Report(scope string, done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if scope != p.scope {
		if p.bar != nil {
			p.bar.Finish()
		}
		p.scope = scope
		p.bar = NewProgressBar(total, scope, p.writer, p.colorSys, p.theme)
		p.lastDraw = time.Time{}
	}

	p.bar.mu.Lock()
	p.bar.current = done
	p.bar.mu.Unlock()

	now := time.Now()
	if done == total || now.Sub(p.lastDraw) >= p.interval {
		p.bar.render()
		p.lastDraw = now
	}
}

// Close finishes the last bar.
func (p *DumpProgress) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
		p.scope = ""
	}
}
