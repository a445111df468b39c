// Package spinner draws a one-line progress indicator on a terminal.
package spinner

import (
	"fmt"
	"io"
)

const (
	hideCursor = "\033[?25l"
	showCursor = "\033[?25h"
	clearLine  = "\r\033[K"
)

// Spinner renders a braille animation followed by a progress count. It is
// not safe for concurrent use.
type Spinner struct {
	w      io.Writer
	frames []string
	index  int
	shown  bool
}

// New returns a spinner that draws on w.
func New(w io.Writer) *Spinner {
	return &Spinner{
		w: w,
		frames: []string{
			"⣀⣀", "⣄⣀", "⣤⣀", "⣦⣄", "⣶⣤", "⣿⣦", "⣿⣷", "⣿⣿",
			"⣿⣿", "⣷⣿", "⣦⣿", "⣤⣷", "⣄⣦", "⣀⣤", "⣀⣄", "⣀⣀",
		},
	}
}

// Update advances to the next frame and redraws the line with done of total.
func (s *Spinner) Update(done, total int) {
	if !s.shown {
		fmt.Fprint(s.w, hideCursor)
		s.shown = true
	}
	fmt.Fprintf(s.w, "%s%s %d/%d images", clearLine, s.frames[s.index], done, total)
	s.index = (s.index + 1) % len(s.frames)
}

// Clear erases the line so other output can be written in its place.
func (s *Spinner) Clear() {
	if s.shown {
		fmt.Fprint(s.w, clearLine)
	}
}

// Cleanup erases the line and restores the cursor.
func (s *Spinner) Cleanup() {
	if !s.shown {
		return
	}
	fmt.Fprint(s.w, clearLine+showCursor)
	s.shown = false
}
