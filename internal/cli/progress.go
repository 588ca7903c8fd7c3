package cli

import (
	"fmt"
	"io"
)

// textProgress prints a title followed by a dot per pulse.
type textProgress struct {
	w io.Writer
}

func newTextProgress(w io.Writer) *textProgress {
	return &textProgress{w: w}
}

func (p *textProgress) Begin(title string) {
	_, _ = fmt.Fprintf(p.w, "%s", title)
}

func (p *textProgress) Pulse() {
	_, _ = fmt.Fprint(p.w, ".")
}

func (p *textProgress) End() {
	_, _ = fmt.Fprintln(p.w)
}
