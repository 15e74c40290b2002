package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/tether/internal/stream"
)

// eventPrinter renders stream events for a terminal. Reply text goes to out
// so it can be piped; everything else is commentary on errOut.
type eventPrinter struct {
	out    io.Writer
	errOut io.Writer
	json   bool

	midText bool
}

func (p *eventPrinter) print(ev stream.Event) {
	if p.json {
		b, _ := json.Marshal(ev)
		_, _ = fmt.Fprintln(p.out, string(b))
		return
	}
	switch ev.Type {
	case stream.TypeText:
		_, _ = io.WriteString(p.out, ev.Text())
		p.midText = true
	case stream.TypeThinking:
		p.note("thinking", ev.Text())
	default:
		p.note(ev.Type, string(ev.Data))
	}
}

func (p *eventPrinter) note(kind, body string) {
	if p.midText {
		_, _ = fmt.Fprintln(p.out)
		p.midText = false
	}
	_, _ = fmt.Fprintf(p.errOut, "[%s] %s\n", kind, body)
}

func (p *eventPrinter) finish() {
	if p.midText {
		_, _ = fmt.Fprintln(p.out)
		p.midText = false
	}
}
