// Package ui renders the orchestration event stream to the terminal:
// streamed planner tokens, command boxes, gate prompts and warnings.
// Rendering consumes bus subscriptions only; it never touches state.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/ops-shell/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

const boxWidth = 76

var tierLabel = map[types.Tier]string{
	types.TierAuto:        ansiGreen + "auto" + ansiReset,
	types.TierApproval:    ansiYellow + "approval" + ansiReset,
	types.TierDestructive: ansiRed + ansiBold + "DESTRUCTIVE" + ansiReset,
}

// Display renders orchestration events to stdout.
type Display struct {
	events <-chan types.Event
	debug  bool

	streaming bool // a token stream is open on the current line
}

// New creates a Display over an event subscription.
func New(events <-chan types.Event, debug bool) *Display {
	return &Display{events: events, debug: debug}
}

// Run consumes events until ctx is cancelled. Call in its own goroutine.
func (d *Display) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.render(ev)
		}
	}
}

func (d *Display) render(ev types.Event) {
	switch ev.Kind {
	case types.EvTokenDelta:
		fmt.Print(ev.Text)
		d.streaming = true
	case types.EvToolStart:
		d.closeStream()
		fmt.Printf("%s┌─ %s %s%s\n", ansiDim, ev.Tool, clipPad(ev.Text, boxWidth-len(ev.Tool)-5), ansiReset)
	case types.EvToolEnd:
		d.printToolOutput(ev.Text)
	case types.EvApprovalRequest:
		d.closeStream()
		fmt.Printf("\n%s⚠ %s%s command awaits approval:%s\n  %s%s%s\n",
			ansiYellow, tierLabel[ev.Tier], ansiYellow, ansiReset, ansiBold, ev.Text, ansiReset)
	case types.EvWarning:
		d.closeStream()
		fmt.Printf("%s! %s%s\n", ansiRed, ev.Text, ansiReset)
	case types.EvNodeStart:
		if d.debug {
			fmt.Printf("%s[%s]%s\n", ansiDim, ev.Node, ansiReset)
		}
	case types.EvChainEnd:
		d.closeStream()
	}
}

func (d *Display) printToolOutput(out string) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	const maxLines = 20
	shown := lines
	if len(shown) > maxLines {
		shown = shown[:maxLines]
	}
	for _, line := range shown {
		fmt.Printf("%s│%s %s\n", ansiDim, ansiReset, clipPad(line, boxWidth))
	}
	if len(lines) > maxLines {
		fmt.Printf("%s│ ... (%d more lines)%s\n", ansiDim, len(lines)-maxLines, ansiReset)
	}
	fmt.Printf("%s└─%s\n", ansiDim, ansiReset)
}

func (d *Display) closeStream() {
	if d.streaming {
		fmt.Println()
		d.streaming = false
	}
}

// Banner prints the session header on entry.
func Banner(sess types.Session) {
	fmt.Printf("%s%s%s  %s\n", ansiBold+ansiCyan, sess.ID, ansiReset, sess.Goal)
	fmt.Printf("%smodes: /auto /exec /chat   direct: !<cmd>   /commit, /export, /quit%s\n",
		ansiDim, ansiReset)
}

// Errorf prints a red error line.
func Errorf(format string, args ...any) {
	fmt.Printf(ansiRed+format+ansiReset+"\n", args...)
}

// Infof prints a dim informational line.
func Infof(format string, args ...any) {
	fmt.Printf(ansiDim+format+ansiReset+"\n", args...)
}

// clipPad truncates s to width terminal columns, appending an ellipsis when
// cut. Column math goes through runewidth so CJK and emoji stay aligned.
func clipPad(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width-1, "…")
}
