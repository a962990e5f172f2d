package toolerr

import (
	"fmt"
	"strings"
	"time"
)

// Detail is what a failure message is built from.
type Detail struct {
	// Tool is the name of the tool that was called.
	Tool string

	// Caller identifies the agent session that made the call.
	Caller string

	// Target holds the identifying arguments of the call in display order,
	// e.g. [["path", "sensors/a"]].
	Target [][2]string

	// Cause is the human-readable root cause.
	Cause string

	// Deadline is the wait that elapsed, for [Timeout] failures.
	Deadline time.Duration
}

// Message builds the short, user-visible text for a failure of kind k.
func Message(k Kind, d Detail) string {
	var b strings.Builder
	switch k {
	case NoActiveSession:
		b.WriteString("No active Diffusion session")
		if d.Caller != "" {
			fmt.Fprintf(&b, " for caller %q", d.Caller)
		}
		b.WriteString("; use the connect tool first")
		if d.Cause != "" {
			fmt.Fprintf(&b, " (%s)", d.Cause)
		}
		return b.String()

	case Timeout:
		fmt.Fprintf(&b, "%s timed out", d.Tool)
		if d.Deadline > 0 {
			fmt.Fprintf(&b, " after %s", d.Deadline)
		}
		writeTarget(&b, d.Target)
		if d.Cause != "" {
			fmt.Fprintf(&b, ": %s", d.Cause)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "%s: %s", k.Title(), d.Tool)
	writeTarget(&b, d.Target)
	if d.Cause != "" {
		fmt.Fprintf(&b, ": %s", d.Cause)
	}
	return b.String()
}

func writeTarget(b *strings.Builder, target [][2]string) {
	if len(target) == 0 {
		return
	}
	b.WriteString(" (")
	for i, kv := range target {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s=%s", kv[0], kv[1])
	}
	b.WriteString(")")
}
