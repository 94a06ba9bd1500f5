package prompt

import (
	_ "embed"
	"fmt"
	"strings"
)

var (
	//go:embed template/planner.txt
	plannerRaw string

	//go:embed template/compose.txt
	composeRaw string

	//go:embed template/direct.txt
	directRaw string
)

// Set holds the loaded prompt templates.
type Set struct {
	planner string
	compose string
	direct  string
}

// Load returns the embedded prompt set. Safe to call concurrently; the
// embed is compile-time and trimming is cheap.
func Load() Set {
	return Set{
		planner: strings.TrimSpace(plannerRaw),
		compose: strings.TrimSpace(composeRaw),
		direct:  strings.TrimSpace(directRaw),
	}
}

// Planner builds the planning prompt for one request. providers lists the
// selectable capability names; context carries prior-conversation excerpts
// and may be empty.
func (s Set) Planner(request, context string, providers []string) string {
	var b strings.Builder
	b.WriteString(s.planner)
	fmt.Fprintf(&b, "\n\nAvailable agents: %s\n", strings.Join(providers, ", "))
	if context != "" {
		fmt.Fprintf(&b, "\nConversation context:\n%s\n", context)
	}
	fmt.Fprintf(&b, "\nUser request:\n%s\n", request)
	return b.String()
}

// Compose builds the synthesis prompt over collected tool results.
func (s Set) Compose(request, reasoning, results string) string {
	var b strings.Builder
	b.WriteString(s.compose)
	if reasoning != "" {
		fmt.Fprintf(&b, "\n\nPlan reasoning:\n%s\n", reasoning)
	}
	fmt.Fprintf(&b, "\nCollected results:\n%s\n", results)
	fmt.Fprintf(&b, "\nUser request:\n%s\n", request)
	return b.String()
}

// Direct builds the no-tools answer prompt from the plan reasoning alone.
func (s Set) Direct(request, reasoning string) string {
	var b strings.Builder
	b.WriteString(s.direct)
	if reasoning != "" {
		fmt.Fprintf(&b, "\n\nPlan reasoning:\n%s\n", reasoning)
	}
	fmt.Fprintf(&b, "\nUser request:\n%s\n", request)
	return b.String()
}
