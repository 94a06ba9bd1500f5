// Package plan turns free-text planning responses into structured plans.
//
// The parser sits on the hot path between a model call and graph routing,
// so it never fails: malformed or missing fields degrade to deterministic
// defaults and the caller always receives a usable plan.
package plan

import (
	"strings"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

const (
	markerReasoning = "reasoning"
	markerRequires  = "requires_tools"
	markerSelected  = "selected_agent"
	markerSteps     = "steps"

	defaultReasoning = "analyzing request"
	defaultStep      = "respond to the user"
)

// Parse extracts a plan from raw model output. Markers are matched
// case-insensitively; defaultRequires is the REQUIRES_TOOLS value assumed
// when the marker is missing or unreadable.
func Parse(raw string, defaultRequires bool) contractx.Plan {
	p := contractx.Plan{
		Reasoning:        defaultReasoning,
		RequiresProvider: defaultRequires,
	}

	inSteps := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		marker, rest, ok := splitMarker(line)
		if ok {
			inSteps = false
			switch marker {
			case markerReasoning:
				if rest != "" {
					p.Reasoning = rest
				}
			case markerRequires:
				p.RequiresProvider = parseYesNo(rest, defaultRequires)
			case markerSelected:
				p.SelectedProvider = parseProviderName(rest)
			case markerSteps:
				inSteps = true
				if step := trimBullet(rest); step != "" {
					p.Steps = append(p.Steps, step)
				}
			}
			continue
		}

		if inSteps {
			if step := trimBullet(line); step != "" {
				p.Steps = append(p.Steps, step)
			}
		}
	}

	if len(p.Steps) == 0 {
		p.Steps = []string{defaultStep}
	}
	// A named provider implies the capability is actually wanted.
	if p.SelectedProvider != "" {
		p.RequiresProvider = true
	}
	return p
}

func splitMarker(line string) (marker, rest string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	head := strings.ToLower(strings.TrimSpace(strings.Trim(line[:idx], "*# ")))
	switch head {
	case markerReasoning, markerRequires, markerSelected, markerSteps:
		return head, strings.TrimSpace(line[idx+1:]), true
	}
	return "", "", false
}

func parseYesNo(s string, fallback bool) bool {
	switch strings.ToLower(strings.Trim(s, ". ")) {
	case "yes", "y", "true", "1":
		return true
	case "no", "n", "false", "0":
		return false
	}
	return fallback
}

func parseProviderName(s string) string {
	name := strings.ToLower(strings.TrimSpace(s))
	// Keep only the first word so "web-search agent" resolves cleanly.
	if idx := strings.IndexAny(name, " \t"); idx > 0 {
		name = name[:idx]
	}
	name = strings.Trim(name, "\"'`.,")
	if name == "" || name == "none" || name == "null" || name == "n/a" {
		return ""
	}
	return name
}

func trimBullet(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*• \t")
	// Numbered lists: "1. do the thing" / "2) next". A bare leading number
	// with no delimiter is content, not a list marker.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
