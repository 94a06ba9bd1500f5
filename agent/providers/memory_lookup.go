package providers

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	memoryx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/memory"
)

// MemoryLookupName is the registered name of the built-in provider.
const MemoryLookupName = "memory-lookup"

// MemoryLookup answers requests about past conversations and cached course
// context by searching the memory store's working set.
type MemoryLookup struct {
	store *memoryx.Manager
	limit int
}

func NewMemoryLookup(store *memoryx.Manager) *MemoryLookup {
	return &MemoryLookup{store: store, limit: 5}
}

func (p *MemoryLookup) Name() string {
	return MemoryLookupName
}

func (p *MemoryLookup) Execute(ctx context.Context, st *contractx.State) (contractx.ProviderResponse, error) {
	if p.store == nil {
		return contractx.ProviderResponse{}, fmt.Errorf("%w: not configured", contractx.ErrMemoryStore)
	}

	results := p.store.Search(ctx, st.Prompt)
	var found []contractx.ToolResult

	for i, s := range results.Sessions {
		if i >= p.limit {
			break
		}
		found = append(found, contractx.ToolResult{
			Provider: MemoryLookupName,
			Content:  describeSession(s),
			Data:     map[string]any{"session_id": s.SessionID, "thread_id": s.ThreadID},
		})
	}
	for i, c := range results.Courses {
		if i >= p.limit {
			break
		}
		found = append(found, contractx.ToolResult{
			Provider: MemoryLookupName,
			Content:  fmt.Sprintf("course %q with %d assignments and %d activities", c.Name, len(c.Assignments), len(c.Activities)),
			Data:     map[string]any{"course_id": c.CourseID},
		})
	}

	msg := contractx.Message{
		Role: contractx.RoleTool,
		Name: MemoryLookupName,
	}
	if len(found) == 0 {
		msg.Content = "no stored context matched the request"
	} else {
		msg.Content = fmt.Sprintf("found %d stored records matching the request", len(found))
	}

	return contractx.ProviderResponse{
		Messages:      []contractx.Message{msg},
		ToolResults:   found,
		MetadataPatch: map[string]any{"memory_matches": len(found)},
	}, nil
}

func describeSession(s *memoryx.SessionMemory) string {
	parts := []string{fmt.Sprintf("session %s", s.Key())}
	if s.Name != "" {
		parts = append(parts, s.Name)
	}
	if s.Summary != "" {
		parts = append(parts, s.Summary)
	}
	if len(s.Topics) > 0 {
		parts = append(parts, "topics: "+strings.Join(s.Topics, ", "))
	}
	return strings.Join(parts, "; ")
}
