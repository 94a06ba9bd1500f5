package contract

// Role tags a conversation entry with its origin.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one ordered entry in a run's conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name identifies the provider or tool that produced the entry, if any.
	Name string `json:"name,omitempty"`
}

// Plan is the structured output of the planning step.
type Plan struct {
	Reasoning        string   `json:"reasoning"`
	RequiresProvider bool     `json:"requires_provider"`
	SelectedProvider string   `json:"selected_provider,omitempty"`
	Steps            []string `json:"steps"`
}

// ToolResult is an opaque result record produced by a capability provider.
type ToolResult struct {
	Provider string         `json:"provider"`
	Content  string         `json:"content"`
	Data     map[string]any `json:"data,omitempty"`
}

// State is the shared mutable record threaded through one graph run.
// The graph engine owns it while a run is in flight; the orchestrator
// receives it for persistence on completion.
type State struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	UserID    string `json:"user_id,omitempty"`

	// Prompt keeps the original user request verbatim for prompt building.
	Prompt string `json:"prompt"`

	// Messages is append-only; insertion order is meaningful.
	Messages []Message `json:"messages"`

	// ActiveNode names the next node to execute, or the engine's end sentinel.
	ActiveNode string `json:"active_node,omitempty"`

	// Metadata is shallow-merged on every node transition, later wins.
	Metadata map[string]any `json:"metadata,omitempty"`

	Plan        *Plan        `json:"plan,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// NeedsSynthesis forces a detour to the synthesis node. Once raised it is
	// cleared only by the synthesis node itself.
	NeedsSynthesis bool `json:"needs_synthesis,omitempty"`

	// Handoff holds the last provider's explicit routing target. The engine
	// consumes (and resets) it when the next node is chosen.
	Handoff string `json:"handoff,omitempty"`
}

// AppendMessages grows the transcript; entries are never reordered.
func (s *State) AppendMessages(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// MergeMetadata shallow-merges patch into the state metadata, later wins.
func (s *State) MergeMetadata(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		s.Metadata[k] = v
	}
}

// LastAssistantMessage returns the newest assistant entry, if any.
func (s *State) LastAssistantMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// ProviderResponse is what a capability provider hands back to the engine.
// All provider side effects are reported here, never via shared state.
type ProviderResponse struct {
	Messages      []Message      `json:"messages"`
	ToolResults   []ToolResult   `json:"tool_results,omitempty"`
	MetadataPatch map[string]any `json:"metadata_patch,omitempty"`

	// Handoff names the node that should run next. It takes precedence over
	// NeedsSynthesis when both are set.
	Handoff        string `json:"handoff,omitempty"`
	NeedsSynthesis bool   `json:"needs_synthesis,omitempty"`
}

// RunRequest is the orchestrator's public entry payload.
type RunRequest struct {
	SessionID string         `json:"session_id"`
	Prompt    string         `json:"prompt"`
	UserID    string         `json:"user_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	UseMemory bool           `json:"use_memory,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunResult is returned to the caller once a run reaches a terminal node.
// Summary stays empty when the run was aborted mid-flight.
type RunResult struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Aborted   bool           `json:"aborted,omitempty"`
}

// EventType discriminates progress events.
type EventType string

const (
	EventPlan           EventType = "plan"
	EventTodos          EventType = "todos"
	EventTodoUpdate     EventType = "todo-update"
	EventToken          EventType = "token"
	EventSynthesisStart EventType = "synthesis-start"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
	EventAborted        EventType = "aborted"
)

// ProgressEvent is the tagged union streamed to the presentation layer.
// The orchestrator is the sole publisher; events for one session arrive in
// node-execution order, tokens in token order.
type ProgressEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Node      string    `json:"node,omitempty"`
	Plan      *Plan     `json:"plan,omitempty"`
	Todos     []string  `json:"todos,omitempty"`
	TodoIndex int       `json:"todo_index,omitempty"`
	TodoState string    `json:"todo_state,omitempty"`
	Token     string    `json:"token,omitempty"`
	Message   string    `json:"message,omitempty"`
}
