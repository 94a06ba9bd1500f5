// Package synthesis turns raw provider output into one final assistant
// message and streams it to the caller token by token.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	promptx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/prompt"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultTokenDelay = 15 * time.Millisecond

	// fallbackResultBudget caps the raw-result fallback answer when the text
	// service is unavailable.
	fallbackResultBudget = 1200

	genericAcknowledgment = "I could not produce a detailed answer right now. Please try again."
)

// Synthesizer composes the final answer. When tool results exist it builds
// a composition prompt over them; otherwise it answers directly from the
// plan reasoning. A text-service failure degrades to a deterministic
// fallback instead of failing the run.
type Synthesizer struct {
	text       contractx.TextService
	prompts    promptx.Set
	timeout    time.Duration
	tokenDelay time.Duration
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTokenDelay sets the pacing between streamed tokens.
func WithTokenDelay(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d >= 0 {
			s.tokenDelay = d
		}
	}
}

func New(text contractx.TextService, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		text:       text,
		prompts:    promptx.Load(),
		timeout:    defaultTimeout,
		tokenDelay: defaultTokenDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run produces the final assistant message for the state and streams it as
// word-granularity tokens through emit. Streaming is synthetic (the text
// service returns the whole string at once) and stops as soon as ctx is
// canceled. The returned text is the full message regardless of how much
// of it was streamed.
func (s *Synthesizer) Run(ctx context.Context, st *contractx.State, emit func(contractx.ProgressEvent)) (string, error) {
	if emit == nil {
		emit = func(contractx.ProgressEvent) {}
	}
	emit(contractx.ProgressEvent{
		Type:      contractx.EventSynthesisStart,
		SessionID: st.SessionID,
		Node:      "synthesis",
	})

	answer := s.compose(ctx, st)
	answer = postProcess(answer)

	if err := s.streamTokens(ctx, st.SessionID, answer, emit); err != nil {
		return answer, err
	}
	return answer, nil
}

func (s *Synthesizer) compose(ctx context.Context, st *contractx.State) string {
	reasoning := ""
	if st.Plan != nil {
		reasoning = st.Plan.Reasoning
	}

	if len(st.ToolResults) > 0 {
		prompt := s.prompts.Compose(st.Prompt, reasoning, concatResults(st.ToolResults, 0))
		answer, err := s.text.Complete(ctx, prompt, s.timeout)
		if err == nil && strings.TrimSpace(answer) != "" {
			return answer
		}
		log.Warn().Err(err).Str("session_id", st.SessionID).
			Msg("synthesis service failed, falling back to raw results")
		return concatResults(st.ToolResults, fallbackResultBudget)
	}

	prompt := s.prompts.Direct(st.Prompt, reasoning)
	answer, err := s.text.Complete(ctx, prompt, s.timeout)
	if err != nil || strings.TrimSpace(answer) == "" {
		log.Warn().Err(err).Str("session_id", st.SessionID).
			Msg("synthesis service failed on direct path")
		return genericAcknowledgment
	}
	return answer
}

func (s *Synthesizer) streamTokens(ctx context.Context, sessionID, text string, emit func(contractx.ProgressEvent)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for _, token := range strings.Fields(text) {
		timer.Reset(s.tokenDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		emit(contractx.ProgressEvent{
			Type:      contractx.EventToken,
			SessionID: sessionID,
			Node:      "synthesis",
			Token:     token,
		})
	}
	return nil
}

// concatResults joins raw result content; budget > 0 truncates the joined
// text for the fallback path.
func concatResults(results []contractx.ToolResult, budget int) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		if r.Provider != "" {
			content = fmt.Sprintf("[%s] %s", r.Provider, content)
		}
		parts = append(parts, content)
	}
	joined := strings.Join(parts, "\n\n")
	if budget > 0 && len(joined) > budget {
		// Back the cut up to a rune boundary.
		for budget > 0 && !utf8.RuneStart(joined[budget]) {
			budget--
		}
		joined = joined[:budget] + "…"
	}
	return joined
}

// postProcess strips raw result markers so provider output never leaks
// verbatim into the final answer.
func postProcess(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "title:") || strings.HasPrefix(lower, "url:") {
			rest := strings.TrimSpace(trimmed[strings.IndexByte(trimmed, ':')+1:])
			if rest == "" {
				continue
			}
			line = rest
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
