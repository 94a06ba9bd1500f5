// Package orchestrator is the top-level façade: it owns one graph engine
// per run plus the memory store reference, exposes Run and Abort, and is
// the sole publisher of progress events.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	memoryx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/memory"
	promptx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/prompt"
	synthesisx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/synthesis"
)

// MemoryStore is the slice of the memory manager the orchestrator needs.
type MemoryStore interface {
	GetProfile(ctx context.Context, userID string) (*memoryx.UserProfile, bool)
	SaveProfile(ctx context.Context, p *memoryx.UserProfile) error
	GetSession(ctx context.Context, sessionID, threadID string) (*memoryx.SessionMemory, bool)
	SaveSession(ctx context.Context, s *memoryx.SessionMemory) error
}

// Config tunes one orchestrator instance.
type Config struct {
	Topology        Topology
	DefaultProvider string
	PlannerTimeout  time.Duration
	MaxPlannerTurns int
	// HistoryWindow bounds how many prior session messages seed a run.
	HistoryWindow int
	EventBuffer   int
}

func (c *Config) applyDefaults() {
	if c.Topology == "" {
		c.Topology = TopologyCoordinator
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = 20 * time.Second
	}
	if c.MaxPlannerTurns <= 0 {
		c.MaxPlannerTurns = 3
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Orchestrator dispatches requests through the graph engine. Runs for
// distinct sessions execute concurrently with fully independent state; one
// session has at most one active run.
type Orchestrator struct {
	registry contractx.Registry
	planner  contractx.TextService
	synth    *synthesisx.Synthesizer
	store    MemoryStore
	prompts  promptx.Set
	cfg      Config

	events *publisher
	runs   sync.Map // sessionID -> *runHandle
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPlannerService overrides the text service used for planning, so the
// planner and synthesis may talk to different models.
func WithPlannerService(ts contractx.TextService) Option {
	return func(o *Orchestrator) {
		if ts != nil {
			o.planner = ts
		}
	}
}

func New(
	registry contractx.Registry,
	text contractx.TextService,
	synth *synthesisx.Synthesizer,
	store MemoryStore,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if registry == nil || len(registry.Names()) == 0 {
		return nil, contractx.ErrNoProviders
	}
	if text == nil {
		return nil, fmt.Errorf("%w: text service is required", contractx.ErrValidation)
	}
	if synth == nil {
		return nil, fmt.Errorf("%w: synthesizer is required", contractx.ErrValidation)
	}
	if store == nil {
		store = noopMemoryStore{}
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		registry: registry,
		planner:  text,
		synth:    synth,
		store:    store,
		prompts:  promptx.Load(),
		cfg:      cfg,
		events:   newPublisher(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Subscribe returns a channel of the session's progress events. The channel
// is closed when the session's active run ends. Subscribe before Run to
// observe the run from its first event.
func (o *Orchestrator) Subscribe(sessionID string) <-chan contractx.ProgressEvent {
	return o.events.subscribe(sessionID, o.cfg.EventBuffer)
}

// Run executes one request to completion. Provider and text-service
// failures degrade to explanatory assistant messages; only fatal wiring
// problems surface as errors. An aborted run returns a result without a
// summary and partial session memory is not persisted.
func (o *Orchestrator) Run(ctx context.Context, req contractx.RunRequest) (contractx.RunResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return contractx.RunResult{}, fmt.Errorf("%w: session id is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return contractx.RunResult{}, fmt.Errorf("%w: prompt is required", contractx.ErrValidation)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &runHandle{cancel: cancel}
	if _, loaded := o.runs.LoadOrStore(sessionID, handle); loaded {
		return contractx.RunResult{}, fmt.Errorf("%w: %s", contractx.ErrSessionActive, sessionID)
	}
	defer func() {
		o.runs.Delete(sessionID)
		o.events.closeSession(sessionID)
	}()

	result := contractx.RunResult{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
	}

	st, replayed := o.seedState(ctx, req, sessionID)

	emit := func(ev contractx.ProgressEvent) {
		ev.SessionID = sessionID
		o.events.publish(ev)
	}

	engine, err := o.buildGraph(emit)
	if err != nil {
		return result, err
	}

	log.Info().Str("session_id", sessionID).Str("request_id", result.RequestID).
		Str("topology", string(o.cfg.Topology)).Msg("run started")

	todoIndex := 0
	for step := range engine.Execute(runCtx, st) {
		if step.Err != nil {
			if runCtx.Err() != nil {
				return o.finishAborted(result, st, handle, emit), nil
			}
			emit(contractx.ProgressEvent{
				Type:    contractx.EventError,
				Node:    step.Node,
				Message: step.Err.Error(),
			})
			return result, step.Err
		}

		switch step.Node {
		case nodeCoordinator, nodePlanner:
			if st.Plan != nil {
				emit(contractx.ProgressEvent{Type: contractx.EventPlan, Node: step.Node, Plan: st.Plan})
				emit(contractx.ProgressEvent{Type: contractx.EventTodos, Node: step.Node, Todos: st.Plan.Steps})
			}
		case nodeSynthesis:
			// synthesis-start and token events were emitted inside the node
		default:
			emit(contractx.ProgressEvent{
				Type:      contractx.EventTodoUpdate,
				Node:      step.Node,
				TodoIndex: todoIndex,
				TodoState: "completed",
			})
			todoIndex++
		}
	}
	if runCtx.Err() != nil {
		return o.finishAborted(result, st, handle, emit), nil
	}

	if final, ok := st.LastAssistantMessage(); ok {
		result.Summary = final.Content
	}
	result.Metadata = st.Metadata

	o.persist(ctx, req, st, replayed)

	emit(contractx.ProgressEvent{Type: contractx.EventComplete, Message: result.Summary})
	log.Info().Str("session_id", sessionID).Str("request_id", result.RequestID).Msg("run completed")
	return result, nil
}

// seedState builds the initial state, replaying stored context when the
// request opts into memory. It returns how many messages were replayed so
// persistence can append only this run's delta.
func (o *Orchestrator) seedState(ctx context.Context, req contractx.RunRequest, sessionID string) (*contractx.State, int) {
	st := &contractx.State{
		SessionID: sessionID,
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
		Prompt:    strings.TrimSpace(req.Prompt),
	}
	st.MergeMetadata(req.Metadata)

	replayed := 0
	if req.UseMemory {
		if req.UserID != "" {
			if profile, ok := o.store.GetProfile(ctx, req.UserID); ok {
				patch := map[string]any{}
				if profile.Language != "" {
					patch["language"] = profile.Language
				}
				if profile.DefaultProvider != "" {
					patch[preferredProviderKey] = profile.DefaultProvider
				}
				st.MergeMetadata(patch)
			}
		}
		if session, ok := o.store.GetSession(ctx, sessionID, req.ThreadID); ok {
			history := session.Messages
			if len(history) > o.cfg.HistoryWindow {
				history = history[len(history)-o.cfg.HistoryWindow:]
			}
			st.AppendMessages(history...)
			replayed = len(history)
		}
	}

	st.AppendMessages(contractx.Message{Role: contractx.RoleHuman, Content: st.Prompt})
	return st, replayed
}

// finishAborted emits the single aborted event. Session memory gathered
// during the run is intentionally dropped.
func (o *Orchestrator) finishAborted(
	result contractx.RunResult,
	st *contractx.State,
	handle *runHandle,
	emit func(contractx.ProgressEvent),
) contractx.RunResult {
	reason := handle.abortReason()
	if reason == "" {
		reason = "context canceled"
	}
	emit(contractx.ProgressEvent{Type: contractx.EventAborted, Message: reason})
	log.Info().Str("session_id", result.SessionID).Str("reason", reason).Msg("run aborted")

	result.Aborted = true
	result.Metadata = st.Metadata
	return result
}

// persist writes the run's outcome back through the memory store. Failures
// are the store's concern; it degrades internally and never errors here.
func (o *Orchestrator) persist(ctx context.Context, req contractx.RunRequest, st *contractx.State, replayed int) {
	session, ok := o.store.GetSession(ctx, st.SessionID, st.ThreadID)
	if !ok {
		session = &memoryx.SessionMemory{
			SessionID: st.SessionID,
			ThreadID:  st.ThreadID,
			UserID:    st.UserID,
			Name:      sessionName(st.Prompt),
		}
	}
	session.Messages = append(session.Messages, st.Messages[replayed:]...)
	if err := o.store.SaveSession(ctx, session); err != nil {
		log.Warn().Err(err).Str("session_id", st.SessionID).Msg("session save rejected")
	}

	if req.UserID == "" {
		return
	}
	profile, ok := o.store.GetProfile(ctx, req.UserID)
	if !ok {
		profile = &memoryx.UserProfile{UserID: req.UserID}
	}
	if err := o.store.SaveProfile(ctx, profile); err != nil {
		log.Warn().Err(err).Str("user_id", req.UserID).Msg("profile save rejected")
	}
}

// sessionName derives a short display name from the first request.
func sessionName(prompt string) string {
	const max = 48
	name := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(name); len(runes) > max {
		name = string(runes[:max])
	}
	return name
}

type noopMemoryStore struct{}

func (noopMemoryStore) GetProfile(context.Context, string) (*memoryx.UserProfile, bool) {
	return nil, false
}

func (noopMemoryStore) SaveProfile(context.Context, *memoryx.UserProfile) error {
	return nil
}

func (noopMemoryStore) GetSession(context.Context, string, string) (*memoryx.SessionMemory, bool) {
	return nil, false
}

func (noopMemoryStore) SaveSession(context.Context, *memoryx.SessionMemory) error {
	return nil
}
