// Package graph drives dynamically-routed node execution over a shared
// mutable state record. A finite set of named nodes plus one routing
// function per node decide, each turn, which node runs next; results are
// streamed to the caller step by step and cancellation is honored between
// node executions.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

// End is the terminal routing sentinel.
const End = "__end__"

var (
	ErrUnknownNode   = fmt.Errorf("%w: unknown graph node", contractx.ErrValidation)
	ErrDuplicateNode = fmt.Errorf("%w: duplicate graph node", contractx.ErrValidation)
	ErrNoEntry       = fmt.Errorf("%w: graph entry node not set", contractx.ErrValidation)

	// ErrTurnBudget terminates a run that exhausted its turn budget with no
	// failover node to wrap it up.
	ErrTurnBudget = errors.New("graph turn budget exhausted")
)

// Patch is the delta a node contributes to the shared state. The engine
// applies it: messages and tool results append, metadata shallow-merges
// (later wins), plan replaces when non-nil.
type Patch struct {
	Messages       []contractx.Message
	ToolResults    []contractx.ToolResult
	Metadata       map[string]any
	Plan           *contractx.Plan
	Handoff        string
	NeedsSynthesis bool

	// ClearSynthesis drops the NeedsSynthesis flag. Only the synthesis node
	// sets it; nothing else may clear the flag once raised.
	ClearSynthesis bool
}

// NodeFunc executes one node against the current state and returns its patch.
type NodeFunc func(ctx context.Context, st *contractx.State) (Patch, error)

// RouteFunc picks the next node after its node ran. Returning End stops the run.
type RouteFunc func(st *contractx.State) string

// Step is one emitted unit of progress: the node that ran and its applied
// patch. A non-nil Err is terminal for the stream.
type Step struct {
	Node  string
	Patch Patch
	Err   error
}

// Engine holds the node set, the per-node routes and the turn budget.
type Engine struct {
	nodes    map[string]NodeFunc
	routes   map[string]RouteFunc
	order    []string
	entry    string
	failover string
	maxTurns int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMaxTurns bounds the number of node executions per run.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithFailover names the node that receives control after a node error has
// been contained. Without it, node errors terminate the stream.
func WithFailover(node string) Option {
	return func(e *Engine) {
		e.failover = node
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		nodes:    make(map[string]NodeFunc),
		routes:   make(map[string]RouteFunc),
		maxTurns: 16,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// AddNode registers a named node. The first node added becomes the entry
// unless SetEntry overrides it.
func (e *Engine) AddNode(name string, fn NodeFunc) error {
	if name == "" || name == End || fn == nil {
		return fmt.Errorf("%w: invalid node %q", contractx.ErrValidation, name)
	}
	if _, exists := e.nodes[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	e.nodes[name] = fn
	e.order = append(e.order, name)
	if e.entry == "" {
		e.entry = name
	}
	return nil
}

// SetRoute installs the routing function for a node. A node with no route
// terminates the run after it executes.
func (e *Engine) SetRoute(name string, route RouteFunc) error {
	if _, exists := e.nodes[name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	e.routes[name] = route
	return nil
}

func (e *Engine) SetEntry(name string) error {
	if _, exists := e.nodes[name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	e.entry = name
	return nil
}

// Has reports whether a node name is registered.
func (e *Engine) Has(name string) bool {
	_, ok := e.nodes[name]
	return ok
}

// Nodes returns registered node names in registration order.
func (e *Engine) Nodes() []string {
	return append([]string(nil), e.order...)
}

// Execute runs the graph from the state's active node (or the entry) and
// streams one Step per executed node. The returned channel closes when the
// run reaches End, exhausts its turn budget, hits a terminal error, or the
// context is canceled. Cancellation is checked between node executions.
func (e *Engine) Execute(ctx context.Context, st *contractx.State) <-chan Step {
	steps := make(chan Step)
	go func() {
		defer close(steps)

		if len(e.nodes) == 0 || e.entry == "" {
			steps <- Step{Err: ErrNoEntry}
			return
		}

		cur := st.ActiveNode
		if cur == "" {
			cur = e.entry
		}

		for turn := 0; turn < e.maxTurns; turn++ {
			if err := ctx.Err(); err != nil {
				steps <- Step{Node: cur, Err: err}
				return
			}
			if cur == End {
				return
			}

			fn, ok := e.nodes[cur]
			if !ok {
				steps <- Step{Node: cur, Err: fmt.Errorf("%w: %s", ErrUnknownNode, cur)}
				return
			}

			patch, err := fn(ctx, st)
			next := ""
			switch {
			case err != nil && ctx.Err() != nil:
				steps <- Step{Node: cur, Err: ctx.Err()}
				return
			case err != nil:
				patch, next = e.contain(cur, err)
				if next == "" {
					steps <- Step{Node: cur, Err: err}
					return
				}
			}

			apply(st, patch)

			if next == "" {
				if route := e.routes[cur]; route != nil {
					next = route(st)
				} else {
					next = End
				}
			}
			// Handoff is consumed by exactly one routing decision.
			st.Handoff = ""
			st.ActiveNode = next

			steps <- Step{Node: cur, Patch: patch}
			cur = next
		}

		// Budget exhausted. Collected state must still reach a terminal node:
		// give the failover node one final turn, or end the stream with an
		// explicit error so the caller never mistakes this for completion.
		log.Warn().Str("node", cur).Int("max_turns", e.maxTurns).
			Msg("graph turn budget exhausted")
		if e.failover == "" || !e.Has(e.failover) {
			steps <- Step{Node: cur, Err: ErrTurnBudget}
			return
		}
		if err := ctx.Err(); err != nil {
			steps <- Step{Node: cur, Err: err}
			return
		}
		patch, err := e.nodes[e.failover](ctx, st)
		if err != nil {
			steps <- Step{Node: e.failover, Err: err}
			return
		}
		apply(st, patch)
		st.Handoff = ""
		st.ActiveNode = End
		steps <- Step{Node: e.failover, Patch: patch}
	}()
	return steps
}

// contain converts a node failure into a synthetic assistant message and
// reroutes to the failover node, keeping the run alive.
func (e *Engine) contain(node string, err error) (Patch, string) {
	if e.failover == "" || e.failover == node || !e.Has(e.failover) {
		return Patch{}, ""
	}
	log.Warn().Err(err).Str("node", node).Msg("node failed, containing")
	return Patch{
		Messages: []contractx.Message{{
			Role:    contractx.RoleAssistant,
			Name:    node,
			Content: fmt.Sprintf("The %s step failed (%v); continuing with what is available.", node, err),
		}},
		Metadata: map[string]any{"last_error": err.Error(), "failed_node": node},
	}, e.failover
}

func apply(st *contractx.State, p Patch) {
	st.AppendMessages(p.Messages...)
	st.ToolResults = append(st.ToolResults, p.ToolResults...)
	st.MergeMetadata(p.Metadata)
	if p.Plan != nil {
		st.Plan = p.Plan
	}
	if p.Handoff != "" {
		st.Handoff = p.Handoff
	}
	if p.NeedsSynthesis {
		st.NeedsSynthesis = true
	}
	if p.ClearSynthesis {
		st.NeedsSynthesis = false
	}
}
