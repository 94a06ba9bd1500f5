package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	graphx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/graph"
	planx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/plan"
	providersx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/providers"
)

// Topology selects how control moves between the planning step and the
// capability providers.
type Topology string

const (
	// TopologyCoordinator re-plans after every provider turn; providers hand
	// control back to the coordinator unless they raise a synthesis detour.
	TopologyCoordinator Topology = "coordinator"
	// TopologyHandoff plans once; afterwards providers route themselves via
	// explicit handoffs, defaulting to synthesis so output is never dropped.
	TopologyHandoff Topology = "handoff"
)

const (
	nodeCoordinator = "coordinator"
	nodePlanner     = "planner"
	nodeSynthesis   = "synthesis"

	plannerTurnsKey      = "planner_turns"
	preferredProviderKey = "preferred_provider"
)

// buildGraph compiles a fresh engine for one run. The engine is per-run
// because the synthesis node closes over the run's event emitter.
func (o *Orchestrator) buildGraph(emit func(contractx.ProgressEvent)) (*graphx.Engine, error) {
	switch o.cfg.Topology {
	case TopologyHandoff:
		return o.buildHandoffGraph(emit)
	case TopologyCoordinator, "":
		return o.buildCoordinatorGraph(emit)
	default:
		return nil, fmt.Errorf("%w: unknown topology %q", contractx.ErrValidation, o.cfg.Topology)
	}
}

func (o *Orchestrator) buildCoordinatorGraph(emit func(contractx.ProgressEvent)) (*graphx.Engine, error) {
	engine := graphx.New(
		graphx.WithMaxTurns(2*o.cfg.MaxPlannerTurns+2),
		graphx.WithFailover(nodeSynthesis),
	)

	if err := engine.AddNode(nodeCoordinator, o.plannerNode()); err != nil {
		return nil, err
	}
	if err := o.addProviderNodes(engine); err != nil {
		return nil, err
	}
	if err := engine.AddNode(nodeSynthesis, o.synthesisNode(emit)); err != nil {
		return nil, err
	}

	if err := engine.SetRoute(nodeCoordinator, func(st *contractx.State) string {
		if plannerTurns(st) >= o.cfg.MaxPlannerTurns {
			return nodeSynthesis
		}
		return o.routeFromPlan(st)
	}); err != nil {
		return nil, err
	}
	for _, name := range o.registry.Names() {
		if err := engine.SetRoute(name, func(st *contractx.State) string {
			if target := st.Handoff; target != "" && engine.Has(target) {
				return target
			}
			if st.NeedsSynthesis {
				return nodeSynthesis
			}
			return nodeCoordinator
		}); err != nil {
			return nil, err
		}
	}
	if err := engine.SetRoute(nodeSynthesis, func(*contractx.State) string {
		return graphx.End
	}); err != nil {
		return nil, err
	}

	return engine, engine.SetEntry(nodeCoordinator)
}

func (o *Orchestrator) buildHandoffGraph(emit func(contractx.ProgressEvent)) (*graphx.Engine, error) {
	engine := graphx.New(
		graphx.WithMaxTurns(len(o.registry.Names())+3),
		graphx.WithFailover(nodeSynthesis),
	)

	if err := engine.AddNode(nodePlanner, o.plannerNode()); err != nil {
		return nil, err
	}
	if err := o.addProviderNodes(engine); err != nil {
		return nil, err
	}
	if err := engine.AddNode(nodeSynthesis, o.synthesisNode(emit)); err != nil {
		return nil, err
	}

	if err := engine.SetRoute(nodePlanner, o.routeFromPlan); err != nil {
		return nil, err
	}
	for _, name := range o.registry.Names() {
		if err := engine.SetRoute(name, func(st *contractx.State) string {
			// An explicit handoff wins over the synthesis detour flag.
			if target := st.Handoff; target != "" && engine.Has(target) {
				return target
			}
			return nodeSynthesis
		}); err != nil {
			return nil, err
		}
	}
	if err := engine.SetRoute(nodeSynthesis, func(*contractx.State) string {
		return graphx.End
	}); err != nil {
		return nil, err
	}

	return engine, engine.SetEntry(nodePlanner)
}

// routeFromPlan applies the plan to the tie-break chain: selected provider
// if registered, then the user's stored provider preference, then the
// orchestrator default, then the registry default, then the first
// registered provider. No capability needed means synthesis.
func (o *Orchestrator) routeFromPlan(st *contractx.State) string {
	if st.Plan == nil || !st.Plan.RequiresProvider {
		return nodeSynthesis
	}
	selected := st.Plan.SelectedProvider
	if _, ok := o.registry.Get(selected); !ok {
		selected = o.fallbackProvider(st)
	}
	name, ok := providersx.Resolve(o.registry, selected)
	if !ok {
		return nodeSynthesis
	}
	return name
}

func (o *Orchestrator) fallbackProvider(st *contractx.State) string {
	if pref, ok := st.Metadata[preferredProviderKey].(string); ok && pref != "" {
		if _, registered := o.registry.Get(pref); registered {
			return pref
		}
	}
	return o.cfg.DefaultProvider
}

// plannerNode calls the text service and parses its reply into a plan.
// A failed call degrades to the parser's deterministic fallback plan.
func (o *Orchestrator) plannerNode() graphx.NodeFunc {
	return func(ctx context.Context, st *contractx.State) (graphx.Patch, error) {
		prompt := o.prompts.Planner(st.Prompt, conversationContext(st), o.registry.Names())

		raw, err := o.planner.Complete(ctx, prompt, o.cfg.PlannerTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return graphx.Patch{}, ctx.Err()
			}
			log.Warn().Err(err).Str("session_id", st.SessionID).
				Msg("planner call failed, using fallback plan")
			raw = ""
		}

		pl := planx.Parse(raw, false)
		return graphx.Patch{
			Plan:     &pl,
			Metadata: map[string]any{plannerTurnsKey: plannerTurns(st) + 1},
		}, nil
	}
}

// addProviderNodes wraps every registered provider as a graph node. All
// provider side effects flow back through the returned patch.
func (o *Orchestrator) addProviderNodes(engine *graphx.Engine) error {
	for _, name := range o.registry.Names() {
		provider, _ := o.registry.Get(name)
		providerName := name
		err := engine.AddNode(name, func(ctx context.Context, st *contractx.State) (graphx.Patch, error) {
			resp, err := provider.Execute(ctx, st)
			if err != nil {
				return graphx.Patch{}, fmt.Errorf("%w: %s: %v", contractx.ErrProvider, providerName, err)
			}
			return graphx.Patch{
				Messages:       resp.Messages,
				ToolResults:    resp.ToolResults,
				Metadata:       resp.MetadataPatch,
				Handoff:        resp.Handoff,
				NeedsSynthesis: resp.NeedsSynthesis,
			}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) synthesisNode(emit func(contractx.ProgressEvent)) graphx.NodeFunc {
	return func(ctx context.Context, st *contractx.State) (graphx.Patch, error) {
		answer, err := o.synth.Run(ctx, st, emit)
		if err != nil {
			return graphx.Patch{}, err
		}
		return graphx.Patch{
			Messages: []contractx.Message{{
				Role:    contractx.RoleAssistant,
				Content: answer,
			}},
			ClearSynthesis: true,
		}, nil
	}
}

func plannerTurns(st *contractx.State) int {
	if st.Metadata == nil {
		return 0
	}
	if n, ok := st.Metadata[plannerTurnsKey].(int); ok {
		return n
	}
	return 0
}

// conversationContext renders the transcript tail for the planner prompt.
func conversationContext(st *contractx.State) string {
	const window = 6
	msgs := st.Messages
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return strings.TrimSpace(b.String())
}
