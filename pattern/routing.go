package pattern

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

// RoutingExecutor runs in two phases: the router agent classifies the input
// into a named route, then the route's chain executes. The routing decision
// is committed before any delegation, so the router runs at most once per
// session no matter how many times the run crashes and resumes.
type RoutingExecutor struct{}

// Run implements Executor.
func (e *RoutingExecutor) Run(ctx context.Context, es *ExecState) (Outcome, error) {
	routing := es.Spec.Pattern.Routing
	ps := es.State.Pattern

	route := ps.Route()
	if !ps.RouterDone() {
		router, ok := es.Spec.AgentByID(routing.Router)
		if !ok {
			return Outcome{}, types.NewErrorf(types.ErrConfiguration,
				"router references unknown agent %q", routing.Router)
		}

		decision, err := es.invoke(ctx, router, nil, map[string]any{
			"routes": routeNames(routing.Routes),
		})
		if err != nil {
			return Outcome{}, err
		}

		route, err = normalizeRoute(decision, routing.Routes, routing.Default)
		if err != nil {
			return Outcome{}, err
		}

		es.Logger.Info("route selected",
			zap.String("route", route),
			zap.String("decision", strings.TrimSpace(decision)),
		)
		if err := es.commit(ctx, func() { ps.SetRoute(route) }); err != nil {
			return Outcome{}, err
		}
	}

	steps, ok := routing.Routes[route]
	if !ok {
		return Outcome{}, types.NewErrorf(types.ErrSessionCorrupted,
			"committed route %q no longer exists", route)
	}

	// The route chain runs under a nested scope so chain-level resume
	// composes with the committed routing decision.
	return runChainScope(ctx, es, chainScope{
		steps:  steps,
		ps:     ps.Nested(),
		unit:   "route_step",
		unitID: route,
		extra:  map[string]any{"route": route},
	})
}

// normalizeRoute maps a raw router decision onto a configured route name:
// exact match first, then case-insensitive, then the first route name
// contained in the decision text (in sorted order, for determinism), then
// the default route.
func normalizeRoute(decision string, routes map[string][]spec.Step, def string) (string, error) {
	text := strings.TrimSpace(decision)
	if _, ok := routes[text]; ok {
		return text, nil
	}

	names := routeNames(routes)
	lower := strings.ToLower(text)
	for _, name := range names {
		if strings.ToLower(name) == lower {
			return name, nil
		}
	}
	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return name, nil
		}
	}
	if def != "" {
		return def, nil
	}
	return "", types.NewErrorf(types.ErrExecution,
		"router decision %q matches no route and no default is configured",
		text)
}

func routeNames(routes map[string][]spec.Step) []string {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
