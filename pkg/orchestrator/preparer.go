package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/connections"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
)

// preparedTools is stage 3's output: the tool surface offered to the chat
// model plus the apps the user still needs to connect.
type preparedTools struct {
	Tools               []llms.ToolDefinition
	Accounts            map[string]string // appName → connected account id
	RequiredConnections []string
}

// appCandidate pairs an app with its analysis priority.
type appCandidate struct {
	name     string
	priority int
}

// prepare resolves the tool surface for the turn: ranks the routed apps,
// verifies their connections, selects tools per app and fetches their
// descriptors from the broker. Apps are prepared concurrently with
// all-settled semantics: one app's failure never cancels the others, it
// just leaves that app without tools.
func (o *Orchestrator) prepare(ctx context.Context, turnAnalysis *analysis.ComprehensiveAnalysis, query, userID string, appNames, toolNames []string) *preparedTools {
	ctx, span := o.tracer.Start(ctx, observability.SpanToolPrepare)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.GetGlobalMetrics().RecordStage(ctx, "tool_prepare", time.Since(start))
	}()

	candidates := rankCandidates(turnAnalysis, appNames, o.cfg.TopApps)
	if len(candidates) == 0 {
		return &preparedTools{}
	}

	type slot struct {
		tools     []broker.Tool
		accountID string
		required  bool
	}
	slots := make([]slot, len(candidates))

	var g errgroup.Group
	g.SetLimit(len(candidates))
	for i, candidate := range candidates {
		g.Go(func() error {
			// Failures land in the slot, never in the group, so one
			// app cannot cancel its siblings.
			conn, verdict := o.registry.Check(ctx, userID, candidate.name)
			switch verdict {
			case connections.VerdictNeedsConnection:
				slots[i].required = true
				return nil
			case connections.VerdictSkip:
				return nil
			}

			names := o.toolsForApp(ctx, candidate.name, query, toolNames)
			if len(names) == 0 {
				return nil
			}

			descriptors, err := o.broker.GetTools(ctx, broker.ToolFilter{Actions: names, EntityID: userID})
			if err != nil {
				slog.Warn("Failed to fetch tool descriptors, skipping app",
					"app", candidate.name, "error", err)
				return nil
			}

			slots[i].tools = descriptors
			slots[i].accountID = conn.AccountID
			return nil
		})
	}
	_ = g.Wait()

	prep := &preparedTools{Accounts: make(map[string]string)}
	for i, candidate := range candidates {
		if slots[i].required {
			prep.RequiredConnections = append(prep.RequiredConnections, candidate.name)
			continue
		}
		if slots[i].accountID != "" {
			prep.Accounts[candidate.name] = slots[i].accountID
		}
		for _, tool := range slots[i].tools {
			prep.Tools = append(prep.Tools, llms.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("tools.offered", len(prep.Tools)),
		attribute.Int("connections.required", len(prep.RequiredConnections)),
	)
	return prep
}

// rankCandidates orders the routed apps by analysis priority, descending,
// and keeps the top n. Apps the router did not name are never candidates,
// even when the analysis recommended them.
func rankCandidates(turnAnalysis *analysis.ComprehensiveAnalysis, appNames []string, n int) []appCandidate {
	seen := make(map[string]bool, len(appNames))
	candidates := make([]appCandidate, 0, len(appNames))
	for _, app := range appNames {
		if app == "" || seen[app] {
			continue
		}
		seen[app] = true
		candidates = append(candidates, appCandidate{
			name:     app,
			priority: turnAnalysis.PriorityFor(app),
		})
	}

	// Stable so equal priorities keep the router's relevance order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// toolsForApp picks the tool names offered for one app: router-named tools
// win, otherwise similarity search against the app's catalog namespace.
func (o *Orchestrator) toolsForApp(ctx context.Context, appName, query string, routedTools []string) []string {
	var names []string
	prefix := appName + "_"
	for _, tool := range routedTools {
		if strings.HasPrefix(tool, prefix) {
			names = append(names, tool)
		}
	}
	if len(names) > 0 {
		return names
	}

	matches, err := o.catalog.Search(ctx, appName, query, o.cfg.ToolSearchTopK)
	if err != nil {
		slog.Warn("Tool search failed, skipping app", "app", appName, "error", err)
		return nil
	}
	for _, match := range matches {
		names = append(names, match.ToolName)
	}
	return names
}
