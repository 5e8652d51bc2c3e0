package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
)

// routeDecision is the router's structured output.
type routeDecision struct {
	AppNames  []string `json:"appNames" jsonschema_description:"Apps relevant to the request, most relevant first"`
	ToolNames []string `json:"toolNames" jsonschema_description:"Tools from the listing the request clearly needs"`
}

var (
	routeSchemaOnce sync.Once
	routeSchemaMap  map[string]any
	routeSchemaErr  error
)

func routeSchema() (map[string]any, error) {
	routeSchemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
			Anonymous:                 true,
		}
		raw, err := json.Marshal(reflector.Reflect(&routeDecision{}))
		if err != nil {
			routeSchemaErr = fmt.Errorf("marshal routing schema: %w", err)
			return
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			routeSchemaErr = fmt.Errorf("decode routing schema: %w", err)
			return
		}
		delete(m, "$schema")
		routeSchemaMap = m
	})
	return routeSchemaMap, routeSchemaErr
}

// route asks the routing model which catalog apps and tools fit the query.
// Results are filtered to catalog membership and cached by query hash. Any
// failure degrades to the analyzer's app recommendations.
func (o *Orchestrator) route(ctx context.Context, query string, fallbackApps []string) ([]string, []string) {
	ctx, span := o.tracer.Start(ctx, observability.SpanRouting)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.GetGlobalMetrics().RecordStage(ctx, "routing", time.Since(start))
	}()

	key := cache.RoutingKey(query)
	var cached routeDecision
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached.AppNames, cached.ToolNames
	}

	decision, err := o.callRouter(ctx, query)
	if err != nil {
		slog.Warn("App routing degraded to analysis recommendations", "error", err)
		span.RecordError(err)
		return fallbackApps, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	if err := o.cache.Set(ctx, key, decision, cache.TTLRouting); err != nil {
		slog.Debug("Failed to cache routing", "error", err)
	}
	return decision.AppNames, decision.ToolNames
}

func (o *Orchestrator) callRouter(ctx context.Context, query string) (*routeDecision, error) {
	schema, err := routeSchema()
	if err != nil {
		return nil, err
	}

	resp, err := o.routing.Generate(ctx, &llms.Request{
		System:         routerSystemPrompt(),
		Messages:       []llms.Message{{Role: llms.RoleUser, Content: query}},
		Temperature:    llms.Ptr(routingTemperature),
		MaxTokens:      routingMaxTokens,
		ResponseSchema: schema,
		SchemaName:     "app_routing",
		Purpose:        "routing",
	})
	if err != nil {
		return nil, err
	}

	var decision routeDecision
	if err := json.Unmarshal([]byte(resp.Text), &decision); err != nil {
		return nil, fmt.Errorf("routing output is not JSON: %w", err)
	}

	// Keep only catalog members; models occasionally invent names.
	filtered := &routeDecision{}
	for _, app := range decision.AppNames {
		if app = strings.ToUpper(strings.TrimSpace(app)); catalog.IsApp(app) {
			filtered.AppNames = append(filtered.AppNames, app)
		}
	}
	for _, tool := range decision.ToolNames {
		if tool = strings.ToUpper(strings.TrimSpace(tool)); catalog.IsTool(tool) {
			filtered.ToolNames = append(filtered.ToolNames, tool)
		}
	}
	return filtered, nil
}
