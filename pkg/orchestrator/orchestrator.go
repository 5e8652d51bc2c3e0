// Package orchestrator runs the five-stage chat pipeline: context
// initialization, analysis, routing and tool preparation, dispatch, and
// persistence. One ProcessTurn call is one user turn.
//
// Turns within a session are serialized by a keyed mutex so concurrent
// requests cannot interleave history reads and writes. Stages absorb
// transient failures and degrade (empty tools, fallback analysis, skipped
// persistence) instead of failing the turn; only the dispatcher turns
// errors into user-visible text.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/connections"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/store"
)

// ErrValidation marks requests rejected before the pipeline runs. The HTTP
// layer maps it to a 400.
var ErrValidation = errors.New("invalid chat request")

// ChatRequest is one user turn.
type ChatRequest struct {
	UserQuery           string          `json:"userQuery"`
	UserID              string          `json:"userId"`
	SessionID           string          `json:"sessionId,omitempty"`
	ConversationHistory []analysis.Turn `json:"conversationHistory,omitempty"`
	Email               string          `json:"email,omitempty"`
	Name                string          `json:"name,omitempty"`
}

// Validate enforces the required fields.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.UserQuery) == "" {
		return fmt.Errorf("%w: userQuery is required", ErrValidation)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	return nil
}

// lockKey serializes turns on the session when the caller names one,
// otherwise on the user so two first turns cannot race a session into
// existence.
func (r *ChatRequest) lockKey() string {
	if r.SessionID != "" {
		return "session:" + r.SessionID
	}
	return "user:" + r.UserID
}

// ExecutedTool is one tool invocation as reported back to the caller.
type ExecutedTool struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	Result     any            `json:"result"`
	StepNumber int            `json:"stepNumber"`
}

// ChatResponse is the pipeline's answer to one turn.
type ChatResponse struct {
	Response            string                          `json:"response"`
	SessionID           string                          `json:"sessionId,omitempty"`
	ExecutedTools       []ExecutedTool                  `json:"executedTools,omitempty"`
	RequiredConnections []string                        `json:"requiredConnections,omitempty"`
	ConversationHistory []analysis.Turn                 `json:"conversationHistory,omitempty"`
	Analysis            *analysis.ComprehensiveAnalysis `json:"analysis,omitempty"`
	Warning             string                          `json:"warning,omitempty"`
	Error               string                          `json:"error,omitempty"`
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Store    store.Store
	Cache    cache.Cache
	Analyzer *analysis.Analyzer

	// Chat handles dispatch and must support tool calling. Routing
	// handles stage-3 app routing and must support structured output;
	// when nil the chat model is used.
	Chat    llms.Provider
	Routing llms.Provider

	Broker   broker.Broker
	Registry *connections.Registry
	Catalog  *catalog.Service
}

// Orchestrator executes chat turns.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	degraded bool

	store    store.Store
	cache    cache.Cache
	analyzer *analysis.Analyzer
	chat     llms.Provider
	routing  llms.Provider
	broker   broker.Broker
	registry *connections.Registry
	catalog  *catalog.Service

	locks  sessionLocks
	tracer trace.Tracer
	tokens tokenCounter
}

// New wires the pipeline. allowDegraded permits synthetic in-memory
// sessions when the store is unreachable; without it a store outage fails
// the turn.
func New(cfg config.OrchestratorConfig, deps Deps, allowDegraded bool) (*Orchestrator, error) {
	cfg.SetDefaults()

	if deps.Store == nil || deps.Cache == nil || deps.Analyzer == nil ||
		deps.Chat == nil || deps.Broker == nil || deps.Registry == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("orchestrator requires store, cache, analyzer, chat model, broker, registry and catalog")
	}

	routing := deps.Routing
	if routing == nil {
		routing = deps.Chat
	}

	return &Orchestrator{
		cfg:      cfg,
		degraded: allowDegraded,
		store:    deps.Store,
		cache:    deps.Cache,
		analyzer: deps.Analyzer,
		chat:     deps.Chat,
		routing:  routing,
		broker:   deps.Broker,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		tracer:   observability.GetTracer("concierge.orchestrator"),
	}, nil
}

// ProcessTurn runs one user turn through all five stages. Only request
// validation and fatal context failures return an error; everything else
// degrades into the response text. Short-circuited turns still reach the
// persistence stage so every answered turn leaves a message pair behind.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, observability.SpanTurn)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrUserID, req.UserID))

	start := time.Now()

	unlock := o.locks.Lock(req.lockKey())
	defer unlock()

	// Stage 1: durable context.
	tc, err := o.initContext(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordTurn(ctx, "failed", time.Since(start), err)
		return nil, err
	}
	span.SetAttributes(attribute.String(observability.AttrSessionID, tc.Session.ID))

	// Stage 2: analysis. Never fails; degrades to the fallback analysis.
	stageStart := time.Now()
	turnAnalysis := o.analyzer.Analyze(ctx, req.UserQuery, tc.Turns(), tc.Summary)
	observability.GetGlobalMetrics().RecordStage(ctx, "analysis", time.Since(stageStart))
	span.SetAttributes(attribute.Float64(observability.AttrConfidence, turnAnalysis.ConfidenceScore))

	// Stage 3: routing and tool preparation, only when stage 4 will take
	// the tool tier.
	prep := &preparedTools{}
	if turnAnalysis.ConfidenceScore >= confidenceToolTier && turnAnalysis.RequiresToolExecution {
		appNames, toolNames := o.route(ctx, req.UserQuery, turnAnalysis.RecommendedApps)
		prep = o.prepare(ctx, turnAnalysis, req.UserQuery, req.UserID, appNames, toolNames)
	}

	// Stage 4: dispatch.
	execCtx := newExecutionContext()
	resp, tier := o.dispatch(ctx, req, tc, turnAnalysis, prep, execCtx)
	span.SetAttributes(attribute.String(observability.AttrTier, tier))

	// Stage 5: best-effort persistence.
	if err := o.commit(ctx, tc, req, resp, turnAnalysis, execCtx.Records()); err != nil {
		slog.Error("Failed to persist turn", "session", tc.Session.ID, "error", err)
		resp.Warning = persistWarning
	}

	resp.SessionID = tc.Session.ID
	resp.Analysis = turnAnalysis
	resp.ConversationHistory = appendTurns(tc.Turns(), req.UserQuery, resp.Response, o.cfg.MaxHistory)

	observability.GetGlobalMetrics().RecordTurn(ctx, tier, time.Since(start), nil)
	return resp, nil
}

// appendTurns extends the loaded history with this turn's exchange, capped
// to the configured history window.
func appendTurns(turns []analysis.Turn, query, response string, limit int) []analysis.Turn {
	out := make([]analysis.Turn, 0, len(turns)+2)
	out = append(out, turns...)
	out = append(out,
		analysis.Turn{Role: store.RoleUser, Content: query},
		analysis.Turn{Role: store.RoleAssistant, Content: response},
	)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
