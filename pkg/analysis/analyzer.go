package analysis

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
)

const (
	defaultMaxTokens   = 2000
	defaultSoftTimeout = 20 * time.Second
	defaultHardTimeout = 45 * time.Second
)

// AnalyzerConfig wires an Analyzer.
type AnalyzerConfig struct {
	// Provider is the structured-output analysis model.
	Provider llms.Provider

	// Cache stores analyses keyed by query and recent history.
	Cache cache.Cache

	// KnownApps bounds app recommendations. Usually the catalog's app names.
	KnownApps []string

	// MaxTokens caps the analysis response. Zero means 2000.
	MaxTokens int

	// SoftTimeout logs a slow-analysis warning; HardTimeout cancels the call.
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// Analyzer produces one ComprehensiveAnalysis per turn. It never fails:
// any model, schema, or validation problem degrades to the deterministic
// fallback, which is returned but not cached.
type Analyzer struct {
	provider    llms.Provider
	cache       cache.Cache
	knownApps   []string
	maxTokens   int
	softTimeout time.Duration
	hardTimeout time.Duration

	now func() time.Time
}

// NewAnalyzer creates an Analyzer, applying defaults for unset knobs.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	a := &Analyzer{
		provider:    cfg.Provider,
		cache:       cfg.Cache,
		knownApps:   cfg.KnownApps,
		maxTokens:   cfg.MaxTokens,
		softTimeout: cfg.SoftTimeout,
		hardTimeout: cfg.HardTimeout,
		now:         time.Now,
	}
	if a.maxTokens == 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.softTimeout == 0 {
		a.softTimeout = defaultSoftTimeout
	}
	if a.hardTimeout == 0 {
		a.hardTimeout = defaultHardTimeout
	}
	return a
}

// Analyze returns the structured analysis for the query. The result is
// read through the cache; a cache hit skips the model entirely.
func (a *Analyzer) Analyze(ctx context.Context, query string, history []Turn, prior *ConversationSummary) *ComprehensiveAnalysis {
	tracer := observability.GetTracer("concierge.analysis")
	ctx, span := tracer.Start(ctx, observability.SpanAnalysis)
	defer span.End()

	key := cache.AnalysisKey(query, turnContents(history))

	if a.cache != nil {
		var cached ComprehensiveAnalysis
		if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
			span.SetAttributes(
				attribute.Bool("cache.hit", true),
				attribute.Float64(observability.AttrConfidence, cached.ConfidenceScore),
			)
			return &cached
		}
	}

	result, err := a.callModel(ctx, query, history, prior)
	if err != nil {
		slog.Warn("Analysis degraded to fallback", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Fallback(query)
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.Float64(observability.AttrConfidence, result.ConfidenceScore),
	)

	if a.cache != nil && !result.IsFallback() {
		if err := a.cache.Set(ctx, key, result, cache.TTLAnalysis); err != nil {
			slog.Debug("Failed to cache analysis", "error", err)
		}
	}
	return result
}

func (a *Analyzer) callModel(ctx context.Context, query string, history []Turn, prior *ConversationSummary) (*ComprehensiveAnalysis, error) {
	schema, err := ResponseSchema()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.hardTimeout)
	defer cancel()

	// The soft timeout only logs; the hard timeout cancels.
	slow := time.AfterFunc(a.softTimeout, func() {
		slog.Warn("Analysis is slow", "soft_timeout", a.softTimeout, "model", a.provider.Model())
	})
	defer slow.Stop()

	resp, err := a.provider.Generate(ctx, &llms.Request{
		System: buildSystemPrompt(a.knownApps),
		Messages: []llms.Message{
			{Role: llms.RoleUser, Content: buildUserPrompt(query, history, prior, a.now())},
		},
		Temperature:    llms.Ptr(0.1),
		MaxTokens:      a.maxTokens,
		ResponseSchema: schema,
		SchemaName:     "comprehensive_analysis",
		Purpose:        "analysis",
	})
	if err != nil {
		return nil, err
	}

	return Parse([]byte(resp.Text))
}

func turnContents(history []Turn) []string {
	contents := make([]string, 0, len(history))
	for _, turn := range history {
		contents = append(contents, turn.Content)
	}
	return contents
}
