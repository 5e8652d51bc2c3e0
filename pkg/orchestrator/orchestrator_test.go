package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/connections"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/store"
	"github.com/concierge-dev/concierge/pkg/vector"
)

// stubProvider is a scriptable model. Responses are served FIFO; an empty
// queue yields a plain "OK" completion.
type stubProvider struct {
	mu        sync.Mutex
	model     string
	err       error
	responses []*llms.Response
	requests  []llms.Request
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return s.model }
func (s *stubProvider) Close() error  { return nil }

func (s *stubProvider) Generate(_ context.Context, req *llms.Request) (*llms.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llms.Response{Text: "OK", FinishReason: "stop"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *stubProvider) push(resp *llms.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
}

func (s *stubProvider) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubProvider) request(i int) llms.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// scriptedBroker serves the built-in tool shortlist as descriptors and
// scripted per-action execution results, recording every call it sees.
type scriptedBroker struct {
	mu            sync.Mutex
	tools         map[string]broker.Tool
	results       map[string]*broker.ExecuteResult
	executeErrs   map[string]error
	failToolsApps map[string]bool
	accountStatus string
	executed      []broker.ExecuteRequest
}

func newScriptedBroker() *scriptedBroker {
	b := &scriptedBroker{
		tools:         map[string]broker.Tool{},
		results:       map[string]*broker.ExecuteResult{},
		executeErrs:   map[string]error{},
		failToolsApps: map[string]bool{},
		accountStatus: "ACTIVE",
	}
	for appName, tools := range catalog.TopTools {
		for name, description := range tools {
			b.tools[name] = broker.Tool{
				Name:        name,
				Description: description,
				AppName:     appName,
				Parameters:  map[string]any{"type": "object"},
			}
		}
	}
	return b
}

func (b *scriptedBroker) Initiate(_ context.Context, appName, entityID string) (*broker.ConnectionInfo, error) {
	return &broker.ConnectionInfo{
		ID:          "acc-" + appName,
		Status:      "INITIATED",
		AppName:     appName,
		RedirectURL: "https://broker.example.com/oauth/" + appName,
	}, nil
}

func (b *scriptedBroker) Get(_ context.Context, connectedAccountID string) (*broker.ConnectionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &broker.ConnectionInfo{ID: connectedAccountID, Status: b.accountStatus}, nil
}

func (b *scriptedBroker) Reinitiate(_ context.Context, connectedAccountID, _ string) (*broker.ConnectionInfo, error) {
	return &broker.ConnectionInfo{
		ID:          connectedAccountID,
		Status:      "INITIATED",
		RedirectURL: "https://broker.example.com/oauth/reconnect",
	}, nil
}

func (b *scriptedBroker) GetTools(_ context.Context, filter broker.ToolFilter) ([]broker.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broker.Tool
	for _, action := range filter.Actions {
		if b.failToolsApps[broker.AppOf(action)] {
			return nil, fmt.Errorf("broker unavailable for %s", broker.AppOf(action))
		}
		if tool, ok := b.tools[action]; ok {
			out = append(out, tool)
		}
	}
	for _, appName := range filter.Apps {
		if b.failToolsApps[appName] {
			return nil, fmt.Errorf("broker unavailable for %s", appName)
		}
		for _, tool := range b.tools {
			if tool.AppName == appName {
				out = append(out, tool)
			}
		}
	}
	return out, nil
}

func (b *scriptedBroker) Execute(_ context.Context, req broker.ExecuteRequest) (*broker.ExecuteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, req)
	if err := b.executeErrs[req.Action]; err != nil {
		return nil, err
	}
	if result, ok := b.results[req.Action]; ok {
		return result, nil
	}
	return &broker.ExecuteResult{Successful: true}, nil
}

func (b *scriptedBroker) scriptResult(action string, result *broker.ExecuteResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[action] = result
}

func (b *scriptedBroker) scriptExecuteErr(action string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executeErrs[action] = err
}

func (b *scriptedBroker) failToolsFor(appName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failToolsApps[appName] = true
}

func (b *scriptedBroker) executeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.executed)
}

func (b *scriptedBroker) executedRequest(i int) broker.ExecuteRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executed[i]
}

// stubEmbedder gives every text the same vector so catalog searches return
// all candidates with equal scores.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimension() int    { return 4 }
func (stubEmbedder) ModelName() string { return "stub-embedder" }
func (stubEmbedder) Close() error      { return nil }

// pipeline wires an orchestrator against in-memory collaborators and
// scriptable models.
type pipeline struct {
	t        *testing.T
	orch     *Orchestrator
	store    store.Store
	cache    *cache.MemoryCache
	broker   *scriptedBroker
	registry *connections.Registry
	catalog  *catalog.Service
	chat     *stubProvider
	routing  *stubProvider
	analyses *stubProvider
}

func newPipeline(t *testing.T) *pipeline {
	return newPipelineWith(t, store.NewMemory(), config.OrchestratorConfig{}, false)
}

func newPipelineWith(t *testing.T, st store.Store, cfg config.OrchestratorConfig, allowDegraded bool) *pipeline {
	t.Helper()

	ch := cache.NewMemory()
	br := newScriptedBroker()
	chat := &stubProvider{model: "chat-stub"}
	routing := &stubProvider{model: "routing-stub"}
	analyses := &stubProvider{model: "analysis-stub"}

	analyzer := analysis.NewAnalyzer(analysis.AnalyzerConfig{
		Provider:  analyses,
		Cache:     ch,
		KnownApps: catalog.Apps(),
	})

	registry := connections.NewRegistry(st, br, ch, "https://concierge.example.com/api/connections/callback")

	vectors, err := vector.NewChromemProvider("concierge-tools", config.ChromemConfig{})
	require.NoError(t, err)
	cat := catalog.NewService(br, stubEmbedder{}, vectors, ch)
	require.NoError(t, cat.EnsureReady(context.Background()))

	orch, err := New(cfg, Deps{
		Store:    st,
		Cache:    ch,
		Analyzer: analyzer,
		Chat:     chat,
		Routing:  routing,
		Broker:   br,
		Registry: registry,
		Catalog:  cat,
	}, allowDegraded)
	require.NoError(t, err)

	return &pipeline{
		t:        t,
		orch:     orch,
		store:    st,
		cache:    ch,
		broker:   br,
		registry: registry,
		catalog:  cat,
		chat:     chat,
		routing:  routing,
		analyses: analyses,
	}
}

func (p *pipeline) process(req *ChatRequest) *ChatResponse {
	p.t.Helper()
	resp, err := p.orch.ProcessTurn(context.Background(), req)
	require.NoError(p.t, err)
	require.NotNil(p.t, resp)
	return resp
}

func (p *pipeline) serveAnalysis(a *analysis.ComprehensiveAnalysis) {
	p.analyses.push(&llms.Response{Text: analysisJSON(p.t, a), FinishReason: "stop"})
}

func (p *pipeline) serveRoute(apps, tools []string) {
	p.t.Helper()
	raw, err := json.Marshal(map[string]any{"appNames": apps, "toolNames": tools})
	require.NoError(p.t, err)
	p.routing.push(&llms.Response{Text: string(raw), FinishReason: "stop"})
}

func (p *pipeline) connect(userID, appName, accountID string) {
	p.t.Helper()
	_, err := p.registry.Upsert(context.Background(), userID, appName, accountID, store.ConnectionActive)
	require.NoError(p.t, err)
}

func (p *pipeline) messages(sessionID string) []*store.Message {
	p.t.Helper()
	conv, err := p.store.CurrentConversation(context.Background(), sessionID)
	require.NoError(p.t, err)
	msgs, err := p.store.RecentMessages(context.Background(), conv.ID, 0)
	require.NoError(p.t, err)
	return msgs
}

// testAnalysis builds a schema-complete analysis at the given confidence.
// Starting from the deterministic fallback keeps every array non-nil so the
// marshaled form validates; the distinct queryAnalysis keeps it cacheable.
func testAnalysis(confidence float64, requiresTools bool) *analysis.ComprehensiveAnalysis {
	a := analysis.Fallback("test query")
	a.QueryAnalysis = "test analysis"
	a.IsQueryClear = confidence >= confidenceToolTier
	a.ConfidenceScore = confidence
	a.RequiresToolExecution = requiresTools
	return a
}

// analysisJSON marshals a stub analysis, asserting it passes the same
// validation a live model response would.
func analysisJSON(t *testing.T, a *analysis.ComprehensiveAnalysis) string {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	_, err = analysis.Parse(raw)
	require.NoError(t, err, "stub analysis must survive schema validation")
	return string(raw)
}

func toolCallResponse(id, name string, args map[string]any) *llms.Response {
	return &llms.Response{
		ToolCalls:    []llms.ToolCall{{ID: id, Name: name, Args: args}},
		FinishReason: "tool_calls",
	}
}

func textResponse(text string) *llms.Response {
	return &llms.Response{Text: text, FinishReason: "stop"}
}

func TestSmallTalkStaysConversational(t *testing.T) {
	p := newPipeline(t)

	a := testAnalysis(0.2, false)
	a.ConversationSummary.CurrentIntent = "User wants help creating documents"
	p.serveAnalysis(a)
	p.chat.push(textResponse("Hi! I can help you draft and organize documents. What would you like to create?"))

	resp := p.process(&ChatRequest{
		UserQuery: "Hello, I need help with creating some documents",
		UserID:    "u1",
	})

	require.NotEmpty(t, resp.SessionID)
	require.NotNil(t, resp.Analysis)
	assert.Less(t, resp.Analysis.ConfidenceScore, confidenceClarifyTier)
	assert.Equal(t, "Hi! I can help you draft and organize documents. What would you like to create?", resp.Response)
	assert.Empty(t, resp.ExecutedTools)
	assert.Empty(t, resp.RequiredConnections)
	assert.Empty(t, resp.Warning)

	// Small talk never touches the router or the broker.
	assert.Zero(t, p.routing.calls())
	assert.Zero(t, p.broker.executeCount())

	// Both turns landed durably, user first.
	msgs := p.messages(resp.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello, I need help with creating some documents", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
	require.NotNil(t, msgs[1].Analysis)
	assert.InDelta(t, 0.2, msgs[1].Analysis.ConfidenceScore, 1e-9)
}

func TestToolIntentWithoutConnectionAsksToConnect(t *testing.T) {
	p := newPipeline(t)

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GOOGLEDOCS"}
	a.ConversationSummary.CurrentIntent = "Create a document titled 'Project Proposal'"
	a.ConversationSummary.State = analysis.StateReadyToExecute
	p.serveAnalysis(a)
	p.serveRoute([]string{"GOOGLEDOCS"}, []string{"GOOGLEDOCS_CREATE_DOCUMENT"})

	resp := p.process(&ChatRequest{
		UserQuery: "Create a new Google Doc titled 'Project Proposal'",
		UserID:    "u1",
	})

	assert.Equal(t, []string{"GOOGLEDOCS"}, resp.RequiredConnections)
	assert.Contains(t, resp.Response, "GOOGLEDOCS")
	assert.Empty(t, resp.ExecutedTools)

	// With nothing callable the connection gap is the answer; no chat
	// model call and no execution happen.
	assert.Zero(t, p.chat.calls())
	assert.Zero(t, p.broker.executeCount())

	// The turn still persists.
	msgs := p.messages(resp.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, resp.Response, msgs[1].Content)
}

func TestToolIntentExecutesAgainstConnectedApp(t *testing.T) {
	p := newPipeline(t)
	p.connect("u1", "GOOGLEDOCS", "acc-docs")

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GOOGLEDOCS"}
	a.ExecutionSteps = []analysis.ExecutionStep{{
		StepNumber:   1,
		Description:  "Create the document",
		RequiredData: []string{"title"},
		AppName:      "GOOGLEDOCS",
		Dependencies: []int{},
		Priority:     analysis.StepCritical,
	}}
	a.ConversationSummary.State = analysis.StateReadyToExecute
	p.serveAnalysis(a)
	p.serveRoute([]string{"GOOGLEDOCS"}, []string{"GOOGLEDOCS_CREATE_DOCUMENT"})

	p.broker.scriptResult("GOOGLEDOCS_CREATE_DOCUMENT", &broker.ExecuteResult{
		Successful: true,
		Data:       map[string]any{"documentId": "doc-42"},
	})
	p.chat.push(toolCallResponse("call_1", "GOOGLEDOCS_CREATE_DOCUMENT", map[string]any{"title": "Project Proposal"}))
	p.chat.push(textResponse(`Done! I created "Project Proposal" for you.`))

	resp := p.process(&ChatRequest{
		UserQuery: "Create a new Google Doc titled 'Project Proposal'",
		UserID:    "u1",
	})

	assert.Equal(t, `Done! I created "Project Proposal" for you.`, resp.Response)
	assert.Empty(t, resp.RequiredConnections)
	require.Len(t, resp.ExecutedTools, 1)
	assert.Equal(t, "GOOGLEDOCS_CREATE_DOCUMENT", resp.ExecutedTools[0].Name)
	assert.Equal(t, 1, resp.ExecutedTools[0].StepNumber)

	// The model was offered exactly the descriptors fetched for the
	// connected app.
	first := p.chat.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "GOOGLEDOCS_CREATE_DOCUMENT", first.Tools[0].Name)
	assert.Equal(t, "auto", first.ToolChoice)

	// The execution went to the user's connected account.
	require.Equal(t, 1, p.broker.executeCount())
	executed := p.broker.executedRequest(0)
	assert.Equal(t, "acc-docs", executed.ConnectedAccountID)
	assert.Equal(t, "u1", executed.EntityID)
	assert.Equal(t, "Project Proposal", executed.Params["title"])

	// The assistant message carries the normalized call records.
	msgs := p.messages(resp.SessionID)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "GOOGLEDOCS_CREATE_DOCUMENT", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ToolCallID)
}

func TestPartialToolFailureReportsPerToolDetail(t *testing.T) {
	p := newPipeline(t)
	p.connect("u1", "GOOGLEDOCS", "acc-docs")

	a := testAnalysis(0.85, true)
	a.RecommendedApps = []string{"GOOGLEDOCS"}
	p.serveAnalysis(a)
	p.serveRoute([]string{"GOOGLEDOCS"}, []string{"GOOGLEDOCS_CREATE_DOCUMENT", "GOOGLEDOCS_UPDATE_EXISTING_DOC"})

	p.broker.scriptResult("GOOGLEDOCS_CREATE_DOCUMENT", &broker.ExecuteResult{Successful: true})
	p.broker.scriptResult("GOOGLEDOCS_UPDATE_EXISTING_DOC", &broker.ExecuteResult{Successful: false, Error: "rate limited"})

	p.chat.push(&llms.Response{
		ToolCalls: []llms.ToolCall{
			{ID: "call_1", Name: "GOOGLEDOCS_CREATE_DOCUMENT", Args: map[string]any{"title": "Plan"}},
			{ID: "call_2", Name: "GOOGLEDOCS_UPDATE_EXISTING_DOC", Args: map[string]any{"documentId": "doc-7"}},
		},
		FinishReason: "tool_calls",
	})
	p.chat.push(textResponse("All set."))

	resp := p.process(&ChatRequest{
		UserQuery: "Create a plan doc and update the roadmap",
		UserID:    "u1",
	})

	// Any failed call overrides the model's closing text.
	assert.Equal(t,
		"I attempted to complete your request, but encountered issues with: GOOGLEDOCS_UPDATE_EXISTING_DOC. "+
			"Details: GOOGLEDOCS_UPDATE_EXISTING_DOC failed: rate limited",
		resp.Response)

	// Both calls still ran and both are reported, in call order.
	require.Len(t, resp.ExecutedTools, 2)
	assert.Equal(t, "GOOGLEDOCS_CREATE_DOCUMENT", resp.ExecutedTools[0].Name)
	assert.Equal(t, 1, resp.ExecutedTools[0].StepNumber)
	assert.Equal(t, "GOOGLEDOCS_UPDATE_EXISTING_DOC", resp.ExecutedTools[1].Name)
	assert.Equal(t, 2, resp.ExecutedTools[1].StepNumber)
}

func TestMidConfidenceReturnsNumberedClarifications(t *testing.T) {
	p := newPipeline(t)

	a := testAnalysis(0.6, false)
	a.ClarificationNeeded = []string{
		"Which meeting do you want to schedule?",
		"What date and time should it start?",
	}
	a.ConversationSummary.State = analysis.StateClarificationNeeded
	p.serveAnalysis(a)

	resp := p.process(&ChatRequest{UserQuery: "Schedule that meeting", UserID: "u1"})

	assert.Contains(t, resp.Response, "1. Which meeting do you want to schedule?")
	assert.Contains(t, resp.Response, "2. What date and time should it start?")
	assert.Empty(t, resp.ExecutedTools)

	// The analyzer's own questions answer the turn without another
	// model call.
	assert.Zero(t, p.chat.calls())
	assert.Zero(t, p.routing.calls())
	assert.Zero(t, p.broker.executeCount())
}

func TestHighConfidenceWithoutToolsClarifies(t *testing.T) {
	p := newPipeline(t)

	// Confident but nothing to execute: the turn clarifies rather than
	// dispatching tools.
	a := testAnalysis(0.9, false)
	a.ClarificationNeeded = []string{"What should the document be called?"}
	p.serveAnalysis(a)

	resp := p.process(&ChatRequest{UserQuery: "Make me a document", UserID: "u1"})

	assert.Contains(t, resp.Response, "1. What should the document be called?")
	assert.Zero(t, p.routing.calls())
	assert.Zero(t, p.chat.calls())
}

func TestClarificationWithoutQuestionsUsesModel(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.4, false))
	p.chat.push(textResponse("Could you tell me a bit more about what you need?"))

	resp := p.process(&ChatRequest{UserQuery: "Handle the thing from before", UserID: "u1"})

	assert.Equal(t, "Could you tell me a bit more about what you need?", resp.Response)
	require.Equal(t, 1, p.chat.calls())
	clarify := p.chat.request(0)
	assert.Empty(t, clarify.Tools)
	require.NotNil(t, clarify.Temperature)
	assert.InDelta(t, clarifyTemperature, *clarify.Temperature, 1e-9)
	assert.Equal(t, clarifyMaxTokens, clarify.MaxTokens)
}

func TestRepeatedQueryReusesCachedAnalysis(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.3, false))
	p.chat.push(textResponse("Happy to help."))
	p.chat.push(textResponse("Happy to help again."))

	first := p.process(&ChatRequest{UserQuery: "What can you do?", UserID: "u1"})
	require.Equal(t, 1, p.analyses.calls())

	// A fresh session keeps the analyzer inputs identical: same query,
	// empty history. The second turn must hit the cache.
	second := p.process(&ChatRequest{UserQuery: "What can you do?", UserID: "u2"})
	assert.Equal(t, 1, p.analyses.calls())
	assert.NotEqual(t, first.SessionID, second.SessionID)
	require.NotNil(t, second.Analysis)
	assert.InDelta(t, first.Analysis.ConfidenceScore, second.Analysis.ConfidenceScore, 1e-9)
}

func TestStepResultsFeedLaterCalls(t *testing.T) {
	p := newPipeline(t)
	p.connect("u1", "GMAIL", "acc-gmail")

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GMAIL"}
	a.RequiresSequentialExecution = true
	p.serveAnalysis(a)
	p.serveRoute([]string{"GMAIL"}, []string{"GMAIL_SEARCH_EMAILS", "GMAIL_REPLY_TO_THREAD"})

	searchResult := &broker.ExecuteResult{
		Successful: true,
		Data:       map[string]any{"threadId": "thread-9"},
	}
	p.broker.scriptResult("GMAIL_SEARCH_EMAILS", searchResult)
	p.broker.scriptResult("GMAIL_REPLY_TO_THREAD", &broker.ExecuteResult{Successful: true})

	p.chat.push(toolCallResponse("call_1", "GMAIL_SEARCH_EMAILS", map[string]any{"query": "from:kim"}))
	p.chat.push(toolCallResponse("call_2", "GMAIL_REPLY_TO_THREAD", map[string]any{
		"thread":  "$step_call_1",
		"message": "Following up on $step_call_1 as requested",
	}))
	p.chat.push(textResponse("Replied to Kim's thread."))

	resp := p.process(&ChatRequest{UserQuery: "Reply to Kim's last email", UserID: "u1"})
	require.Len(t, resp.ExecutedTools, 2)

	second := p.broker.executedRequest(1)
	// An argument that is exactly the reference becomes the stored
	// result itself.
	assert.Equal(t, searchResult.Payload(), second.Params["thread"])
	// Embedded references splice in as text.
	message, ok := second.Params["message"].(string)
	require.True(t, ok)
	assert.Contains(t, message, "thread-9")
	assert.NotContains(t, message, "$step_call_1")
}

func TestMixedConnectionsPrepareAndReportTogether(t *testing.T) {
	p := newPipeline(t)
	p.connect("u1", "GMAIL", "acc-gmail")
	// NOTION stays unconnected.

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GMAIL", "NOTION"}
	a.ToolPriorities = []analysis.ToolPriority{
		{AppName: "GMAIL", Priority: 9, Reason: "sending the email is the ask"},
		{AppName: "NOTION", Priority: 6, Reason: "archive destination"},
	}
	p.serveAnalysis(a)
	p.serveRoute([]string{"GMAIL", "NOTION"}, []string{"GMAIL_SEND_EMAIL", "NOTION_CREATE_PAGE"})

	p.chat.push(toolCallResponse("call_1", "GMAIL_SEND_EMAIL", map[string]any{"to": "kim@example.com"}))
	p.chat.push(textResponse("Email sent. Connect Notion and I can archive it there too."))

	resp := p.process(&ChatRequest{
		UserQuery: "Email Kim the notes and save them to Notion",
		UserID:    "u1",
	})

	// The connected app executes while the unconnected one is surfaced.
	assert.Equal(t, []string{"NOTION"}, resp.RequiredConnections)
	require.Len(t, resp.ExecutedTools, 1)
	assert.Equal(t, "GMAIL_SEND_EMAIL", resp.ExecutedTools[0].Name)

	first := p.chat.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "GMAIL_SEND_EMAIL", first.Tools[0].Name)
}

func TestSameSessionAccumulatesOneConversation(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.2, false))
	p.chat.push(textResponse("Hello!"))
	first := p.process(&ChatRequest{UserQuery: "Hi", UserID: "u1"})

	p.serveAnalysis(testAnalysis(0.2, false))
	p.chat.push(textResponse("Hello again!"))
	second := p.process(&ChatRequest{UserQuery: "Hi again", UserID: "u1", SessionID: first.SessionID})

	assert.Equal(t, first.SessionID, second.SessionID)

	convs, err := p.store.ListConversations(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msgs := p.messages(first.SessionID)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hi again", msgs[2].Content)

	// The returned history mirrors what is now stored.
	require.Len(t, second.ConversationHistory, 4)
	assert.Equal(t, "Hi again", second.ConversationHistory[2].Content)
	assert.Equal(t, "Hello again!", second.ConversationHistory[3].Content)
}

func TestForeignSessionStartsFresh(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.2, false))
	p.chat.push(textResponse("Hi there."))
	first := p.process(&ChatRequest{UserQuery: "Hello", UserID: "u1"})

	// Same query and empty history: the second turn reuses the cached
	// analysis, so no extra stub response is queued.
	p.chat.push(textResponse("Hi, new user."))
	second := p.process(&ChatRequest{UserQuery: "Hello", UserID: "u2", SessionID: first.SessionID})

	assert.NotEqual(t, first.SessionID, second.SessionID)

	// u1's conversation is untouched by u2's turn.
	msgs := p.messages(first.SessionID)
	require.Len(t, msgs, 2)
}

func TestUnknownSessionStartsFresh(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.2, false))
	p.chat.push(textResponse("Hi."))

	resp := p.process(&ChatRequest{UserQuery: "Hello", UserID: "u1", SessionID: "no-such-session"})

	require.NotEmpty(t, resp.SessionID)
	assert.NotEqual(t, "no-such-session", resp.SessionID)
	msgs := p.messages(resp.SessionID)
	require.Len(t, msgs, 2)
}

func TestRequestValidation(t *testing.T) {
	p := newPipeline(t)

	_, err := p.orch.ProcessTurn(context.Background(), &ChatRequest{UserID: "u1"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "userQuery")

	_, err = p.orch.ProcessTurn(context.Background(), &ChatRequest{UserQuery: "hi"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "userId")

	_, err = p.orch.ProcessTurn(context.Background(), &ChatRequest{UserQuery: "   ", UserID: "u1"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestTurnsSerializePerSession(t *testing.T) {
	p := newPipeline(t)

	p.serveAnalysis(testAnalysis(0.2, false))
	p.chat.push(textResponse("First."))
	first := p.process(&ChatRequest{UserQuery: "Hi there", UserID: "u1"})

	// Concurrent turns on one session. The empty analysis queue makes
	// every one fall back to a conversational reply, which is all this
	// test needs: writes must still interleave as whole turns.
	const turns = 4
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.orch.ProcessTurn(context.Background(), &ChatRequest{
				UserQuery: fmt.Sprintf("Concurrent question %d", i),
				UserID:    "u1",
				SessionID: first.SessionID,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs := p.messages(first.SessionID)
	require.Len(t, msgs, 2*(turns+1))
	for i, msg := range msgs {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, msg.Role, "message %d", i)
		} else {
			assert.Equal(t, store.RoleAssistant, msg.Role, "message %d", i)
		}
	}
}

func TestStepBudgetStopsToolLoop(t *testing.T) {
	p := newPipelineWith(t, store.NewMemory(), config.OrchestratorConfig{MaxAgentSteps: 2}, false)
	p.connect("u1", "GMAIL", "acc-gmail")

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GMAIL"}
	p.serveAnalysis(a)
	p.serveRoute([]string{"GMAIL"}, []string{"GMAIL_FETCH_EMAILS"})

	// The model never stops calling tools; the step budget must.
	p.chat.push(toolCallResponse("call_1", "GMAIL_FETCH_EMAILS", map[string]any{}))
	p.chat.push(toolCallResponse("call_2", "GMAIL_FETCH_EMAILS", map[string]any{}))
	p.chat.push(toolCallResponse("call_3", "GMAIL_FETCH_EMAILS", map[string]any{}))

	resp := p.process(&ChatRequest{UserQuery: "Keep checking my email", UserID: "u1"})

	assert.Equal(t, 2, p.chat.calls())
	assert.Len(t, resp.ExecutedTools, 2)
	// No closing text arrived before the budget ran out.
	assert.Equal(t, completedReply, resp.Response)
}

func TestChatModelFailureDegradesGracefully(t *testing.T) {
	t.Run("conversational", func(t *testing.T) {
		p := newPipeline(t)
		p.serveAnalysis(testAnalysis(0.2, false))
		p.chat.fail(fmt.Errorf("model overloaded"))

		resp := p.process(&ChatRequest{UserQuery: "Hello", UserID: "u1"})
		assert.Equal(t, degradedReply, resp.Response)
	})

	t.Run("tool loop", func(t *testing.T) {
		p := newPipeline(t)
		p.connect("u1", "GMAIL", "acc-gmail")

		a := testAnalysis(0.9, true)
		a.RecommendedApps = []string{"GMAIL"}
		p.serveAnalysis(a)
		p.serveRoute([]string{"GMAIL"}, []string{"GMAIL_SEND_EMAIL"})
		p.chat.fail(fmt.Errorf("model overloaded"))

		resp := p.process(&ChatRequest{UserQuery: "Email Kim", UserID: "u1"})
		assert.Equal(t, degradedReply, resp.Response)
		assert.Empty(t, resp.ExecutedTools)
		assert.Zero(t, p.broker.executeCount())
	})
}

func TestBrokerTransportErrorReportsAsToolFailure(t *testing.T) {
	p := newPipeline(t)
	p.connect("u1", "GMAIL", "acc-gmail")

	a := testAnalysis(0.9, true)
	a.RecommendedApps = []string{"GMAIL"}
	p.serveAnalysis(a)
	p.serveRoute([]string{"GMAIL"}, []string{"GMAIL_SEND_EMAIL"})

	p.broker.scriptExecuteErr("GMAIL_SEND_EMAIL", fmt.Errorf("connection refused"))
	p.chat.push(toolCallResponse("call_1", "GMAIL_SEND_EMAIL", map[string]any{"to": "kim@example.com"}))
	p.chat.push(textResponse("Sent."))

	resp := p.process(&ChatRequest{UserQuery: "Email Kim", UserID: "u1"})

	assert.Contains(t, resp.Response, "GMAIL_SEND_EMAIL failed: connection refused")
	require.Len(t, resp.ExecutedTools, 1)

	// The transport error is recorded in the same shape as an app-level
	// failure.
	result, ok := resp.ExecutedTools[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, result["successful"])
	assert.Equal(t, "connection refused", result["error"])
}
