package observability

const (
	AttrSessionID       = "session.id"
	AttrUserID          = "user.id"
	AttrConversationID  = "conversation.id"
	AttrTier            = "dispatch.tier"
	AttrConfidence      = "analysis.confidence"
	AttrToolName        = "tool.name"
	AttrAppName         = "app.name"
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"
	AttrHTTPMethod      = "http.method"
	AttrHTTPPath        = "http.path"
	AttrHTTPStatusCode  = "http.status_code"

	SpanTurn           = "pipeline.turn"
	SpanContextInit    = "pipeline.context_init"
	SpanAnalysis       = "pipeline.analysis"
	SpanRouting        = "pipeline.routing"
	SpanToolPrepare    = "pipeline.tool_prepare"
	SpanDispatch       = "pipeline.dispatch"
	SpanPersist        = "pipeline.persist"
	SpanLLMRequest     = "pipeline.llm_request"
	SpanToolExecution  = "pipeline.tool_execution"
	SpanVectorSearch   = "pipeline.vector_search"
	SpanHTTPRequest    = "http.request"
	DefaultServiceName = "concierge"
)
