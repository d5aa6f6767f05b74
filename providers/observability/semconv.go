package observability

// Attribute keys, span names, event names and metric names shared by all
// components.

// --- Execution attributes ---

const (
	AttrExecutionID      = "execution.id"
	AttrExecutionStatus  = "execution.status"
	AttrExecutionTrigger = "execution.trigger"

	// AttrWorkflowNodes is the number of nodes in the executed graph.
	AttrWorkflowNodes = "workflow.nodes.count"

	// AttrWorkflowEdges is the number of edges in the executed graph.
	AttrWorkflowEdges = "workflow.edges.count"

	// AttrWorkflowLevels is the number of dependency ranks.
	AttrWorkflowLevels = "workflow.levels.count"
)

// --- Node attributes ---

const (
	AttrNodeID     = "node.id"
	AttrNodeType   = "node.type"
	AttrNodeStatus = "node.status"

	// AttrNodeAttempt is the 1-based attempt number of a retried node.
	AttrNodeAttempt = "node.attempt"

	// AttrNodeAttempts is the total number of attempts made.
	AttrNodeAttempts = "node.attempts"

	AttrNodeSkipReason = "node.skip_reason"
	AttrNodeDuration   = "node.duration"
	AttrNodeIDs        = "node.ids"
)

// --- LLM attributes ---

const (
	AttrLLMProvider     = "llm.provider"
	AttrLLMModel        = "llm.model"
	AttrLLMEndpoint     = "llm.endpoint"
	AttrLLMFinishReason = "llm.finish_reason"

	AttrLLMTokensPrompt     = "llm.tokens.prompt"     // #nosec G101 -- model tokens, not credentials
	AttrLLMTokensCompletion = "llm.tokens.completion" // #nosec G101 -- model tokens, not credentials
	AttrLLMTokensTotal      = "llm.tokens.total"      // #nosec G101 -- model tokens, not credentials
)

// --- Skill attributes ---

const (
	AttrSkillID       = "skill.id"
	AttrSkillEndpoint = "skill.endpoint"
	AttrSkillMethod   = "skill.method"
	AttrSkillAuthType = "skill.auth_type"
)

// --- HTTP attributes ---

const (
	AttrHTTPMethod           = "http.method"
	AttrHTTPURL              = "http.url"
	AttrHTTPRoute            = "http.route"
	AttrHTTPStatusCode       = "http.status_code"
	AttrHTTPRequestBodySize  = "http.request.body.size"
	AttrHTTPResponseBodySize = "http.response.body.size"
	AttrHTTPContentType      = "http.response.content_type"
)

// --- Stream, presence and schedule attributes ---

const (
	AttrStreamSeq       = "stream.seq"
	AttrStreamEventType = "stream.event.type"
	AttrStreamAfterSeq  = "stream.after_seq"

	AttrSessionID = "presence.session.id"
	AttrClientID  = "presence.client.id"

	AttrScheduleID   = "schedule.id"
	AttrScheduleCron = "schedule.cron"
	AttrScheduleZone = "schedule.timezone"

	AttrError = "error"
)

// --- Span names ---

const (
	SpanExecution = "workflow.execution"
	SpanNode      = "workflow.node"
	SpanLLMStream = "llm.stream"
	SpanSkillCall = "skill.call"
)

// --- Event names ---

const (
	EventNodeRetry     = "node.retry"
	EventLLMFirstToken = "llm.first_token" // #nosec G101 -- model tokens, not credentials
	EventLLMStall      = "llm.stall"
)

// --- Metric names ---

const (
	MetricExecutionCount    = "agentcanvas.execution.count"
	MetricExecutionDuration = "agentcanvas.execution.duration"
	MetricNodeCount         = "agentcanvas.node.count"
	MetricNodeDuration      = "agentcanvas.node.duration"
	MetricNodeRetries       = "agentcanvas.node.retries"
	MetricLLMTokens         = "agentcanvas.llm.tokens" // #nosec G101 -- model tokens, not credentials
	MetricSkillRequests     = "agentcanvas.skill.requests"
	MetricStreamEvents      = "agentcanvas.stream.events"
	MetricPresenceUpdates   = "agentcanvas.presence.updates"
	MetricHTTPRequests      = "agentcanvas.http.requests"
	MetricHTTPDuration      = "agentcanvas.http.duration"
	MetricScheduleFires     = "agentcanvas.schedule.fires"
)
