// Package analysis defines the structured record the analysis model
// produces for every turn, its JSON schema, and the Analyzer that obtains
// it. The record drives the rest of the pipeline: routing, tool
// preparation, and the dispatch tier all read from it.
package analysis

import (
	"fmt"
	"sort"
)

// Complexity grades the estimated effort of a request.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// StepPriority grades one execution step.
type StepPriority string

const (
	StepCritical StepPriority = "critical"
	StepHigh     StepPriority = "high"
	StepMedium   StepPriority = "medium"
	StepLow      StepPriority = "low"
)

// SummaryState tracks where the conversation stands.
type SummaryState string

const (
	StateInformationGathering SummaryState = "information_gathering"
	StateReadyToExecute       SummaryState = "ready_to_execute"
	StateExecuted             SummaryState = "executed"
	StateClarificationNeeded  SummaryState = "clarification_needed"
	StateCompleted            SummaryState = "completed"
)

// ComprehensiveAnalysis is the single structured plan produced per turn.
// JSON field names are the wire contract with the analysis model and the
// storage format of the message `analysis` column.
type ComprehensiveAnalysis struct {
	QueryAnalysis               string              `json:"queryAnalysis"`
	IsQueryClear                bool                `json:"isQueryClear"`
	ConfidenceScore             float64             `json:"confidenceScore" jsonschema:"minimum=0,maximum=1"`
	RequiresToolExecution       bool                `json:"requiresToolExecution"`
	ExecutionSteps              []ExecutionStep     `json:"executionSteps"`
	EstimatedComplexity         Complexity          `json:"estimatedComplexity" jsonschema:"enum=low,enum=medium,enum=high"`
	RequiresSequentialExecution bool                `json:"requiresSequentialExecution"`
	NeedsInfoGathering          bool                `json:"needsInfoGathering"`
	MissingInformation          []string            `json:"missingInformation"`
	SearchQueries               []string            `json:"searchQueries"`
	ClarificationNeeded         []string            `json:"clarificationNeeded"`
	CanProceedWithDefaults      bool                `json:"canProceedWithDefaults"`
	ConversationSummary         ConversationSummary `json:"conversationSummary"`
	RecommendedApps             []string            `json:"recommendedApps"`
	ToolPriorities              []ToolPriority      `json:"toolPriorities"`
}

// ExecutionStep is one node of the plan DAG.
type ExecutionStep struct {
	StepNumber   int          `json:"stepNumber" jsonschema:"minimum=1"`
	Description  string       `json:"description"`
	RequiredData []string     `json:"requiredData"`
	AppName      string       `json:"appName"`
	ToolCategory string       `json:"toolCategory"`
	Dependencies []int        `json:"dependencies"`
	Priority     StepPriority `json:"priority" jsonschema:"enum=critical,enum=high,enum=medium,enum=low"`
}

// ToolPriority ranks one app for this turn, 1 (lowest) to 10.
type ToolPriority struct {
	AppName  string `json:"appName"`
	Priority int    `json:"priority" jsonschema:"minimum=1,maximum=10"`
	Reason   string `json:"reason"`
}

// ConversationSummary is the rolling per-session summary, overwritten
// after every turn.
type ConversationSummary struct {
	CurrentIntent      string            `json:"currentIntent"`
	ContextualDetails  ContextualDetails `json:"contextualDetails"`
	State              SummaryState      `json:"state" jsonschema:"enum=information_gathering,enum=ready_to_execute,enum=executed,enum=clarification_needed,enum=completed"`
	KeyEntities        []KeyEntity       `json:"keyEntities"`
	NextExpectedAction string            `json:"nextExpectedAction"`
	TopicShifts        []string          `json:"topicShifts"`
}

// ContextualDetails digests what the conversation has established so far.
type ContextualDetails struct {
	Gathered        []string `json:"gathered"`
	Missing         []string `json:"missing"`
	Preferences     []string `json:"preferences"`
	PreviousActions []string `json:"previousActions"`
}

// KeyEntity is a fact extracted from the conversation.
type KeyEntity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

// Turn is one prior exchange as the analyzer and router see it.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the semantic constraints the JSON schema cannot express
// and rejects plans whose dependency graph has a cycle.
func (a *ComprehensiveAnalysis) Validate() error {
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return fmt.Errorf("confidenceScore %v out of [0,1]", a.ConfidenceScore)
	}

	switch a.EstimatedComplexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh, "":
	default:
		return fmt.Errorf("unknown estimatedComplexity %q", a.EstimatedComplexity)
	}

	switch a.ConversationSummary.State {
	case StateInformationGathering, StateReadyToExecute, StateExecuted,
		StateClarificationNeeded, StateCompleted, "":
	default:
		return fmt.Errorf("unknown conversation state %q", a.ConversationSummary.State)
	}

	for _, tp := range a.ToolPriorities {
		if tp.Priority < 1 || tp.Priority > 10 {
			return fmt.Errorf("tool priority %d for %s out of [1,10]", tp.Priority, tp.AppName)
		}
	}

	for _, entity := range a.ConversationSummary.KeyEntities {
		if entity.Confidence < 0 || entity.Confidence > 1 {
			return fmt.Errorf("entity %q confidence %v out of [0,1]", entity.Value, entity.Confidence)
		}
	}

	steps := make(map[int]bool, len(a.ExecutionSteps))
	for _, step := range a.ExecutionSteps {
		if steps[step.StepNumber] {
			return fmt.Errorf("duplicate step number %d", step.StepNumber)
		}
		steps[step.StepNumber] = true
	}
	for _, step := range a.ExecutionSteps {
		for _, dep := range step.Dependencies {
			if !steps[dep] {
				return fmt.Errorf("step %d depends on unknown step %d", step.StepNumber, dep)
			}
		}
	}

	if _, err := a.OrderedSteps(); err != nil {
		return err
	}
	return nil
}

// OrderedSteps returns the execution plan in a valid topological order,
// breaking ties by step number. A dependency cycle is an error.
func (a *ComprehensiveAnalysis) OrderedSteps() ([]ExecutionStep, error) {
	byNumber := make(map[int]ExecutionStep, len(a.ExecutionSteps))
	indegree := make(map[int]int, len(a.ExecutionSteps))
	dependents := make(map[int][]int, len(a.ExecutionSteps))

	for _, step := range a.ExecutionSteps {
		byNumber[step.StepNumber] = step
		if _, ok := indegree[step.StepNumber]; !ok {
			indegree[step.StepNumber] = 0
		}
	}
	for _, step := range a.ExecutionSteps {
		for _, dep := range step.Dependencies {
			if _, ok := byNumber[dep]; !ok {
				continue // unknown deps are Validate's problem
			}
			indegree[step.StepNumber]++
			dependents[dep] = append(dependents[dep], step.StepNumber)
		}
	}

	var ready []int
	for num, deg := range indegree {
		if deg == 0 {
			ready = append(ready, num)
		}
	}
	sort.Ints(ready)

	ordered := make([]ExecutionStep, 0, len(a.ExecutionSteps))
	for len(ready) > 0 {
		num := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byNumber[num])

		released := false
		for _, next := range dependents[num] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			sort.Ints(ready)
		}
	}

	if len(ordered) != len(a.ExecutionSteps) {
		return nil, fmt.Errorf("execution steps contain a dependency cycle")
	}
	return ordered, nil
}

// PriorityFor returns the app's priority from toolPriorities, or the
// default 5 when the app is not ranked.
func (a *ComprehensiveAnalysis) PriorityFor(appName string) int {
	for _, tp := range a.ToolPriorities {
		if tp.AppName == appName {
			return tp.Priority
		}
	}
	return 5
}

// Fallback is the deterministic analysis used when the model call fails,
// times out, or returns an invalid plan. It routes the turn to the
// conversational tier and must never be cached.
func Fallback(query string) *ComprehensiveAnalysis {
	intent := query
	if len(intent) > 200 {
		intent = intent[:200]
	}
	return &ComprehensiveAnalysis{
		QueryAnalysis:         "Analysis unavailable; responding conversationally.",
		IsQueryClear:          false,
		ConfidenceScore:       0.1,
		RequiresToolExecution: false,
		ExecutionSteps: []ExecutionStep{{
			StepNumber:   1,
			Description:  "Respond to the user and gather more detail.",
			RequiredData: []string{},
			Dependencies: []int{},
			Priority:     StepLow,
		}},
		EstimatedComplexity: ComplexityLow,
		NeedsInfoGathering:  true,
		MissingInformation:  []string{},
		SearchQueries:       []string{},
		ClarificationNeeded: []string{},
		ConversationSummary: ConversationSummary{
			CurrentIntent: intent,
			State:         StateInformationGathering,
			ContextualDetails: ContextualDetails{
				Gathered:        []string{},
				Missing:         []string{},
				Preferences:     []string{},
				PreviousActions: []string{},
			},
			KeyEntities: []KeyEntity{},
			TopicShifts: []string{},
		},
		RecommendedApps: []string{},
		ToolPriorities:  []ToolPriority{},
	}
}

// IsFallback reports whether a looks like the deterministic fallback.
// Used to keep fallbacks out of the cache.
func (a *ComprehensiveAnalysis) IsFallback() bool {
	return a != nil && a.ConfidenceScore == 0.1 && !a.RequiresToolExecution &&
		a.QueryAnalysis == "Analysis unavailable; responding conversationally."
}
