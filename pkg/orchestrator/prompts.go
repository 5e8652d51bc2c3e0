package orchestrator

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/store"
)

const (
	// optimizedPromptBudget caps the dispatch prompt; history is dropped
	// first when it overflows.
	optimizedPromptBudget = 2000

	// maxTurnChars truncates one history turn inside the prompt.
	maxTurnChars = 400
)

// tokenCounter estimates prompt sizes. The encoding loads lazily and the
// counter falls back to a bytes/4 estimate when it is unavailable.
type tokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func (t *tokenCounter) Count(text string) int {
	t.once.Do(func() {
		encoding, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, estimating by length", "error", err)
			return
		}
		t.encoding = encoding
	})
	if t.encoding == nil {
		return len(text) / 4
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// buildOptimizedPrompt assembles the dispatch prompt from the analysis:
// current date, confidence, intent and state, the ordered plan, the context
// digests, the last two turns, and the query itself. When the result
// overflows the token budget the history section goes first.
func (o *Orchestrator) buildOptimizedPrompt(now time.Time, query string, turnAnalysis *analysis.ComprehensiveAnalysis, turns []analysis.Turn, prefs *store.UserPreference) string {
	prompt := renderOptimizedPrompt(now, query, turnAnalysis, lastTurns(turns, 2), prefs)
	if tokens := o.tokens.Count(prompt); tokens > optimizedPromptBudget && len(turns) > 0 {
		slog.Debug("Dispatch prompt over budget, dropping history", "tokens", tokens)
		prompt = renderOptimizedPrompt(now, query, turnAnalysis, nil, prefs)
	}
	return prompt
}

func renderOptimizedPrompt(now time.Time, query string, turnAnalysis *analysis.ComprehensiveAnalysis, turns []analysis.Turn, prefs *store.UserPreference) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current date: %s\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "Analysis confidence: %.2f\n", turnAnalysis.ConfidenceScore)

	summary := turnAnalysis.ConversationSummary
	if summary.CurrentIntent != "" {
		fmt.Fprintf(&b, "Current intent: %s\n", summary.CurrentIntent)
	}
	if summary.State != "" {
		fmt.Fprintf(&b, "Conversation state: %s\n", summary.State)
	}

	if steps, err := turnAnalysis.OrderedSteps(); err == nil && len(steps) > 0 {
		b.WriteString("\nExecution plan:\n")
		for _, step := range steps {
			fmt.Fprintf(&b, "%d. %s", step.StepNumber, step.Description)
			if step.AppName != "" {
				fmt.Fprintf(&b, " (%s)", step.AppName)
			}
			if len(step.Dependencies) > 0 {
				fmt.Fprintf(&b, " [after step %s]", joinSteps(step.Dependencies))
			}
			b.WriteString("\n")
		}
	}

	writeDigest(&b, "Gathered so far", summary.ContextualDetails.Gathered)
	writeDigest(&b, "Still missing", summary.ContextualDetails.Missing)

	if len(summary.KeyEntities) > 0 {
		entities := make([]string, 0, len(summary.KeyEntities))
		for _, entity := range summary.KeyEntities {
			entities = append(entities, fmt.Sprintf("%s=%s", entity.Type, entity.Value))
		}
		fmt.Fprintf(&b, "Known entities: %s\n", strings.Join(entities, ", "))
	}

	if prefs != nil {
		if len(prefs.DefaultApps) > 0 {
			fmt.Fprintf(&b, "User's preferred apps: %s\n", strings.Join(prefs.DefaultApps, ", "))
		}
		if prefs.Timezone != "" {
			fmt.Fprintf(&b, "User's timezone: %s\n", prefs.Timezone)
		}
	}

	if len(turns) > 0 {
		b.WriteString("\nRecent messages:\n")
		for _, turn := range turns {
			content := turn.Content
			if len(content) > maxTurnChars {
				content = content[:maxTurnChars] + "..."
			}
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, content)
		}
	}

	fmt.Fprintf(&b, "\nUser request:\n%s", query)
	return b.String()
}

func writeDigest(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, "; "))
}

func joinSteps(deps []int) string {
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		parts = append(parts, strconv.Itoa(dep))
	}
	return strings.Join(parts, ", ")
}

func lastTurns(turns []analysis.Turn, n int) []analysis.Turn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

// conversationalPrompt is the minimal low-confidence prompt: the query plus
// whatever intent the analysis distilled.
func conversationalPrompt(query, currentIntent string) string {
	if currentIntent == "" {
		return query
	}
	return fmt.Sprintf("Conversation context: %s\n\nUser message:\n%s", currentIntent, query)
}

// clarificationList renders the analyzer's questions as a numbered list,
// no model call needed.
func clarificationList(questions []string) string {
	var b strings.Builder
	b.WriteString("I need a little more information to do that:\n")
	for i, question := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, question)
	}
	return strings.TrimRight(b.String(), "\n")
}

// connectionsMessage tells the user which apps must be connected first.
func connectionsMessage(apps []string) string {
	if len(apps) == 1 {
		return fmt.Sprintf("I can do that once you connect %s. Please connect it and ask me again.", apps[0])
	}
	return fmt.Sprintf("I can do that once you connect these apps: %s. Please connect them and ask me again.",
		strings.Join(apps, ", "))
}

// failureMessage composes the user-visible text for failed tool calls.
func failureMessage(failures []toolFailure) string {
	names := make([]string, 0, len(failures))
	details := make([]string, 0, len(failures))
	for _, failure := range failures {
		names = append(names, failure.name)
		details = append(details, fmt.Sprintf("%s failed: %s", failure.name, failure.reason))
	}
	return fmt.Sprintf("I attempted to complete your request, but encountered issues with: %s. Details: %s",
		strings.Join(names, ", "), strings.Join(details, "; "))
}

func routerSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You route user requests to integration apps. These are the available apps and their most used tools:\n\n")
	b.WriteString(catalog.Format())
	b.WriteString("\nReturn the apps relevant to the request, most relevant first, and any listed tools the request clearly needs. Use only names from the listing. Return empty arrays when no app applies.")
	return b.String()
}

func toolSystemPrompt() string {
	return `You are Concierge, an assistant that completes requests by operating the user's connected apps through the provided tools.

Follow the execution plan. Call tools with complete arguments and never invent identifiers. When an argument needs a value produced by an earlier tool call in this turn, pass the string $step_<toolCallId> of that call and it will be substituted before execution. When all needed calls are done, reply with a short confirmation of what was accomplished.`
}

func clarifySystemPrompt() string {
	return `You are Concierge, a helpful assistant for operating the user's apps. The request cannot be completed yet. Ask for exactly the missing details, briefly and concretely, as a numbered list when asking more than one thing.`
}

func conversationalSystemPrompt() string {
	return `You are Concierge, a friendly assistant that can operate apps like email, calendars and documents when asked. Reply naturally and briefly. If the user hints at a task, mention what you could do for them.`
}
