package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// buildSystemPrompt instructs the analysis model. knownApps scopes app
// recommendations to integrations that actually exist.
func buildSystemPrompt(knownApps []string) string {
	var b strings.Builder
	b.WriteString(`You are the planning stage of an assistant that can operate third-party apps on the user's behalf.

Analyze the user's request in the context of the conversation and produce a single JSON object matching the provided schema. Be precise:
- confidenceScore reflects how certain you are about what the user wants AND how to do it. Use values below 0.4 for vague or purely conversational messages, 0.4-0.8 when details are missing, 0.8 or above only when the request is actionable as stated.
- requiresToolExecution is true only when completing the request requires calling an app. Questions, greetings, and chit-chat do not.
- executionSteps is the ordered plan. stepNumber starts at 1. dependencies lists the stepNumbers a step needs results from, and must not form a cycle.
- clarificationNeeded lists concrete questions to ask when information is missing; leave it empty when you can proceed.
- conversationSummary carries the rolling state of the whole conversation forward, not just this turn.`)

	if len(knownApps) > 0 {
		b.WriteString("\n- recommendedApps and toolPriorities may only name these apps: ")
		b.WriteString(strings.Join(knownApps, ", "))
		b.WriteString(".")
	}

	b.WriteString("\n\nRespond with the JSON object only.")
	return b.String()
}

// buildUserPrompt assembles the per-turn analysis input.
func buildUserPrompt(query string, history []Turn, prior *ConversationSummary, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current date: %s\n", now.Format("2006-01-02"))

	if prior != nil {
		if summaryJSON, err := json.Marshal(prior); err == nil {
			b.WriteString("Conversation summary so far:\n")
			b.Write(summaryJSON)
			b.WriteString("\n")
		}
	}

	if len(history) > 0 {
		b.WriteString("Recent messages (oldest first):\n")
		for _, turn := range history {
			content := turn.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, content)
		}
	}

	b.WriteString("\nUser request:\n")
	b.WriteString(query)
	return b.String()
}
