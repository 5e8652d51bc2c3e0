package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteExactReferencePassesRawResult(t *testing.T) {
	execCtx := newExecutionContext()
	stored := map[string]any{"successful": true, "data": map[string]any{"threadId": "thread-9"}}
	execCtx.Record("call_1", "GMAIL_SEARCH_EMAILS", map[string]any{"query": "from:kim"}, stored)

	out := execCtx.Substitute(map[string]any{"thread": "$step_call_1"})

	// The argument becomes the stored result itself, not a rendering
	// of it.
	assert.Equal(t, stored, out["thread"])
}

func TestSubstituteEmbeddedReferenceSplicesText(t *testing.T) {
	execCtx := newExecutionContext()
	execCtx.Record("call_1", "GMAIL_SEARCH_EMAILS", nil, "thread-9")
	execCtx.Record("call_2", "GOOGLEDOCS_CREATE_DOCUMENT", nil, map[string]any{"documentId": "doc-42"})

	out := execCtx.Substitute(map[string]any{
		"subject": "Re: $step_call_1",
		"note":    "created $step_call_2 earlier",
	})

	// String results splice in verbatim; structured results splice in
	// as JSON.
	assert.Equal(t, "Re: thread-9", out["subject"])
	assert.Equal(t, `created {"documentId":"doc-42"} earlier`, out["note"])
}

func TestSubstituteUnknownReferenceLeftAlone(t *testing.T) {
	execCtx := newExecutionContext()
	execCtx.Record("call_1", "GMAIL_SEARCH_EMAILS", nil, "thread-9")

	out := execCtx.Substitute(map[string]any{
		"thread": "$step_call_9",
		"body":   "see $step_call_9 for details",
	})

	assert.Equal(t, "$step_call_9", out["thread"])
	assert.Equal(t, "see $step_call_9 for details", out["body"])
}

func TestSubstituteWalksNestedStructures(t *testing.T) {
	execCtx := newExecutionContext()
	execCtx.Record("call_1", "GMAIL_SEARCH_EMAILS", nil, "thread-9")

	out := execCtx.Substitute(map[string]any{
		"message": map[string]any{
			"threadId": "$step_call_1",
			"labels":   []any{"inbox", "$step_call_1"},
		},
		"count": 3,
	})

	message, ok := out["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thread-9", message["threadId"])
	assert.Equal(t, []any{"inbox", "thread-9"}, message["labels"])
	assert.Equal(t, 3, out["count"])
}

func TestSubstituteWithoutResultsReturnsArgs(t *testing.T) {
	execCtx := newExecutionContext()
	args := map[string]any{"to": "kim@example.com", "thread": "$step_call_1"}

	out := execCtx.Substitute(args)

	// Nothing has executed yet, so nothing can resolve.
	assert.Equal(t, args, out)
}

func TestRecordPreservesOrderAndLookup(t *testing.T) {
	execCtx := newExecutionContext()
	execCtx.Record("call_1", "GMAIL_SEARCH_EMAILS", map[string]any{"query": "from:kim"}, "thread-9")
	execCtx.Record("call_2", "GMAIL_REPLY_TO_THREAD", map[string]any{"thread": "thread-9"}, map[string]any{"successful": true})

	records := execCtx.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "GMAIL_SEARCH_EMAILS", records[0].Name)
	assert.Equal(t, "call_1", records[0].ToolCallID)
	assert.Equal(t, "GMAIL_REPLY_TO_THREAD", records[1].Name)

	result, ok := execCtx.Result("call_1")
	require.True(t, ok)
	assert.Equal(t, "thread-9", result)

	_, ok = execCtx.Result("call_9")
	assert.False(t, ok)
}

func TestStringifyResult(t *testing.T) {
	assert.Equal(t, "", stringifyResult(nil))
	assert.Equal(t, "thread-9", stringifyResult("thread-9"))
	assert.Equal(t, `{"successful":true}`, stringifyResult(map[string]any{"successful": true}))
	assert.Equal(t, "42", stringifyResult(42))
}
