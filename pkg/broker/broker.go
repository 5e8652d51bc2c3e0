// Package broker is the client for the external integration broker that
// hosts third-party tool endpoints (Composio-style API). The broker owns
// the OAuth credentials; this process only ever sees connected-account ids.
//
// Calls are not retried here: the dispatcher turns failures into
// user-visible text instead.
package broker

import (
	"context"
	"strings"
)

// Tool is a callable action descriptor: an action name plus a JSON-schema
// parameter description, as served by the broker.
type Tool struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Description string         `json:"description"`
	AppName     string         `json:"appName"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ConnectionInfo mirrors the broker's view of one connected account.
type ConnectionInfo struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AppName     string `json:"appName,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// ToolFilter selects tool descriptors by app or by concrete action names.
// EntityID scopes the fetch to one user's accounts.
type ToolFilter struct {
	Apps     []string
	Actions  []string
	EntityID string
}

// ExecuteRequest invokes one action against a user's connected account.
type ExecuteRequest struct {
	Action             string         `json:"action"`
	Params             map[string]any `json:"params,omitempty"`
	ConnectedAccountID string         `json:"connectedAccountId,omitempty"`
	EntityID           string         `json:"entityId,omitempty"`
}

// ExecuteResult is the broker's verdict on one execution. Error carries the
// broker-side reason when Successful is false.
type ExecuteResult struct {
	Successful bool           `json:"successful"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Failed reports whether the result counts as a tool failure: an error
// present, or success explicitly false.
func (r *ExecuteResult) Failed() bool {
	return r.Error != "" || !r.Successful
}

// Payload renders the result as the object stored in the execution context
// and shown back to the chat model.
func (r *ExecuteResult) Payload() map[string]any {
	out := map[string]any{"successful": r.Successful}
	if r.Data != nil {
		out["data"] = r.Data
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// Broker is the operation surface the pipeline depends on.
type Broker interface {
	// Initiate starts the OAuth-style handshake for one app on behalf of
	// an entity (user). The returned info carries the redirect URL the
	// user must visit.
	Initiate(ctx context.Context, appName, entityID string) (*ConnectionInfo, error)
	// Get fetches the current state of a connected account.
	Get(ctx context.Context, connectedAccountID string) (*ConnectionInfo, error)
	// Reinitiate restarts the handshake for an expired or inactive
	// account, preserving its id.
	Reinitiate(ctx context.Context, connectedAccountID, redirectURI string) (*ConnectionInfo, error)
	// GetTools fetches tool descriptors matching the filter.
	GetTools(ctx context.Context, filter ToolFilter) ([]Tool, error)
	// Execute runs one action and reports the broker's verdict. A non-nil
	// error means the call itself failed; tool-level failures come back
	// inside the result.
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// AppOf extracts the app name from a prefixed tool name
// ("GMAIL_SEND_EMAIL" -> "GMAIL"). Unprefixed names map to themselves.
func AppOf(toolName string) string {
	if i := strings.Index(toolName, "_"); i > 0 {
		return toolName[:i]
	}
	return toolName
}
