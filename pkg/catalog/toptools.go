package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// TopTools maps each supported app to its most used tools. The routing
// model is shown this table and must pick from it; anything it returns
// outside the table is discarded.
//
// The full per-app tool sets live in the vector catalog; this is only the
// routing shortlist.
var TopTools = map[string]map[string]string{
	"GMAIL": {
		"GMAIL_SEND_EMAIL":         "Send an email to one or more recipients",
		"GMAIL_CREATE_EMAIL_DRAFT": "Create a draft email without sending it",
		"GMAIL_FETCH_EMAILS":       "Fetch recent emails from the inbox",
		"GMAIL_SEARCH_EMAILS":      "Search emails by sender, subject or content",
		"GMAIL_REPLY_TO_THREAD":    "Reply to an existing email thread",
	},
	"GOOGLECALENDAR": {
		"GOOGLECALENDAR_CREATE_EVENT":    "Create a calendar event",
		"GOOGLECALENDAR_UPDATE_EVENT":    "Update an existing calendar event",
		"GOOGLECALENDAR_DELETE_EVENT":    "Delete a calendar event",
		"GOOGLECALENDAR_FIND_EVENT":      "Find events by date range or text",
		"GOOGLECALENDAR_FIND_FREE_SLOTS": "Find free time slots in a calendar",
	},
	"GOOGLEDRIVE": {
		"GOOGLEDRIVE_UPLOAD_FILE":   "Upload a file to Drive",
		"GOOGLEDRIVE_FIND_FILE":     "Find files by name or content",
		"GOOGLEDRIVE_CREATE_FOLDER": "Create a folder",
		"GOOGLEDRIVE_SHARE_FILE":    "Share a file or folder with someone",
		"GOOGLEDRIVE_DOWNLOAD_FILE": "Download a file's content",
	},
	"GOOGLEDOCS": {
		"GOOGLEDOCS_CREATE_DOCUMENT":      "Create a new document",
		"GOOGLEDOCS_GET_DOCUMENT_BY_ID":   "Read a document's content",
		"GOOGLEDOCS_UPDATE_EXISTING_DOC":  "Append or replace content in a document",
		"GOOGLEDOCS_SEARCH_DOCUMENTS":     "Search documents by title or content",
		"GOOGLEDOCS_CREATE_DOC_FROM_TEXT": "Create a document from markdown text",
	},
	"NOTION": {
		"NOTION_CREATE_PAGE":         "Create a page in a workspace or under a parent page",
		"NOTION_SEARCH_NOTION_PAGE":  "Search pages and databases by title",
		"NOTION_ADD_PAGE_CONTENT":    "Append blocks to an existing page",
		"NOTION_QUERY_DATABASE":      "Query a database with filters and sorting",
		"NOTION_INSERT_ROW_DATABASE": "Insert a row into a database",
		"NOTION_UPDATE_ROW_DATABASE": "Update a row in a database",
	},
}

var toolIndex = buildToolIndex()

func buildToolIndex() map[string]string {
	idx := make(map[string]string)
	for app, tools := range TopTools {
		for name := range tools {
			idx[name] = app
		}
	}
	return idx
}

// Apps returns the catalog's app names, sorted.
func Apps() []string {
	apps := make([]string, 0, len(TopTools))
	for app := range TopTools {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// IsApp reports whether appName is a catalog key.
func IsApp(appName string) bool {
	_, ok := TopTools[appName]
	return ok
}

// IsTool reports whether toolName appears under any app.
func IsTool(toolName string) bool {
	_, ok := toolIndex[toolName]
	return ok
}

// AppForTool returns the app a catalog tool belongs to.
func AppForTool(toolName string) (string, bool) {
	app, ok := toolIndex[toolName]
	return app, ok
}

// Format renders the catalog as deterministic plain text for the routing
// prompt.
func Format() string {
	var b strings.Builder
	for _, app := range Apps() {
		fmt.Fprintf(&b, "%s:\n", app)

		tools := make([]string, 0, len(TopTools[app]))
		for name := range TopTools[app] {
			tools = append(tools, name)
		}
		sort.Strings(tools)

		for _, name := range tools {
			fmt.Fprintf(&b, "  %s: %s\n", name, TopTools[app][name])
		}
	}
	return b.String()
}
