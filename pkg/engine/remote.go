package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

// FlexID decodes an identifier sent either as a JSON string or a number.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// RemoteNode is one node of a remote workflow definition.
type RemoteNode struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	Disabled   bool                   `json:"disabled"`
}

// RemoteConnection is one edge target in a workflow's connection map.
type RemoteConnection struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// RemoteWorkflow is the provider's representation of a workflow.
type RemoteWorkflow struct {
	ID     FlexID       `json:"id"`
	Name   string       `json:"name"`
	Active bool         `json:"active"`
	Nodes  []RemoteNode `json:"nodes"`

	// Connections maps source node -> connection type -> output index -> targets.
	Connections map[string]map[string][][]RemoteConnection `json:"connections"`

	// Tags are objects ({"id","name"}) on current providers and plain strings on older ones.
	Tags      []json.RawMessage `json:"tags"`
	UpdatedAt *time.Time        `json:"updatedAt"`
}

// TagNames returns the workflow's tag names.
func (w *RemoteWorkflow) TagNames() []string {
	names := make([]string, 0, len(w.Tags))
	for _, raw := range w.Tags {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			if name != "" {
				names = append(names, name)
			}
			continue
		}
		var tag struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &tag); err == nil && tag.Name != "" {
			names = append(names, tag.Name)
		}
	}
	return names
}

// NodeItem is one output item of a node run.
type NodeItem struct {
	JSON map[string]interface{} `json:"json"`
}

// NodeRun is one run of a node inside an execution.
type NodeRun struct {
	// Data maps connection type (main, ai_languageModel, ...) to outputs and their items.
	Data            map[string][][]NodeItem `json:"data"`
	Error           json.RawMessage         `json:"error,omitempty"`
	ExecutionStatus string                  `json:"executionStatus,omitempty"`
}

// RemoteExecution is the provider's representation of an execution.
type RemoteExecution struct {
	ID         FlexID     `json:"id"`
	WorkflowID FlexID     `json:"workflowId"`
	Status     string     `json:"status"`
	Finished   bool       `json:"finished"`
	Mode       string     `json:"mode"`
	CreatedAt  *time.Time `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt"`

	Data struct {
		ResultData struct {
			RunData map[string][]NodeRun `json:"runData"`
		} `json:"resultData"`
	} `json:"data"`

	WorkflowData struct {
		Nodes []RemoteNode `json:"nodes"`
	} `json:"workflowData"`
}

func decodeWorkflow(raw json.RawMessage) (*RemoteWorkflow, error) {
	var w RemoteWorkflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("workflow has no id")
	}
	return &w, nil
}

func decodeExecution(raw json.RawMessage) (*RemoteExecution, error) {
	var e RemoteExecution
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("execution has no id")
	}
	if e.StartedAt == nil && e.localStatus().IsTerminal() {
		return nil, fmt.Errorf("execution %s has no startedAt", e.ID)
	}
	return &e, nil
}

func (e *RemoteExecution) localStatus() stores.ExecutionStatus {
	return MapExecutionStatus(e.Status, e.Finished, e.StoppedAt != nil)
}

// queued reports whether the provider has accepted the execution but not
// started it yet.
func (e *RemoteExecution) queued() bool {
	return e.StartedAt == nil
}

// startTime returns startedAt, or createdAt for a queued execution, or
// fallback when neither is known.
func (e *RemoteExecution) startTime(fallback time.Time) time.Time {
	switch {
	case e.StartedAt != nil:
		return *e.StartedAt
	case e.CreatedAt != nil:
		return *e.CreatedAt
	default:
		return fallback
	}
}

// peekID extracts the "id" field of an item that failed to decode, if any.
func peekID(raw json.RawMessage) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	var id FlexID
	if err := json.Unmarshal(probe["id"], &id); err != nil {
		return ""
	}
	return strings.TrimSpace(string(id))
}

func formatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseCursor(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Older cursors were stored as unix seconds.
		sec, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0).UTC(), true
	}
	return t.UTC(), true
}
