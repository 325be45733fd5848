package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

func nodesFrom(t *testing.T, raw string) []RemoteNode {
	t.Helper()
	var nodes []RemoteNode
	require.NoError(t, json.Unmarshal([]byte(raw), &nodes))
	return nodes
}

func TestExtractCronSchedules(t *testing.T) {
	tests := []struct {
		name  string
		nodes string
		want  stores.CronSchedules
	}{
		{
			name:  "no nodes",
			nodes: `[]`,
			want:  stores.CronSchedules{},
		},
		{
			name: "schedule trigger with interval rules",
			nodes: `[{"name": "Schedule", "type": "n8n-nodes-base.scheduleTrigger", "parameters": {"rule": {"interval": [
				{"field": "hours", "hoursInterval": 2},
				{"field": "cronExpression", "expression": "0 9 * * 1-5"},
				{"field": "cronExpression", "expression": "0 9 * * 1-5"}
			]}}}]`,
			want: stores.CronSchedules{
				{NodeName: "Schedule", NodeType: "n8n-nodes-base.scheduleTrigger", CronExpression: "0 9 * * 1-5"},
			},
		},
		{
			name: "legacy cron node",
			nodes: `[{"name": "Cron", "type": "n8n-nodes-base.cron", "parameters": {"triggerTimes": {"item": [
				{"mode": "everyHour"},
				{"mode": "custom", "cronExpression": "*/5 * * * *"}
			]}}}]`,
			want: stores.CronSchedules{
				{NodeName: "Cron", NodeType: "n8n-nodes-base.cron", CronExpression: "*/5 * * * *"},
			},
		},
		{
			name: "plain cron expression on a trigger",
			nodes: `[
				{"name": "Custom", "type": "n8n-nodes-community.pollingTrigger", "parameters": {"cronExpression": " 30 2 * * * "}},
				{"name": "Not a trigger", "type": "n8n-nodes-base.set", "parameters": {"cronExpression": "0 0 * * *"}}
			]`,
			want: stores.CronSchedules{
				{NodeName: "Custom", NodeType: "n8n-nodes-community.pollingTrigger", CronExpression: "30 2 * * *"},
			},
		},
		{
			name: "disabled trigger is skipped",
			nodes: `[{"name": "Off", "type": "n8n-nodes-base.scheduleTrigger", "disabled": true,
				"parameters": {"rule": {"interval": [{"field": "cronExpression", "expression": "0 * * * *"}]}}}]`,
			want: stores.CronSchedules{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCronSchedules(nodesFrom(t, tt.nodes))
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountConnections(t *testing.T) {
	var w RemoteWorkflow
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "1",
		"connections": {
			"Trigger": {"main": [[{"node": "A", "type": "main", "index": 0}, {"node": "B", "type": "main", "index": 0}]]},
			"A": {"main": [[{"node": "C", "type": "main", "index": 0}], []]},
			"Model": {"ai_languageModel": [[{"node": "Agent", "type": "ai_languageModel", "index": 0}]]}
		}
	}`), &w))

	assert.Equal(t, 4, CountConnections(w.Connections))
	assert.Zero(t, CountConnections(nil))
}

func TestDecodeWorkflowTags(t *testing.T) {
	w, err := decodeWorkflow(json.RawMessage(`{"id": 12, "tags": [{"id": "1", "name": "prod"}, "legacy", {"id": "2"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "12", string(w.ID))
	assert.Equal(t, []string{"prod", "legacy"}, w.TagNames())
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := decodeWorkflow(json.RawMessage(`{"name": "no id"}`))
	assert.Error(t, err)

	_, err = decodeExecution(json.RawMessage(`{"id": "1"}`))
	assert.Error(t, err)

	_, err = decodeExecution(json.RawMessage(`not json`))
	assert.Error(t, err)

	assert.Equal(t, "42", peekID(json.RawMessage(`{"id": 42, "startedAt": false}`)))
	assert.Empty(t, peekID(json.RawMessage(`[]`)))
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 123000000, time.FixedZone("CEST", 2*60*60))

	got, ok := parseCursor(formatCursor(at))
	require.True(t, ok)
	assert.True(t, got.Equal(at))
	assert.Equal(t, time.UTC, got.Location())

	got, ok = parseCursor("1714559400")
	require.True(t, ok)
	assert.Equal(t, time.Unix(1714559400, 0).UTC(), got)

	_, ok = parseCursor("")
	assert.False(t, ok)
	_, ok = parseCursor("yesterday")
	assert.False(t, ok)
}
