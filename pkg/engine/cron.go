package engine

import (
	"fmt"
	"strings"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

// ExtractCronSchedules returns every cron expression configured on the
// workflow's enabled trigger nodes, in node order.
//
// Three shapes are recognised:
//
//	scheduleTrigger:  parameters.rule.interval[] with field == "cronExpression"
//	cron (legacy):    parameters.triggerTimes.item[] with mode == "custom"
//	any *trigger:     parameters.cronExpression
func ExtractCronSchedules(nodes []RemoteNode) stores.CronSchedules {
	schedules := stores.CronSchedules{}
	for _, node := range nodes {
		if node.Disabled || !isTriggerNode(node.Type) {
			continue
		}

		seen := map[string]bool{}
		add := func(expr string) {
			expr = strings.TrimSpace(expr)
			if expr == "" || seen[expr] {
				return
			}
			seen[expr] = true
			schedules = append(schedules, stores.CronSchedule{
				NodeName:       node.Name,
				NodeType:       node.Type,
				CronExpression: expr,
			})
		}

		if rule, ok := node.Parameters["rule"].(map[string]interface{}); ok {
			for _, entry := range objects(rule["interval"]) {
				if stringParam(entry, "field") == "cronExpression" {
					add(stringParam(entry, "expression"))
				}
			}
		}

		if times, ok := node.Parameters["triggerTimes"].(map[string]interface{}); ok {
			for _, entry := range objects(times["item"]) {
				if stringParam(entry, "mode") == "custom" {
					add(stringParam(entry, "cronExpression"))
				}
			}
		}

		add(stringParam(node.Parameters, "cronExpression"))
	}
	return schedules
}

func isTriggerNode(nodeType string) bool {
	t := strings.ToLower(nodeType)
	return strings.HasSuffix(t, "trigger") || strings.HasSuffix(t, ".cron")
}

// CountConnections counts the edges of a workflow's connection map.
func CountConnections(connections map[string]map[string][][]RemoteConnection) int {
	n := 0
	for _, byType := range connections {
		for _, outputs := range byType {
			for _, targets := range outputs {
				n += len(targets)
			}
		}
	}
	return n
}

func objects(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringParam(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}
