package engine_test

import (
	"encoding/json"
	"fmt"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/engine"
)

func ExampleMapExecutionStatus() {
	fmt.Println(engine.MapExecutionStatus("canceled", false, true))
	fmt.Println(engine.MapExecutionStatus("waiting", false, false))
	fmt.Println(engine.MapExecutionStatus("", true, true))
	// Output:
	// failed
	// running
	// success
}

func ExampleExtractCronSchedules() {
	var nodes []engine.RemoteNode
	_ = json.Unmarshal([]byte(`[
		{"name": "Weekdays", "type": "n8n-nodes-base.scheduleTrigger",
		 "parameters": {"rule": {"interval": [{"field": "cronExpression", "expression": "0 9 * * 1-5"}]}}},
		{"name": "Notify", "type": "n8n-nodes-base.slack", "parameters": {}}
	]`), &nodes)

	for _, s := range engine.ExtractCronSchedules(nodes) {
		fmt.Printf("%s: %s\n", s.NodeName, s.CronExpression)
	}
	// Output:
	// Weekdays: 0 9 * * 1-5
}

func ExamplePricing_Cost() {
	pricing := engine.Pricing{
		"gpt-4o": {InputPer1K: 0.005, OutputPer1K: 0.015},
	}

	cost, ok := pricing.Cost("gpt-4o-2024-08-06", 1200, 300)
	fmt.Printf("%.4f %t\n", cost, ok)
	// Output:
	// 0.0105 true
}

func ExampleDescribe() {
	err := engine.NewAuthError("API key rejected", 401).WithProvider("p-1")

	info := engine.Describe(err)
	fmt.Println(info.Kind, "-", info.Message)
	// Output:
	// auth - API key rejected
}
