package engine

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ModelPrice is the price of a model in currency units per 1000 tokens.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Pricing maps a model name, or a model name prefix, to its price.
type Pricing map[string]ModelPrice

// Cost prices a call. The exact model name wins over the longest matching prefix.
func (p Pricing) Cost(model string, inputTokens, outputTokens int64) (float64, bool) {
	if len(p) == 0 || model == "" {
		return 0, false
	}

	price, ok := p[model]
	if !ok {
		best := ""
		for name := range p {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0, false
		}
		price = p[best]
	}

	cost := float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
	return cost, true
}

// AIUsage is the AI token and cost usage of one execution.
type AIUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`

	// Provider and Model describe the first AI call found.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Calls is the number of usage entries summed.
	Calls int `json:"calls"`
}

// costPrecision bounds float noise in summed costs.
const costPrecision = 1e8

var aiNodeFamilies = []string{
	"langchain", "openai", "anthropic", "lmchat", "lmopenai", "embeddings",
	"agent", "chainllm", "mistral", "gemini", "googlepalm", "ollama", "groq",
	"cohere", "huggingface", "bedrock", "deepseek", "perplexity", "xai",
}

var usageKeys = []string{"tokenUsage", "usage", "tokenUsageEstimate"}

var (
	inputTokenKeys  = []string{"promptTokens", "prompt_tokens", "inputTokens", "input_tokens"}
	outputTokenKeys = []string{"completionTokens", "completion_tokens", "outputTokens", "output_tokens"}
	totalTokenKeys  = []string{"totalTokens", "total_tokens"}
	costKeys        = []string{"cost", "estimatedCost", "estimated_cost", "totalCost", "total_cost"}
	modelKeys       = []string{"model", "modelName", "model_name"}
)

// ExtractAIUsage sums the AI usage reported by the execution's node outputs.
// Runs of failed nodes are included. Nodes are visited in name order so the
// result does not depend on map iteration.
func ExtractAIUsage(exec *RemoteExecution, pricing Pricing) AIUsage {
	usage := AIUsage{}
	if exec == nil {
		return usage
	}

	nodes := make(map[string]RemoteNode, len(exec.WorkflowData.Nodes))
	for _, n := range exec.WorkflowData.Nodes {
		nodes[n.Name] = n
	}

	runData := exec.Data.ResultData.RunData
	names := make([]string, 0, len(runData))
	for name := range runData {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node, known := nodes[name]
		if known && !isAINodeType(node.Type) {
			continue
		}

		for _, run := range runData[name] {
			connTypes := make([]string, 0, len(run.Data))
			for ct := range run.Data {
				connTypes = append(connTypes, ct)
			}
			sort.Strings(connTypes)

			for _, ct := range connTypes {
				for _, output := range run.Data[ct] {
					for _, item := range output {
						usage.add(item.JSON, node, pricing)
					}
				}
			}
		}
	}

	usage.Cost = math.Round(usage.Cost*costPrecision) / costPrecision
	return usage
}

func (u *AIUsage) add(item map[string]interface{}, node RemoteNode, pricing Pricing) {
	if item == nil {
		return
	}

	tokens, container := findUsage(item)
	if tokens == nil {
		return
	}

	in := firstInt(tokens, inputTokenKeys)
	out := firstInt(tokens, outputTokenKeys)
	total := firstInt(tokens, totalTokenKeys)
	if total == 0 {
		total = in + out
	}

	model := firstString(tokens, modelKeys)
	if model == "" {
		model = firstString(container, modelKeys)
	}
	if model == "" {
		model = modelParam(node.Parameters)
	}

	cost, hasCost := firstFloat(tokens, costKeys)
	if !hasCost {
		cost, hasCost = firstFloat(container, costKeys)
	}
	if !hasCost {
		cost, _ = pricing.Cost(model, in, out)
	}

	u.InputTokens += in
	u.OutputTokens += out
	u.TotalTokens += total
	u.Cost += cost
	u.Calls++

	if u.Model == "" && model != "" {
		u.Model = model
	}
	if u.Provider == "" {
		u.Provider = aiProvider(node.Type, model)
	}
}

func isAINodeType(nodeType string) bool {
	t := strings.ToLower(nodeType)
	for _, family := range aiNodeFamilies {
		if strings.Contains(t, family) {
			return true
		}
	}
	return false
}

// findUsage returns the usage object of an output item and the object that holds it.
func findUsage(item map[string]interface{}) (map[string]interface{}, map[string]interface{}) {
	candidates := []map[string]interface{}{item}
	if resp, ok := item["response"].(map[string]interface{}); ok {
		candidates = append(candidates, resp)
	}

	for _, c := range candidates {
		for _, key := range usageKeys {
			if m, ok := c[key].(map[string]interface{}); ok && hasTokenFields(m) {
				return m, c
			}
		}
	}
	return nil, nil
}

func hasTokenFields(m map[string]interface{}) bool {
	for _, keys := range [][]string{inputTokenKeys, outputTokenKeys, totalTokenKeys} {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				return true
			}
		}
	}
	return false
}

func firstInt(m map[string]interface{}, keys []string) int64 {
	for _, k := range keys {
		if f, ok := toFloat(m[k]); ok {
			return int64(math.Round(f))
		}
	}
	return 0
}

func firstFloat(m map[string]interface{}, keys []string) (float64, bool) {
	for _, k := range keys {
		if f, ok := toFloat(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// modelParam reads the model from node parameters, which hold either a plain
// string or a resource locator object.
func modelParam(params map[string]interface{}) string {
	for _, k := range []string{"model", "modelName"} {
		switch v := params[k].(type) {
		case string:
			if v != "" && !strings.HasPrefix(v, "=") {
				return v
			}
		case map[string]interface{}:
			if s, ok := v["value"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

var providerByNodeType = []struct{ match, provider string }{
	{"azureopenai", "azure-openai"},
	{"openai", "openai"},
	{"anthropic", "anthropic"},
	{"googlegemini", "google"},
	{"googlepalm", "google"},
	{"gemini", "google"},
	{"mistral", "mistral"},
	{"ollama", "ollama"},
	{"groq", "groq"},
	{"cohere", "cohere"},
	{"huggingface", "huggingface"},
	{"bedrock", "aws-bedrock"},
	{"deepseek", "deepseek"},
}

var providerByModelPrefix = []struct{ prefix, provider string }{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"text-embedding", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"command", "cohere"},
	{"deepseek", "deepseek"},
}

func aiProvider(nodeType, model string) string {
	t := strings.ToLower(nodeType)
	for _, p := range providerByNodeType {
		if strings.Contains(t, p.match) {
			return p.provider
		}
	}
	m := strings.ToLower(model)
	for _, p := range providerByModelPrefix {
		if strings.HasPrefix(m, p.prefix) {
			return p.provider
		}
	}
	return ""
}
