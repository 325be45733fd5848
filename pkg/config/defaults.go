package config

import (
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

// Setting keys read by the sync engine.
const (
	KeySyncEnabled            = "sync.enabled"
	KeySyncInterval           = "sync.interval_minutes"
	KeyExecutionBatchSize     = "sync.execution_batch_size"
	KeyMaxConcurrentProviders = "sync.max_concurrent_providers"
	KeyFailureBackoffMax      = "sync.failure_backoff_max_minutes"
	KeyProviderDefaultURL     = "providers.default_url"
	KeyProbeTimeout           = "providers.probe_timeout_seconds"
	KeyRequestTimeout         = "providers.request_timeout_seconds"
	KeyModelPricing           = "ai.model_pricing"
	KeyExecutionRetention     = "data.execution_retention_days"
	KeySMTPPassword           = "notifications.smtp_password"
	KeyTimezone               = "system.timezone"
)

// Definition describes a config item and its seed value.
type Definition struct {
	Key         string
	Type        stores.ConfigType
	Category    string
	Description string
	Default     string
	Schema      string
	Secret      bool
	System      bool
}

// Defaults are seeded by Initialize. Existing values are never overwritten.
var Defaults = []Definition{
	{
		Key:         KeySyncEnabled,
		Type:        stores.ConfigTypeBoolean,
		Category:    "sync",
		Description: "Run scheduled sync passes",
		Default:     "true",
	},
	{
		Key:         KeySyncInterval,
		Type:        stores.ConfigTypeNumber,
		Category:    "sync",
		Description: "Minutes between scheduled sync passes",
		Default:     "15",
		Schema:      "int & >=1 & <=1440",
	},
	{
		Key:         KeyExecutionBatchSize,
		Type:        stores.ConfigTypeNumber,
		Category:    "sync",
		Description: "Executions requested per page",
		Default:     "100",
		Schema:      "int & >=1 & <=250",
	},
	{
		Key:         KeyMaxConcurrentProviders,
		Type:        stores.ConfigTypeNumber,
		Category:    "sync",
		Description: "Providers synced in parallel during one pass",
		Default:     "3",
		Schema:      "int & >=1 & <=16",
	},
	{
		Key:         KeyFailureBackoffMax,
		Type:        stores.ConfigTypeNumber,
		Category:    "sync",
		Description: "Upper bound in minutes for skipping a failing provider on scheduled passes (0 disables backoff)",
		Default:     "60",
		Schema:      "int & >=0 & <=1440",
	},
	{
		Key:         KeyProviderDefaultURL,
		Type:        stores.ConfigTypeString,
		Category:    "providers",
		Description: "Base URL suggested for new providers",
		Default:     "http://localhost:5678",
		Schema:      `=~"^https?://"`,
	},
	{
		Key:         KeyProbeTimeout,
		Type:        stores.ConfigTypeNumber,
		Category:    "providers",
		Description: "Connection test timeout in seconds",
		Default:     "10",
		Schema:      "int & >=1 & <=10",
	},
	{
		Key:         KeyRequestTimeout,
		Type:        stores.ConfigTypeNumber,
		Category:    "providers",
		Description: "Timeout in seconds for provider list requests",
		Default:     "30",
		Schema:      "int & >=5 & <=300",
	},
	{
		Key:         KeyModelPricing,
		Type:        stores.ConfigTypeJSON,
		Category:    "ai",
		Description: "Per-model prices in USD per 1000 tokens, used when a node reports no cost",
		Default:     "{}",
		Schema:      "{[string]: {input_per_1k: number & >=0, output_per_1k: number & >=0}}",
	},
	{
		Key:         KeyExecutionRetention,
		Type:        stores.ConfigTypeNumber,
		Category:    "data",
		Description: "Days to keep finished executions (0 keeps everything)",
		Default:     "0",
		Schema:      "int & >=0",
	},
	{
		Key:         KeySMTPPassword,
		Type:        stores.ConfigTypeString,
		Category:    "notifications",
		Description: "SMTP password for notification mail",
		Default:     "",
		Secret:      true,
	},
	{
		Key:         KeyTimezone,
		Type:        stores.ConfigTypeString,
		Category:    "system",
		Description: "Timezone used when rendering schedules",
		Default:     "UTC",
		System:      true,
	},
}

// DefinitionFor returns the seeded definition of key.
func DefinitionFor(key string) (Definition, bool) {
	for _, d := range Defaults {
		if d.Key == key {
			return d, true
		}
	}
	return Definition{}, false
}
