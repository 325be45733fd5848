// Package config holds both layers of configuration for the analytics
// backend.
//
// # Process settings
//
// Settings are read once at startup by Load: built-in defaults, then a YAML
// file, then a .env file, then N8N_ANALYTICS_* environment variables. They
// cover the data directory, database DSN, master key location and the
// telemetry sections. Watch re-reads the file on change so the log level can
// be adjusted without a restart.
//
// # Runtime settings
//
// Store keeps typed key/value items in the relational store. Every item has
// a type (string, number, boolean or json) and an optional CUE constraint
// such as
//
//	int & >=1 & <=1440
//
// which Set checks before writing. Secret items are encrypted with the
// credential vault and masked in listings and in the audit log. Each
// successful Set writes exactly one audit entry in the same transaction as
// the new value:
//
//	err := store.Set(ctx, config.KeySyncInterval, "30", config.AuditMeta{
//	    ChangedBy:    "ops@example.com",
//	    ChangeReason: "reduce provider load",
//	})
//
// Initialize seeds the Defaults table without overwriting existing values.
package config
