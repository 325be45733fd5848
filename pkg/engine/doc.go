// Package engine mirrors workflows and executions from remote automation
// providers into the local store.
//
// # Overview
//
// A sync pass walks the connected providers and, for each one, runs up to
// two steps:
//
//  1. Workflows - page the workflow listing, upsert every definition with its
//     cron triggers and node counts, archive definitions that disappeared
//  2. Executions - page the execution history newest first down to the
//     provider's cursor, upsert each run with its AI token and cost usage,
//     then refresh runs that are still marked running locally
//
// Providers are synced in parallel up to sync.max_concurrent_providers. A
// failure, including a panic, is recorded against its provider only.
//
// # Components
//
//   - Registry: provider CRUD, connection tests, credential decryption
//   - WorkflowSyncer and ExecutionSyncer: the two sync steps
//   - Scheduler: interval loop plus on-demand passes, one pass at a time
//   - Service: the facade used by the CLI and other callers
//
// Remote APIs are reached through ProviderClient, built by a ClientFactory.
// The HTTP implementation lives in transports/n8n.
//
// # Scheduler states
//
//	stopped --start--> idle --begin--> running --finish--> idle | stopped
//
// A tick that arrives while a pass is running is dropped. TriggerSync
// returns ErrSyncInProgress in the same situation.
//
// # Errors
//
// Every error leaving the package can be classified with KindOf and turned
// into a stable kind and message with Describe.
package engine
