// Package internal holds the signoff service internals.
//
// The internal tree is organized by responsibility:
// - api: HTTP handlers, middleware, problem responses, and routing
// - domain: the approval engine and identity summaries
// - storage: Postgres and in-memory repositories
// - jobs: River workers that repair failed fan-out
// - notifications, email, lifecycle: outbound delivery
// - auth, audit, config, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
