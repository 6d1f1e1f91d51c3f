// Package pipeline defines the domain types and collaborator contracts
// shared across the orchestrator: jobs and their lifecycle states, the
// rate-limiter ledger records, daily statistics, notification events,
// and the interfaces for the external processing, discovery and
// notification collaborators.
package pipeline
