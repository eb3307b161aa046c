// Package core provides the foundational domain types and collaborator
// interfaces shared by every Roundtable package. It defines:
//
//   - Contracts and usage accounting (Contract, Cost, Usage)
//   - Run records and their lifecycle (RunRecord, RunStatus, LedgerStore)
//   - The per-run conversational state (SessionState) and its Summary
//   - Ranked reference material (RankedItem, DocumentStore)
//   - Sentinel errors used to classify failures at the invocation boundary
//
// The package intentionally keeps implementation concerns (persistence,
// provider SDKs, orchestration) out of scope, exposing small interfaces so
// backends can be swapped without touching the orchestration code.
package core
