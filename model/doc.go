// Package model defines the provider-agnostic abstraction used by agents to
// drive language model calls inside Roundtable.
//
// Core goals:
//   - A single blocking Generate call per turn, bounded by the caller's context
//   - Token usage and cost reported with every response so budgets can be enforced
//   - Thin vendor adapters (model/anthropic, model/openai) behind one interface
//   - Deterministic scripted mocking for tests (MockModel)
//
// Providers implement Model so higher layers (agents, the engine) stay
// decoupled from vendor SDKs.
package model
