// Package agent contains the conversational participants of a Roundtable run.
// The package focuses on three concerns:
//
//  1. Role definitions (Role) with templated, fixed instructions
//  2. The fixed, position-ordered rotation (Roster)
//  3. Executing a single model-backed turn (Participant)
//
// Design principles:
//   - Roles are resolved at configuration time; there is no runtime registry
//   - A participant sees a bounded slice of the previous speaker's notes, never
//     the full history
//   - Budget checks and state mutation belong to the engine; participants only
//     build requests and call the model
package agent
