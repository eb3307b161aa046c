// Package engine runs one turn-based conversation between a fixed roster of
// role agents.
//
// An Engine is immutable and may serve many runs concurrently. Each call to
// Run owns its own session state and budget meter; turns within a run are
// strictly sequential.
//
// # Run lifecycle
//
//	NotStarted ──▶ Running ──▶ Completed
//	                  │
//	                  └──────▶ Aborted
//
// A run rotates through the roster once per topic. Before every turn the
// turn cap and a pre-flight budget estimate are checked; after every turn the
// actual spend is recorded. A breached ceiling aborts the run with
// ReasonBudgetExceeded, which takes precedence over every other stop
// condition of the same turn.
//
// After each full rotation the run stops when the turn cap is reached, the
// topics are exhausted or a participant signalled closure with an empty
// "NEXT TOPIC:" line. A completed run with at least one turn ends with a
// summarization call whose output is parsed as JSON, falling back to the
// ACTION/BLOCKER/GOAL markers in the notes.
//
// # Example
//
//	eng, err := engine.New(agent.DefaultRoster(), llm,
//	    func(o *engine.Options) { o.Logger = logger })
//	if err != nil { ... }
//	out := eng.Run(ctx, engine.Input{
//	    Contract:  contract,
//	    Situation: "Sprint 14 standup",
//	    Topics:    []string{"yesterday", "today", "blockers"},
//	    MaxTurns:  12,
//	})
package engine
