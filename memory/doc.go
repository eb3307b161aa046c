// Package memory contains concrete core.DocumentStore implementations used by
// the context retriever. The interface and RankedItem type reside in the core
// package; depend on core.DocumentStore in your code and select an
// implementation (the in-memory store below or memory/mongo) at wiring time.
package memory
