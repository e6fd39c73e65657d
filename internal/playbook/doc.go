// Package playbook implements a persistent store of reusable strategy
// bullets and the feedback loop that grows it.
//
// Bullets are short strategy statements grouped into sections, each with
// helpful/harmful counters tracking their real-world record. Retrieval is
// semantic: queries are embedded and matched against bullet content, with
// negatively scored bullets filtered out.
//
// # Learning Loop
//
// Feedback on an answer flows through a pipeline:
//   - An InsightSource distills the feedback into a candidate insight
//   - The DeltaEngine gates it on confidence and resolves it to a
//     mutation: update of a semantically similar existing bullet, or a
//     fresh add
//   - The CounterUpdater increments counters on the bullets the answer
//     used, exactly once per feedback id
//   - The Persister commits the resulting state
//
// Any failure after the first mutation rolls the store and processed set
// back to the pre-event snapshot, so an aborted event leaves no trace.
//
// # Persistence
//
// State lives in three files: metadata.json (source of truth),
// playbook.md (human-readable rendering), and vectors.gob (embedding
// cache). Missing or corrupt vectors are rebuilt from metadata by
// re-embedding, never the other way around.
//
// # Concurrency
//
// A single Worker goroutine is the only writer of playbook state; reads
// may run concurrently against a snapshot-consistent store.
package playbook
