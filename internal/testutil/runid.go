package testutil

// FixedRunID generates the same run ID every time.
//
// Unlike engine.FixedGenerator, which hands out IDs in sequence and panics
// when exhausted, this generator suits scenarios that run many times and
// compare output against golden files.
//
// Thread-safety: FixedRunID is stateless and safe for concurrent use.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates a generator. If id is empty, Generate returns
// "test-run-default".
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed run ID.
//
// Implements engine.RunIDGenerator.
func (g *FixedRunID) Generate() string {
	return g.id
}
