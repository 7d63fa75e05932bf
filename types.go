// Package anamnesis is the public API for embedding the memory and
// contradiction-tracking server described in SPEC_FULL.md. Embedding
// consumers import this package to construct and run the service
// without forking it:
//
//	app, err := anamnesis.New(
//	    anamnesis.WithVersion(version),
//	    anamnesis.WithLogger(logger),
//	    anamnesis.WithSearcher(myIndex{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: anamnesis (root)
// imports internal/*, but internal/* never imports anamnesis (root).
// Public types below are standalone structs with no internal package
// imports; conversion helpers live in anamnesis.go because that is the
// only file that sees both sides of the boundary.
package anamnesis

import "github.com/google/uuid"

// SearchFilters mirrors internal/search.Filters for use in the public
// Searcher interface. All fields are primitive or stdlib types — no
// internal package imports.
type SearchFilters struct {
	Slot            string
	ExcludeTemporal []string
}

// SearchResult holds a memory ID and similarity score from a Searcher.
type SearchResult struct {
	MemoryID uuid.UUID
	Score    float32
}
