// Package archive exports final exam standings and settled battles to a search index for
// reporting. Archiving is best effort: callers log failures and carry on.
package archive

import (
	"context"

	"testmakon/realtime/internal/store"
)

// Sink receives finished results.
type Sink interface {
	ArchiveStandings(ctx context.Context, comp store.Competition, ranked []store.Participant) error
	ArchiveBattle(ctx context.Context, b store.Battle) error
}

// Nop discards everything. It is used when no archive backend is configured.
type Nop struct{}

// ArchiveStandings implements Sink.
func (Nop) ArchiveStandings(context.Context, store.Competition, []store.Participant) error {
	return nil
}

// ArchiveBattle implements Sink.
func (Nop) ArchiveBattle(context.Context, store.Battle) error { return nil }
