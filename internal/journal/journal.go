package journal

import (
	"sync"
	"time"

	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/store"
)

// Journal keeps one open bundle per competition. A nil *Journal discards everything, which is
// how the coordinator runs when no journal directory is configured.
type Journal struct {
	root string
	now  func() time.Time
	log  *logging.Logger

	mu      sync.Mutex
	bundles map[string]*Bundle
}

// New returns a journal rooted at dir, or nil when dir is empty.
func New(dir string, clock func() time.Time, logger *logging.Logger) *Journal {
	if dir == "" {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Journal{root: dir, now: clock, log: logger, bundles: make(map[string]*Bundle)}
}

func (j *Journal) bundle(slug string) (*Bundle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if b, ok := j.bundles[slug]; ok {
		return b, nil
	}
	b, _, err := OpenBundle(j.root, slug, j.now)
	if err != nil {
		return nil, err
	}
	j.bundles[slug] = b
	return b, nil
}

// Record appends an event to slug's bundle. Failures are logged, never returned.
func (j *Journal) Record(slug, kind string, fields map[string]any) {
	if j == nil {
		return
	}
	b, err := j.bundle(slug)
	if err == nil {
		err = b.Append(kind, fields)
	}
	if err != nil {
		j.log.Warn("journal append failed", logging.String("competition", slug), logging.String("kind", kind), logging.Error(err))
	}
}

// Standings writes the final ranking and closes slug's bundle.
func (j *Journal) Standings(slug string, ranked []store.Participant) {
	if j == nil {
		return
	}
	b, err := j.bundle(slug)
	if err != nil {
		j.log.Warn("journal open failed", logging.String("competition", slug), logging.Error(err))
		return
	}
	rows := make([]StandingRecord, 0, len(ranked))
	for _, p := range ranked {
		rows = append(rows, StandingRecord{
			Rank:             p.Rank,
			UserID:           p.UserID,
			Name:             p.Name,
			Status:           string(p.Status),
			Score:            p.Score,
			Correct:          p.Correct,
			Wrong:            p.Wrong,
			Skipped:          p.Skipped,
			TimeSpentSeconds: int64(p.TimeSpent / time.Second),
			Violations:       len(p.Violations),
		})
	}
	if err := b.WriteStandings(rows); err != nil {
		j.log.Warn("journal standings failed", logging.String("competition", slug), logging.Error(err))
	}
	j.Close(slug)
}

// Close releases slug's bundle; a later Record opens a fresh one.
func (j *Journal) Close(slug string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	b, ok := j.bundles[slug]
	delete(j.bundles, slug)
	j.mu.Unlock()
	if ok {
		if err := b.Close(); err != nil {
			j.log.Warn("journal close failed", logging.String("competition", slug), logging.Error(err))
		}
	}
}

// CloseAll releases every open bundle.
func (j *Journal) CloseAll() {
	if j == nil {
		return
	}
	j.mu.Lock()
	slugs := make([]string, 0, len(j.bundles))
	for slug := range j.bundles {
		slugs = append(slugs, slug)
	}
	j.mu.Unlock()
	for _, slug := range slugs {
		j.Close(slug)
	}
}

// Directory returns the bundle directory currently open for slug.
func (j *Journal) Directory(slug string) string {
	if j == nil {
		return ""
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bundles[slug].Directory()
}
