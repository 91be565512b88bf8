// Package journal keeps a compressed, append-only audit trail of each competition: lifecycle
// events, admin actions, violations and the final standings.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var slugCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	eventsFile    = "events.jsonl.sz"
	standingsFile = "standings.json.zst"
	manifestFile  = "manifest.json"
)

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version       int    `json:"version"`
	Competition   string `json:"competition"`
	CreatedAt     string `json:"created_at"`
	EventsPath    string `json:"events_path"`
	StandingsPath string `json:"standings_path"`
}

// Event is one journal line.
type Event struct {
	RecordedAt string         `json:"recorded_at"`
	Kind       string         `json:"kind"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// StandingRecord is one row of the final standings file.
type StandingRecord struct {
	Rank             int     `json:"rank"`
	UserID           int64   `json:"user_id"`
	Name             string  `json:"name,omitempty"`
	Status           string  `json:"status"`
	Score            float64 `json:"score"`
	Correct          int     `json:"correct"`
	Wrong            int     `json:"wrong"`
	Skipped          int     `json:"skipped"`
	TimeSpentSeconds int64   `json:"time_spent_seconds"`
	Violations       int     `json:"violations"`
}

// Bundle streams one competition's journal to disk.
type Bundle struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	closed      bool
}

// OpenBundle prepares a bundle directory under root and opens the compressed event sink.
func OpenBundle(root, slug string, clock func() time.Time) (*Bundle, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := slugCleaner.ReplaceAllString(slug, "")
	if cleaned == "" {
		cleaned = "competition"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	manifest := Manifest{
		Version:       1,
		Competition:   slug,
		CreatedAt:     created.Format(time.RFC3339Nano),
		EventsPath:    eventsFile,
		StandingsPath: standingsFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), data, 0o644)
	}
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	return &Bundle{dir: path, now: clock, eventFile: eventFile, eventStream: snappy.NewBufferedWriter(eventFile)}, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (b *Bundle) Directory() string {
	if b == nil {
		return ""
	}
	return b.dir
}

// Append writes a single JSON event line to the compressed log.
func (b *Bundle) Append(kind string, fields map[string]any) error {
	if b == nil {
		return fmt.Errorf("bundle not initialised")
	}
	recorded := b.now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bundle closed")
	}
	//1.- Encode one self-describing line so the log can be streamed without an index.
	line, err := json.Marshal(Event{RecordedAt: recorded.Format(time.RFC3339Nano), Kind: kind, Fields: fields})
	if err != nil {
		return err
	}
	if _, err := b.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return b.eventStream.Flush()
}

// WriteStandings persists the final ranking as a zstd-compressed JSON document.
func (b *Bundle) WriteStandings(rows []StandingRecord) error {
	if b == nil {
		return fmt.Errorf("bundle not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.Create(filepath.Join(b.dir, standingsFile))
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	//1.- Encode through the compressor and surface the first failure across close calls.
	firstErr := json.NewEncoder(encoder).Encode(rows)
	if err := encoder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close flushes the event stream and releases file handles.
func (b *Bundle) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	if err := b.eventStream.Close(); err != nil {
		firstErr = err
	}
	if err := b.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReadEvents decodes every event from a bundle directory.
func ReadEvents(dir string) ([]Event, error) {
	file, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder := json.NewDecoder(snappy.NewReader(file))
	var events []Event
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			return events, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReadStandings decodes the standings file from a bundle directory.
func ReadStandings(dir string) ([]StandingRecord, error) {
	file, err := os.Open(filepath.Join(dir, standingsFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	var rows []StandingRecord
	if err := json.NewDecoder(decoder).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
