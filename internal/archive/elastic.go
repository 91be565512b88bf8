package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/store"
)

const (
	standingsSuffix = "exam-standings"
	battlesSuffix   = "battle-results"
)

const standingsMapping = `{"settings":{"number_of_shards":1},"mappings":{"properties":{
	"competition_slug":{"type":"keyword"},"competition_title":{"type":"text"},
	"user_id":{"type":"long"},"name":{"type":"text"},"rank":{"type":"integer"},
	"status":{"type":"keyword"},"score":{"type":"double"},"correct":{"type":"integer"},
	"wrong":{"type":"integer"},"skipped":{"type":"integer"},"time_spent_seconds":{"type":"long"},
	"violations":{"type":"integer"},"finished_at":{"type":"date"}
}}}`

const battlesMapping = `{"settings":{"number_of_shards":1},"mappings":{"properties":{
	"battle_uuid":{"type":"keyword"},"opponent_type":{"type":"keyword"},"bot_difficulty":{"type":"keyword"},
	"subject":{"type":"keyword"},"challenger_id":{"type":"long"},"opponent_id":{"type":"long"},
	"challenger_correct":{"type":"integer"},"opponent_correct":{"type":"integer"},
	"challenger_time_ms":{"type":"long"},"opponent_time_ms":{"type":"long"},
	"winner_id":{"type":"long"},"winner_bot":{"type":"boolean"},"draw":{"type":"boolean"},
	"question_count":{"type":"integer"},"started_at":{"type":"date"},"completed_at":{"type":"date"}
}}}`

// Dial builds an Elasticsearch client for the given address list.
func Dial(addresses []string, transport http.RoundTripper) (*es.Client, error) {
	client, err := es.NewClient(es.Config{Addresses: addresses, Transport: transport})
	if err != nil {
		return nil, fmt.Errorf("connect to elasticsearch: %w", err)
	}
	return client, nil
}

// ElasticSink writes results into two prefixed indexes.
type ElasticSink struct {
	client *es.Client
	prefix string
	log    *logging.Logger
}

// NewElasticSink wraps an Elasticsearch client.
func NewElasticSink(client *es.Client, prefix string, logger *logging.Logger) *ElasticSink {
	if logger == nil {
		logger = logging.L()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "-")
	return &ElasticSink{client: client, prefix: prefix, log: logger}
}

// StandingsIndex names the standings index.
func (s *ElasticSink) StandingsIndex() string { return s.index(standingsSuffix) }

// BattlesIndex names the battle results index.
func (s *ElasticSink) BattlesIndex() string { return s.index(battlesSuffix) }

func (s *ElasticSink) index(suffix string) string {
	if s.prefix == "" {
		return suffix
	}
	return s.prefix + "-" + suffix
}

// EnsureIndexes creates both indexes when they are missing.
func (s *ElasticSink) EnsureIndexes(ctx context.Context) error {
	if err := s.ensure(ctx, s.StandingsIndex(), standingsMapping); err != nil {
		return err
	}
	return s.ensure(ctx, s.BattlesIndex(), battlesMapping)
}

func (s *ElasticSink) ensure(ctx context.Context, index, body string) error {
	exists, err := s.client.Indices.Exists([]string{index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}
	res, err := s.client.Indices.Create(index, s.client.Indices.Create.WithBody(strings.NewReader(body)), s.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", index, res.Status())
	}
	return nil
}

type standingDoc struct {
	CompetitionSlug  string    `json:"competition_slug"`
	CompetitionTitle string    `json:"competition_title"`
	UserID           int64     `json:"user_id"`
	Name             string    `json:"name"`
	Rank             int       `json:"rank"`
	Status           string    `json:"status"`
	Score            float64   `json:"score"`
	Correct          int       `json:"correct"`
	Wrong            int       `json:"wrong"`
	Skipped          int       `json:"skipped"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
	Violations       int       `json:"violations"`
	FinishedAt       time.Time `json:"finished_at"`
}

// ArchiveStandings bulk-indexes one document per ranked participant, keyed by slug and user so
// a re-run overwrites instead of duplicating.
func (s *ElasticSink) ArchiveStandings(ctx context.Context, comp store.Competition, ranked []store.Participant) error {
	if len(ranked) == 0 {
		return nil
	}
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     s.client,
		Index:      s.StandingsIndex(),
		FlushBytes: 5 << 20,
		NumWorkers: 2,
	})
	if err != nil {
		return fmt.Errorf("bulk indexer: %w", err)
	}
	for _, p := range ranked {
		doc := standingDoc{
			CompetitionSlug:  comp.Slug,
			CompetitionTitle: comp.Title,
			UserID:           p.UserID,
			Name:             p.Name,
			Rank:             p.Rank,
			Status:           string(p.Status),
			Score:            p.Score,
			Correct:          p.Correct,
			Wrong:            p.Wrong,
			Skipped:          p.Skipped,
			TimeSpentSeconds: int64(p.TimeSpent / time.Second),
			Violations:       len(p.Violations),
			FinishedAt:       comp.EndAt.UTC(),
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode standing %d: %w", p.UserID, err)
		}
		docID := fmt.Sprintf("%s-%d", comp.Slug, p.UserID)
		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: docID,
			Body:       bytes.NewReader(body),
			OnFailure: func(_ context.Context, _ esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				msg := ""
				switch {
				case err != nil:
					msg = err.Error()
				case res.Error.Reason != "":
					msg = fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)
				default:
					msg = fmt.Sprintf("status=%d", res.Status)
				}
				s.log.Warn("archive standing failed", logging.String("doc", docID), logging.String("reason", msg))
			},
		})
		if err != nil {
			return fmt.Errorf("queue standing %d: %w", p.UserID, err)
		}
	}
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("flush standings: %w", err)
	}
	stats := bi.Stats()
	if stats.NumFailed > 0 {
		return fmt.Errorf("archive standings for %s: %d of %d documents failed", comp.Slug, stats.NumFailed, stats.NumAdded)
	}
	s.log.Info("archived standings", logging.String("slug", comp.Slug), logging.Int("documents", int(stats.NumFlushed)))
	return nil
}

type battleDoc struct {
	BattleUUID        string    `json:"battle_uuid"`
	OpponentType      string    `json:"opponent_type"`
	BotDifficulty     string    `json:"bot_difficulty,omitempty"`
	Subject           string    `json:"subject"`
	ChallengerID      int64     `json:"challenger_id"`
	OpponentID        int64     `json:"opponent_id,omitempty"`
	ChallengerCorrect int       `json:"challenger_correct"`
	OpponentCorrect   int       `json:"opponent_correct"`
	ChallengerTimeMs  int64     `json:"challenger_time_ms"`
	OpponentTimeMs    int64     `json:"opponent_time_ms"`
	WinnerID          int64     `json:"winner_id,omitempty"`
	WinnerBot         bool      `json:"winner_bot"`
	Draw              bool      `json:"draw"`
	QuestionCount     int       `json:"question_count"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// ArchiveBattle indexes a settled battle under its uuid.
func (s *ElasticSink) ArchiveBattle(ctx context.Context, b store.Battle) error {
	body, err := json.Marshal(battleDoc{
		BattleUUID:        b.UUID,
		OpponentType:      string(b.OpponentType),
		BotDifficulty:     string(b.BotDifficulty),
		Subject:           b.Subject,
		ChallengerID:      b.ChallengerID,
		OpponentID:        b.OpponentID,
		ChallengerCorrect: b.Challenger.Correct,
		OpponentCorrect:   b.Opponent.Correct,
		ChallengerTimeMs:  b.Challenger.TimeMs,
		OpponentTimeMs:    b.Opponent.TimeMs,
		WinnerID:          b.WinnerID,
		WinnerBot:         b.WinnerBot,
		Draw:              b.Draw,
		QuestionCount:     b.QuestionCount,
		StartedAt:         b.StartedAt.UTC(),
		CompletedAt:       b.CompletedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode battle %s: %w", b.UUID, err)
	}
	res, err := s.client.Index(s.BattlesIndex(), bytes.NewReader(body),
		s.client.Index.WithDocumentID(b.UUID),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index battle %s: %w", b.UUID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index battle %s: %s", b.UUID, res.Status())
	}
	return nil
}
