package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// HistoryStore defines the methods that the Store must implement.
type HistoryStore interface {
	Migrate(ctx context.Context, dim int) error
	Append(ctx context.Context, e models.HistoryEntry, requestVec []float32) error
	Recent(ctx context.Context, n int) ([]models.HistoryEntry, error)
	Similar(ctx context.Context, requestVec []float32, k int) ([]SimilarRequest, error)
	ActionTypes(ctx context.Context) ([]string, error)
}

// SimilarRequest is a past request ranked by closeness to a new one.
type SimilarRequest struct {
	models.HistoryEntry
	Score float64 `json:"score"`
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate creates the history table with request vectors of width dim.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS request_history (
  id          BIGSERIAL PRIMARY KEY,
  request     TEXT NOT NULL,
  action_type TEXT NOT NULL,
  created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  request_vec vector(%d)
);

CREATE INDEX IF NOT EXISTS request_history_created_idx
  ON request_history (created_at DESC);

CREATE INDEX IF NOT EXISTS request_history_action_idx
  ON request_history (action_type);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// Append stores one history entry. requestVec may be nil.
func (s *Store) Append(ctx context.Context, e models.HistoryEntry, requestVec []float32) error {
	var rv any
	if requestVec != nil {
		rv = pgvector.NewVector(requestVec)
	} else {
		rv = (*pgvector.Vector)(nil)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	const q = `
		INSERT INTO request_history (request, action_type, created_at, request_vec)
		VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, e.Request, e.ActionType, created, rv)
	return err
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]models.HistoryEntry, error) {
	if n <= 0 {
		return []models.HistoryEntry{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT request, action_type, created_at
		FROM request_history
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.Request, &e.ActionType, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Similar returns the k past requests closest to requestVec by cosine similarity.
func (s *Store) Similar(ctx context.Context, requestVec []float32, k int) ([]SimilarRequest, error) {
	if k <= 0 || len(requestVec) == 0 {
		return []SimilarRequest{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT request, action_type, created_at,
		       1.0 - (request_vec <=> $1::vector) AS score
		FROM request_history
		WHERE request_vec IS NOT NULL
		ORDER BY request_vec <=> $1::vector, id
		LIMIT $2`, pgvector.NewVector(requestVec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SimilarRequest{}
	for rows.Next() {
		var r SimilarRequest
		if err := rows.Scan(&r.Request, &r.ActionType, &r.CreatedAt, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActionTypes returns the distinct action type labels recorded so far.
func (s *Store) ActionTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT action_type FROM request_history ORDER BY action_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// Ledger records history entries with an embedding of the request text.
type Ledger struct {
	Store    HistoryStore
	Embedder ai.Embedder
}

func NewLedger(s HistoryStore, e ai.Embedder) *Ledger {
	return &Ledger{Store: s, Embedder: e}
}

// Record appends e. An embedding failure still stores the entry, without a vector.
func (l *Ledger) Record(ctx context.Context, e models.HistoryEntry) error {
	var vec []float32
	if l.Embedder != nil {
		v, err := l.Embedder.Embed(ctx, e.Request)
		if err != nil {
			log.Warn().Err(err).Msg("failed to embed request for history")
		} else {
			vec = v
		}
	}
	if err := l.Store.Append(ctx, e, vec); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Similar finds past requests that resemble text.
func (l *Ledger) Similar(ctx context.Context, text string, k int) ([]SimilarRequest, error) {
	if l.Embedder == nil || strings.TrimSpace(text) == "" {
		return []SimilarRequest{}, nil
	}
	vec, err := l.Embedder.Embed(ai.AsQuery(ctx), text)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	return l.Store.Similar(ctx, vec, k)
}
