// Package postgres provides a PostgreSQL-backed transcript store.
//
// Conversation messages live in a single conversation_messages table with an
// optional pgvector embedding column (HNSW-indexed for nearest-neighbour
// search) and a GIN full-text index over the content. The pgvector extension
// must be available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/transcript"
)

var _ transcript.Store = (*Store)(nil)

// Store implements [transcript.Store] on a pgxpool connection pool. All
// operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [transcript.Entry.Embedding] values. Changing it after the
// first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// ddl returns the schema DDL with the embedding dimension substituted. The
// vector dimension is baked into the column type at creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL DEFAULT '',
    name            TEXT         NOT NULL DEFAULT '',
    tool_call_id    TEXT         NOT NULL DEFAULT '',
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conv_messages_conversation
    ON conversation_messages (conversation_id, id);

CREATE INDEX IF NOT EXISTS idx_conv_messages_created_at
    ON conversation_messages (created_at);

CREATE INDEX IF NOT EXISTS idx_conv_messages_embedding
    ON conversation_messages USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_conv_messages_fts
    ON conversation_messages USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures the transcript schema. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("transcript migrate: %w", err)
	}
	return nil
}

// Append implements [transcript.Store]. All entries are written in one
// transaction so a partially persisted run never appears in history.
func (s *Store) Append(ctx context.Context, entries ...transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const q = `
		INSERT INTO conversation_messages
		    (conversation_id, role, content, name, tool_call_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transcript store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		var vec any
		if e.Embedding != nil {
			vec = pgvector.NewVector(e.Embedding)
		}
		if _, err := tx.Exec(ctx, q,
			e.ConversationID, string(e.Role), e.Content, e.Name, e.ToolCallID, vec,
		); err != nil {
			return fmt.Errorf("transcript store: append: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// History implements [transcript.Store].
func (s *Store) History(ctx context.Context, conversationID string) ([]transcript.Entry, error) {
	const q = `
		SELECT id, conversation_id, role, content, name, tool_call_id, embedding, created_at
		FROM   conversation_messages
		WHERE  conversation_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	return entries, nil
}

// Search implements [transcript.Store]. Results are ordered by ascending
// cosine distance; rows without an embedding never match.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter transcript.Filter) ([]transcript.Result, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	conditions := []string{"embedding IS NOT NULL"}
	conditions = append(conditions, filterConditions(filter, &args)...)

	args = append(args, topK)
	q := fmt.Sprintf(`
		SELECT id, conversation_id, role, content, name, tool_call_id, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   conversation_messages
		WHERE  %s
		ORDER  BY distance
		LIMIT  $%d`, strings.Join(conditions, "\n  AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectResults(rows, true)
}

// SearchText implements [transcript.Store] using the GIN full-text index,
// ranked by ts_rank.
func (s *Store) SearchText(ctx context.Context, query string, topK int, filter transcript.Filter) ([]transcript.Result, error) {
	args := []any{query} // $1 = text query
	conditions := []string{"to_tsvector('english', content) @@ plainto_tsquery('english', $1)"}
	conditions = append(conditions, filterConditions(filter, &args)...)

	args = append(args, topK)
	q := fmt.Sprintf(`
		SELECT id, conversation_id, role, content, name, tool_call_id, embedding, created_at
		FROM   conversation_messages
		WHERE  %s
		ORDER  BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) DESC
		LIMIT  $%d`, strings.Join(conditions, "\n  AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search text: %w", err)
	}
	return collectResults(rows, false)
}

// Ping verifies the database is reachable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// filterConditions renders filter into SQL conditions, appending the bound
// values to args.
func filterConditions(filter transcript.Filter, args *[]any) []string {
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	var conditions []string
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(filter.ConversationID))
	}
	if filter.Role != "" {
		conditions = append(conditions, "role = "+next(string(filter.Role)))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}
	return conditions
}

func scanEntry(row pgx.CollectableRow) (transcript.Entry, error) {
	var (
		e    transcript.Entry
		role string
		vec  *pgvector.Vector
	)
	if err := row.Scan(
		&e.ID, &e.ConversationID, &role, &e.Content, &e.Name, &e.ToolCallID,
		&vec, &e.CreatedAt,
	); err != nil {
		return transcript.Entry{}, err
	}
	e.Role = chat.Role(role)
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	return e, nil
}

func collectResults(rows pgx.Rows, withDistance bool) ([]transcript.Result, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Result, error) {
		var (
			r    transcript.Result
			role string
			vec  *pgvector.Vector
		)
		dest := []any{
			&r.Entry.ID, &r.Entry.ConversationID, &role, &r.Entry.Content,
			&r.Entry.Name, &r.Entry.ToolCallID, &vec, &r.Entry.CreatedAt,
		}
		if withDistance {
			dest = append(dest, &r.Distance)
		}
		if err := row.Scan(dest...); err != nil {
			return transcript.Result{}, err
		}
		r.Entry.Role = chat.Role(role)
		if vec != nil {
			r.Entry.Embedding = vec.Slice()
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if results == nil {
		results = []transcript.Result{}
	}
	return results, nil
}
