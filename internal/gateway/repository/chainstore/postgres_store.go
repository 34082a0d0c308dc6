package chainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"chainrunner/internal/chain"
)

// PostgresStore keeps chains as JSONB rows in workflow_chains.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres opens dsn with the pgx driver and checks the connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS workflow_chains (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    body JSONB NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    modified_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_workflow_chains_modified_at ON workflow_chains(modified_at DESC);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Load(ctx context.Context, id string) (chain.Chain, error) {
	id, err := normalizeID(id)
	if err != nil {
		return chain.Chain{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return chain.Chain{}, err
	}
	var body []byte
	err = s.db.QueryRowContext(ctx, `SELECT body FROM workflow_chains WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Chain{}, ErrNotFound
	}
	if err != nil {
		return chain.Chain{}, err
	}
	return chain.DecodeJSON(body)
}

func (s *PostgresStore) Save(ctx context.Context, c chain.Chain) (chain.Chain, error) {
	out, err := prepare(c, s.now())
	if err != nil {
		return chain.Chain{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return chain.Chain{}, err
	}
	body, err := json.Marshal(out)
	if err != nil {
		return chain.Chain{}, fmt.Errorf("encode chain: %w", err)
	}
	created := parseTime(out.CreatedAt)
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_chains (id, name, body, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id)
DO UPDATE SET name=EXCLUDED.name, body=EXCLUDED.body, modified_at=EXCLUDED.modified_at
`, out.ID, out.Name, body, created, parseTime(out.ModifiedAt))
	if err != nil {
		return chain.Chain{}, err
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_chains WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]chain.Summary, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM workflow_chains ORDER BY modified_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chain.Summary, 0, 32)
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			continue
		}
		c, err := chain.DecodeJSON(body)
		if err != nil {
			log.Printf("chain store: skipping %s: %v", id, err)
			continue
		}
		out = append(out, c.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *PostgresStore) Summary(ctx context.Context, id string) (chain.Summary, error) {
	c, err := s.Load(ctx, id)
	if err != nil {
		return chain.Summary{}, err
	}
	return c.Summary(), nil
}
