package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_status ON votes(status);
CREATE INDEX IF NOT EXISTS idx_votes_deadline ON votes(deadline);
`

// PostgresVoteStore backs the council with Postgres for deployments
// where vote durability must survive the node. Selected by DSN in the
// config; semantics match SQLiteVoteStore exactly.
type PostgresVoteStore struct {
	pool *pgxpool.Pool
}

// NewPostgresVoteStore connects and ensures the schema exists.
func NewPostgresVoteStore(ctx context.Context, dsn string) (*PostgresVoteStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting vote db: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating vote schema: %w", err)
	}
	return &PostgresVoteStore{pool: pool}, nil
}

func (s *PostgresVoteStore) Save(ctx context.Context, v Vote) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling vote %s: %w", v.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO votes (id, status, deadline, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		v.ID, string(v.Status), v.Deadline.UTC(), payload,
	)
	if err != nil {
		return fmt.Errorf("saving vote %s: %w", v.ID, err)
	}
	return nil
}

func (s *PostgresVoteStore) Get(ctx context.Context, id string) (Vote, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM votes WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Vote{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Vote{}, fmt.Errorf("reading vote %s: %w", id, err)
	}
	return decodeVote(string(payload))
}

func (s *PostgresVoteStore) List(ctx context.Context) ([]Vote, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM votes ORDER BY deadline ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		v, err := decodeVote(string(payload))
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *PostgresVoteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM votes WHERE status != $1 AND deadline < $2`,
		string(StatusOpen), olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging votes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresVoteStore) Close() error {
	s.pool.Close()
	return nil
}
