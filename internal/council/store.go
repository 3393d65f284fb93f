package council

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// VoteStore persists votes for the lifetime of their deadline plus a
// retention window. The council mutates votes only through Save; stores
// never make lifecycle decisions.
type VoteStore interface {
	Save(ctx context.Context, v Vote) error
	Get(ctx context.Context, id string) (Vote, error)
	List(ctx context.Context) ([]Vote, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	deadline TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_status ON votes(status);
CREATE INDEX IF NOT EXISTS idx_votes_deadline ON votes(deadline);
`

// SQLiteVoteStore is the default single-node vote store.
type SQLiteVoteStore struct {
	db *sql.DB
}

// NewSQLiteVoteStore opens (or creates) the vote database.
func NewSQLiteVoteStore(dbPath string) (*SQLiteVoteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vote db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteVoteStore{db: db}, nil
}

func (s *SQLiteVoteStore) Save(ctx context.Context, v Vote) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling vote %s: %w", v.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO votes (id, status, deadline, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		v.ID, string(v.Status), v.Deadline.UTC().Format(time.RFC3339), string(payload),
	)
	if err != nil {
		return fmt.Errorf("saving vote %s: %w", v.ID, err)
	}
	return nil
}

func (s *SQLiteVoteStore) Get(ctx context.Context, id string) (Vote, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM votes WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return Vote{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Vote{}, fmt.Errorf("reading vote %s: %w", id, err)
	}
	return decodeVote(payload)
}

func (s *SQLiteVoteStore) List(ctx context.Context) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM votes ORDER BY deadline ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var votes []Vote
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		v, err := decodeVote(payload)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// Purge removes terminal votes whose deadline passed before olderThan.
// Open votes are never purged.
func (s *SQLiteVoteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM votes WHERE status != ? AND deadline < ?`,
		string(StatusOpen), olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging votes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteVoteStore) Close() error {
	return s.db.Close()
}

func decodeVote(payload string) (Vote, error) {
	var v Vote
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Vote{}, fmt.Errorf("decoding vote payload: %w", err)
	}
	if v.Ballots == nil {
		v.Ballots = make(map[string]Ballot)
	}
	return v, nil
}
