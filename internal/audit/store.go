// Package audit is the append-only, hash-chained record of every
// security-relevant decision. Each event's hash covers the previous
// event's hash, so any post-hoc mutation of history is detectable by
// Verify. There are no update or delete paths in this package.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conclave-sec/conclave/internal/bus"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_chain (
	seq INTEGER PRIMARY KEY,
	timestamp TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	trust_level TEXT NOT NULL,
	details TEXT,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS security_events (
	seq INTEGER PRIMARY KEY REFERENCES audit_chain(seq),
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	source TEXT NOT NULL,
	mitigated INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chain_action ON audit_chain(action);
CREATE INDEX IF NOT EXISTS idx_chain_actor ON audit_chain(actor);
CREATE INDEX IF NOT EXISTS idx_chain_timestamp ON audit_chain(timestamp);
`

// Store manages the SQLite-backed audit chain. Appends are synchronous
// and mutex-serialized: each event's hash depends on its predecessor, so
// concurrent unserialized appends would silently corrupt the chain.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	events *bus.Bus // optional; successful appends publish audit:log

	mu       sync.Mutex
	tailSeq  int64
	tailHash string
}

// NewStore opens (or creates) the audit database and recovers the chain
// tail from the last persisted event. events may be nil.
func NewStore(dbPath string, logger *slog.Logger, events *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// WAL mode for concurrent readers during verification
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   logger,
		events:   events,
		tailHash: GenesisHash,
	}

	row := db.QueryRow("SELECT seq, hash FROM audit_chain ORDER BY seq DESC LIMIT 1")
	switch err := row.Scan(&s.tailSeq, &s.tailHash); err {
	case nil, sql.ErrNoRows:
	default:
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("recovering chain tail: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("recovering chain tail: %w", err)
	}
	if s.tailSeq == 0 {
		s.tailHash = GenesisHash
	}

	return s, nil
}

// Append records an event at the chain tail and returns it. Malformed
// details are canonicalized, never rejected. A failed write returns an
// ErrDurability-wrapped error and leaves the chain tail unchanged, so
// the chain never has gaps past an unpersisted event.
func (s *Store) Append(action, actor, trustLevel string, details map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(action, actor, trustLevel, details, nil)
}

// AppendSecurity records a security event: a chain event plus its
// security classification, persisted atomically.
func (s *Store) AppendSecurity(sd SecurityDetails) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	details := map[string]any{
		"event_type": sd.EventType,
		"severity":   sd.Severity,
		"source":     sd.Source,
		"mitigated":  sd.Mitigated,
	}
	for k, v := range sd.Details {
		details[k] = v
	}
	return s.appendLocked("security_event", sd.Actor, sd.Trust, details, &sd)
}

func (s *Store) appendLocked(action, actor, trustLevel string, details map[string]any, sd *SecurityDetails) (Event, error) {
	ev := Event{
		Sequence:   s.tailSeq + 1,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Action:     action,
		Actor:      actor,
		TrustLevel: trustLevel,
		Details:    sanitizeDetails(details),
		PrevHash:   s.tailHash,
	}

	// The details JSON is canonicalized exactly once: the same string is
	// hashed and stored, and Verify rehashes the stored column verbatim.
	detailsJSON, err := canonicalDetails(ev.Details)
	if err != nil {
		// sanitizeDetails guarantees marshalable details; treat anything
		// else as a durability failure rather than dropping the event.
		return Event{}, fmt.Errorf("%w: canonicalize: %v", ErrDurability, err)
	}
	ev.Hash, err = hashRow(ev.Sequence, ev.PrevHash, ev.Action, ev.Actor, ev.TrustLevel, detailsJSON, ev.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDurability, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Event{}, fmt.Errorf("%w: begin: %v", ErrDurability, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO audit_chain (seq, timestamp, action, actor, trust_level, details, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Sequence, ev.Timestamp, ev.Action, ev.Actor, ev.TrustLevel, detailsJSON, ev.PrevHash, ev.Hash,
	); err != nil {
		_ = tx.Rollback()
		return Event{}, fmt.Errorf("%w: insert seq %d: %v", ErrDurability, ev.Sequence, err)
	}

	if sd != nil {
		mitigated := 0
		if sd.Mitigated {
			mitigated = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO security_events (seq, event_type, severity, source, mitigated) VALUES (?, ?, ?, ?, ?)`,
			ev.Sequence, sd.EventType, sd.Severity, sd.Source, mitigated,
		); err != nil {
			_ = tx.Rollback()
			return Event{}, fmt.Errorf("%w: insert security seq %d: %v", ErrDurability, ev.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("%w: commit seq %d: %v", ErrDurability, ev.Sequence, err)
	}

	// Tail advances only after the event is durably persisted.
	s.tailSeq = ev.Sequence
	s.tailHash = ev.Hash

	if s.events != nil {
		s.events.Publish(bus.TopicAuditLog, map[string]any{
			"sequence": ev.Sequence,
			"action":   ev.Action,
			"actor":    ev.Actor,
			"hash":     ev.Hash,
		})
	}
	return ev, nil
}

// sanitizeDetails returns a marshalable copy of details. Values that
// cannot be marshaled are replaced by their string form: the audit log
// records malformed input rather than refusing it.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	if _, err := json.Marshal(details); err == nil {
		return details
	}
	clean := make(map[string]any, len(details))
	for k, v := range details {
		if _, err := json.Marshal(v); err == nil {
			clean[k] = v
		} else {
			clean[k] = fmt.Sprint(v)
		}
	}
	return clean
}

// Verify walks the full chain recomputing each hash from its predecessor
// and content. It reports the first sequence whose stored hash does not
// match, and is strictly read-only.
func (s *Store) Verify() (VerifyResult, error) {
	rows, err := s.db.Query(`SELECT seq, timestamp, action, actor, trust_level, details, prev_hash, hash FROM audit_chain ORDER BY seq ASC`)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prevHash := GenesisHash
	var prevSeq int64
	count := 0

	for rows.Next() {
		var e Event
		var detailsJSON sql.NullString
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.Action, &e.Actor, &e.TrustLevel,
			&detailsJSON, &e.PrevHash, &e.Hash); err != nil {
			return VerifyResult{}, fmt.Errorf("scanning event: %w", err)
		}
		count++

		if e.Sequence != prevSeq+1 {
			return VerifyResult{
				Events:   count,
				BrokenAt: e.Sequence,
				Details:  fmt.Sprintf("sequence gap: %d follows %d", e.Sequence, prevSeq),
			}, nil
		}
		if e.PrevHash != prevHash {
			return VerifyResult{
				Events:   count,
				BrokenAt: e.Sequence,
				Details:  fmt.Sprintf("prev_hash mismatch at %d: stored %s, expected %s", e.Sequence, e.PrevHash, prevHash),
			}, nil
		}

		recomputed, err := hashRow(e.Sequence, e.PrevHash, e.Action, e.Actor, e.TrustLevel, detailsJSON.String, e.Timestamp)
		if err != nil {
			return VerifyResult{}, err
		}
		if recomputed != e.Hash {
			return VerifyResult{
				Events:   count,
				BrokenAt: e.Sequence,
				Details:  fmt.Sprintf("hash mismatch at %d: stored %s, recomputed %s", e.Sequence, e.Hash, recomputed),
			}, nil
		}

		prevHash = e.Hash
		prevSeq = e.Sequence
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{Valid: true, Events: count}, nil
}

// Query returns events matching the filters, oldest first.
func (s *Store) Query(opts QueryOpts) ([]Event, error) {
	query := `SELECT seq, timestamp, action, actor, trust_level, details, prev_hash, hash FROM audit_chain WHERE 1=1`
	var args []any

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY seq ASC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the total number of chained events.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_chain").Scan(&n)
	return n, err
}

// SecurityEvents returns every recorded security event, oldest first.
func (s *Store) SecurityEvents() ([]SecurityEvent, error) {
	rows, err := s.db.Query(`
		SELECT c.seq, c.timestamp, c.action, c.actor, c.trust_level, c.details, c.prev_hash, c.hash,
		       se.event_type, se.severity, se.source, se.mitigated
		FROM security_events se JOIN audit_chain c ON c.seq = se.seq
		ORDER BY c.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []SecurityEvent
	for rows.Next() {
		var se SecurityEvent
		var detailsJSON sql.NullString
		var mitigated int
		if err := rows.Scan(&se.Sequence, &se.Timestamp, &se.Action, &se.Actor, &se.TrustLevel,
			&detailsJSON, &se.PrevHash, &se.Hash,
			&se.EventType, &se.Severity, &se.Source, &mitigated); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		se.Details = decodeDetails(detailsJSON, s.logger)
		se.Mitigated = mitigated == 1
		events = append(events, se)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var detailsJSON sql.NullString
	if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.Action, &e.Actor, &e.TrustLevel,
		&detailsJSON, &e.PrevHash, &e.Hash); err != nil {
		return Event{}, fmt.Errorf("scanning event: %w", err)
	}
	e.Details = decodeDetails(detailsJSON, nil)
	return e, nil
}

func decodeDetails(raw sql.NullString, logger *slog.Logger) map[string]any {
	if !raw.Valid || raw.String == "" || raw.String == "{}" {
		return nil
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(raw.String), &details); err != nil {
		if logger != nil {
			logger.Warn("undecodable audit details", "error", err)
		}
		return nil
	}
	return details
}
