package reqlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists finalized request records in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the sqlite request-log database at path.
// ":memory:" is accepted for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open request log db: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		stream INTEGER NOT NULL,
		start_time TIMESTAMP NOT NULL,
		first_byte_ms INTEGER,
		end_time TIMESTAMP NOT NULL,
		status_code INTEGER NOT NULL,
		retries TEXT NOT NULL,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_request_logs_start ON request_logs(start_time);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate request log db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one finalized record.
func (s *Store) Insert(r *Record) error {
	retries, err := json.Marshal(r.Retries)
	if err != nil {
		retries = []byte("[]")
	}

	var firstByte sql.NullInt64
	if r.FirstByteMs != nil {
		firstByte = sql.NullInt64{Int64: *r.FirstByteMs, Valid: true}
	}
	prompt := nullableInt(r.PromptTokens)
	completion := nullableInt(r.CompletionTokens)
	total := nullableInt(r.TotalTokens)

	stream := 0
	if r.Stream {
		stream = 1
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO request_logs (
		id, model, stream, start_time, first_byte_ms, end_time,
		status_code, retries, prompt_tokens, completion_tokens, total_tokens, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Model, stream, r.StartTime, firstByte, r.EndTime,
		r.StatusCode, string(retries), prompt, completion, total, r.ErrorMessage,
	)
	return err
}

// Count returns the number of persisted records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM request_logs`).Scan(&n)
	return n, err
}

// Get returns a persisted record by id, or nil.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT
		id, model, stream, start_time, first_byte_ms, end_time,
		status_code, retries, prompt_tokens, completion_tokens, total_tokens, error_message
		FROM request_logs WHERE id = ?`, id)

	var r Record
	var stream int
	var firstByte sql.NullInt64
	var retries string
	var prompt, completion, total sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(&r.ID, &r.Model, &stream, &r.StartTime, &firstByte, &r.EndTime,
		&r.StatusCode, &retries, &prompt, &completion, &total, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.Stream = stream != 0
	if firstByte.Valid {
		r.FirstByteMs = &firstByte.Int64
	}
	_ = json.Unmarshal([]byte(retries), &r.Retries)
	if prompt.Valid {
		v := int(prompt.Int64)
		r.PromptTokens = &v
	}
	if completion.Valid {
		v := int(completion.Int64)
		r.CompletionTokens = &v
	}
	if total.Valid {
		v := int(total.Int64)
		r.TotalTokens = &v
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	return &r, nil
}

// DeleteOlderThanDays prunes old records.
func (s *Store) DeleteOlderThanDays(days int) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM request_logs WHERE start_time < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
