// Package reqlog provides the append-only per-request record sink with an
// optional sqlite store behind it.
package reqlog

import (
	"sync"
	"time"

	"github.com/mirrorwell/polygate/internal/utils"
)

// Attempt records one dispatch attempt.
type Attempt struct {
	Attempt   int    `json:"attempt"`
	AccountID string `json:"accountId"`
}

// Record is the per-request log record. It is created at request entry,
// mutated per attempt by the owning request goroutine, and finalized exactly
// once.
type Record struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Stream      bool      `json:"stream"`
	StartTime   time.Time `json:"startTime"`
	FirstByteMs *int64    `json:"firstByteMs,omitempty"`
	EndTime     time.Time `json:"endTime"`
	StatusCode  int       `json:"statusCode"`
	Retries     []Attempt `json:"retries"`

	PromptTokens     *int `json:"promptTokens,omitempty"`
	CompletionTokens *int `json:"completionTokens,omitempty"`
	TotalTokens      *int `json:"totalTokens,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	finalized bool
}

// AddAttempt appends a dispatch attempt.
func (r *Record) AddAttempt(accountID string) {
	r.Retries = append(r.Retries, Attempt{
		Attempt:   len(r.Retries) + 1,
		AccountID: accountID,
	})
}

// MarkFirstByte records time-to-first-byte once.
func (r *Record) MarkFirstByte() {
	if r.FirstByteMs != nil {
		return
	}
	ms := time.Since(r.StartTime).Milliseconds()
	r.FirstByteMs = &ms
}

// SetUsage records token usage. Total is derived when both sides are known.
func (r *Record) SetUsage(promptTokens, completionTokens int) {
	r.PromptTokens = &promptTokens
	r.CompletionTokens = &completionTokens
	total := promptTokens + completionTokens
	r.TotalTokens = &total
}

// Sink collects finalized records into a bounded in-memory ring and,
// when configured, a sqlite store.
type Sink struct {
	mu    sync.Mutex
	ring  []*Record
	max   int
	store *Store
}

// NewSink creates a sink with the default ring size. store may be nil.
func NewSink(store *Store) *Sink {
	return &Sink{
		max:   1000,
		store: store,
	}
}

// Begin creates a record for a new request.
func (s *Sink) Begin(id, model string, stream bool) *Record {
	return &Record{
		ID:        id,
		Model:     model,
		Stream:    stream,
		StartTime: time.Now(),
	}
}

// Finalize stamps the terminal outcome and appends the record. A second
// call on the same record is a no-op.
func (s *Sink) Finalize(r *Record, statusCode int, errorMessage string) {
	if r == nil || r.finalized {
		return
	}
	r.finalized = true

	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	r.StatusCode = statusCode
	r.ErrorMessage = errorMessage
	r.EndTime = time.Now()
	if r.EndTime.Before(r.StartTime) {
		r.EndTime = r.StartTime
	}

	s.mu.Lock()
	s.ring = append(s.ring, r)
	if len(s.ring) > s.max {
		s.ring = s.ring[1:]
	}
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.Insert(r); err != nil {
			utils.Warn("[RequestLog] Failed to persist record %s: %v", r.ID, err)
		}
	}
}

// Recent returns up to n most recent finalized records, newest first.
func (s *Sink) Recent(n int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]*Record, 0, n)
	for i := len(s.ring) - 1; i >= len(s.ring)-n; i-- {
		out = append(out, s.ring[i])
	}
	return out
}
