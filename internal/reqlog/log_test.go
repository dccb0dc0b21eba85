package reqlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkFinalizeExactlyOnce(t *testing.T) {
	sink := NewSink(nil)
	rec := sink.Begin("req-1", "claude-sonnet-4-5", true)
	rec.AddAttempt("acc-1")
	rec.AddAttempt("acc-2")

	sink.Finalize(rec, 200, "")
	sink.Finalize(rec, 500, "should be ignored")

	recent := sink.Recent(10)
	require.Len(t, recent, 1)
	got := recent[0]
	assert.Equal(t, 200, got.StatusCode)
	assert.Empty(t, got.ErrorMessage)
	require.Len(t, got.Retries, 2)
	assert.Equal(t, 1, got.Retries[0].Attempt)
	assert.Equal(t, "acc-1", got.Retries[0].AccountID)
	assert.Equal(t, 2, got.Retries[1].Attempt)
	assert.False(t, got.EndTime.Before(got.StartTime))
}

func TestSinkClampsStatusCode(t *testing.T) {
	sink := NewSink(nil)
	rec := sink.Begin("req-1", "m", false)
	sink.Finalize(rec, 0, "boom")

	got := sink.Recent(1)[0]
	assert.GreaterOrEqual(t, got.StatusCode, 100)
	assert.LessOrEqual(t, got.StatusCode, 599)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestRecordFirstByteOnce(t *testing.T) {
	sink := NewSink(nil)
	rec := sink.Begin("req-1", "m", true)

	rec.MarkFirstByte()
	first := *rec.FirstByteMs
	time.Sleep(5 * time.Millisecond)
	rec.MarkFirstByte()
	assert.Equal(t, first, *rec.FirstByteMs)
}

func TestRecordSetUsageDerivesTotal(t *testing.T) {
	sink := NewSink(nil)
	rec := sink.Begin("req-1", "m", false)
	rec.SetUsage(10, 4)

	require.NotNil(t, rec.TotalTokens)
	assert.Equal(t, *rec.PromptTokens+*rec.CompletionTokens, *rec.TotalTokens)
}

func TestSinkRecentOrderAndBound(t *testing.T) {
	sink := NewSink(nil)
	for i := 0; i < 5; i++ {
		rec := sink.Begin("req", "m", false)
		sink.Finalize(rec, 200+i, "")
	}

	recent := sink.Recent(3)
	require.Len(t, recent, 3)
	// newest first
	assert.Equal(t, 204, recent[0].StatusCode)
	assert.Equal(t, 202, recent[2].StatusCode)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	sink := NewSink(store)
	rec := sink.Begin("req-42", "claude-sonnet-4-5", true)
	rec.AddAttempt("acc-1")
	rec.MarkFirstByte()
	rec.SetUsage(100, 25)
	sink.Finalize(rec, 200, "")

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get("req-42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 200, got.StatusCode)
	require.Len(t, got.Retries, 1)
	assert.Equal(t, "acc-1", got.Retries[0].AccountID)
	require.NotNil(t, got.PromptTokens)
	assert.Equal(t, 100, *got.PromptTokens)
	require.NotNil(t, got.TotalTokens)
	assert.Equal(t, 125, *got.TotalTokens)
	require.NotNil(t, got.FirstByteMs)

	missing, err := store.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
