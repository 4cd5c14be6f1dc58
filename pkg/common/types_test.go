package common

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("Downloading")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, s)

	s, err = ParseStatus("paused")
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, s)
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.InFlight(), s)
	}
	for _, s := range []Status{StatusStarting, StatusDownloading} {
		assert.True(t, s.InFlight(), s)
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusPending.InFlight())
}

func TestRecordDecodesUnknownStatus(t *testing.T) {
	var rec DownloadRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","status":"paused","progress":12.5}`), &rec))
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.Equal(t, 12.5, rec.Progress)
	assert.Equal(t, "idle", rec.ExtractionStatus.String())
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &DownloadRecord{ID: "x", DownloadedAt: &at}
	c := rec.Clone()
	*c.DownloadedAt = c.DownloadedAt.Add(time.Hour)
	assert.Equal(t, at, *rec.DownloadedAt)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, ClampPercent(-3))
	assert.Equal(t, 0.0, ClampPercent(math.NaN()))
	assert.Equal(t, 100.0, ClampPercent(250))
	assert.Equal(t, 42.5, ClampPercent(42.5))
}
