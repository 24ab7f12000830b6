package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackproc/trackproc/internal/models"
)

func rawSample(deviceID string, ts time.Time, lat, lon float64) *models.RawSample {
	return &models.RawSample{
		DeviceID:  deviceID,
		Timestamp: ts,
		Coords:    models.Coords{Lat: lat, Lon: lon},
	}
}

func processedSample(deviceID, rawID string, ts time.Time, lat, lon float64) *models.ProcessedSample {
	return &models.ProcessedSample{
		DeviceID:  deviceID,
		Timestamp: ts,
		Coords:    models.Coords{Lat: lat, Lon: lon},
		Metadata: models.ProcessedMetadata{
			ProcessingMethod: models.MethodKalman,
			RawSampleID:      rawID,
			ProcessedAt:      ts,
		},
	}
}

func TestMemoryStore_RawSamples(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

	t.Run("InsertAndGet", func(t *testing.T) {
		id, err := s.InsertRaw(ctx, rawSample("dev-1", ts, 28.6129, 77.2295))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "dev-1", got.DeviceID)
		assert.InDelta(t, 28.6129, got.Coords.Lat, 1e-9)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.GetRaw(ctx, "raw-does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_ProcessedOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

	// Вставляем не по порядку: чтение обязано вернуть сортировку по (timestamp, id)
	_, err := s.InsertProcessed(ctx, processedSample("dev-1", "r2", base.Add(time.Minute), 28.62, 77.23))
	require.NoError(t, err)
	_, err = s.InsertProcessed(ctx, processedSample("dev-1", "r1", base, 28.61, 77.22))
	require.NoError(t, err)
	_, err = s.InsertProcessed(ctx, processedSample("dev-1", "r3", base.Add(2*time.Minute), 28.63, 77.24))
	require.NoError(t, err)

	t.Run("FindLatest", func(t *testing.T) {
		latest, err := s.FindLatestProcessed(ctx, "dev-1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "r3", latest.Metadata.RawSampleID)
	})

	t.Run("FindRecentNewestFirst", func(t *testing.T) {
		recent, err := s.FindRecentProcessed(ctx, "dev-1", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "r3", recent[0].Metadata.RawSampleID)
		assert.Equal(t, "r2", recent[1].Metadata.RawSampleID)
	})

	t.Run("ListOldestFirst", func(t *testing.T) {
		list, err := s.ListProcessed(ctx, Filter{DeviceID: "dev-1"})
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i := 1; i < len(list); i++ {
			assert.False(t, list[i].Timestamp.Before(list[i-1].Timestamp))
		}
	})

	t.Run("FindLatestUnknownDevice", func(t *testing.T) {
		latest, err := s.FindLatestProcessed(ctx, "dev-unknown")
		require.NoError(t, err)
		assert.Nil(t, latest)
	})
}

func TestMemoryStore_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

	first, err := s.InsertProcessed(ctx, processedSample("dev-1", "raw-42", ts, 28.61, 77.22))
	require.NoError(t, err)

	_, err = s.InsertProcessed(ctx, processedSample("dev-1", "raw-42", ts, 28.61, 77.22))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Первая запись не пострадала
	got, err := s.GetProcessed(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "raw-42", got.Metadata.RawSampleID)
}

func TestMemoryStore_UpdateProcessedMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

	id, err := s.InsertProcessed(ctx, processedSample("dev-1", "r1", ts, 28.61, 77.22))
	require.NoError(t, err)

	lastSeen := ts.Add(30 * time.Second)
	require.NoError(t, s.UpdateProcessedMetadata(ctx, id, StopUpdate{LastSeen: lastSeen, StopCountInc: 1}))
	require.NoError(t, s.UpdateProcessedMetadata(ctx, id, StopUpdate{LastSeen: lastSeen.Add(30 * time.Second), StopCountInc: 1}))

	got, err := s.GetProcessed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.StopCount)
	assert.Equal(t, lastSeen.Add(30*time.Second), got.Metadata.LastSeen)

	assert.ErrorIs(t, s.UpdateProcessedMetadata(ctx, "missing", StopUpdate{StopCountInc: 1}), ErrNotFound)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		sample := processedSample("dev-1", "", base.Add(time.Duration(i)*time.Minute), 28.61, 77.22)
		sample.Metadata.RawSampleID = ""
		if i%2 == 0 {
			sample.TripID = "trip-a"
		}
		_, err := s.InsertProcessed(ctx, sample)
		require.NoError(t, err)
	}

	t.Run("ByTrip", func(t *testing.T) {
		list, err := s.ListProcessed(ctx, Filter{DeviceID: "dev-1", TripID: "trip-a"})
		require.NoError(t, err)
		assert.Len(t, list, 5)
	})

	t.Run("ByTimeRange", func(t *testing.T) {
		list, err := s.ListProcessed(ctx, Filter{
			DeviceID: "dev-1",
			From:     base.Add(2 * time.Minute),
			To:       base.Add(5 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, list, 4) // Границы включительно
	})

	t.Run("Pagination", func(t *testing.T) {
		page1, err := s.ListProcessed(ctx, Filter{DeviceID: "dev-1", Limit: 4})
		require.NoError(t, err)
		page2, err := s.ListProcessed(ctx, Filter{DeviceID: "dev-1", Limit: 4, Offset: 4})
		require.NoError(t, err)
		page3, err := s.ListProcessed(ctx, Filter{DeviceID: "dev-1", Limit: 4, Offset: 8})
		require.NoError(t, err)

		assert.Len(t, page1, 4)
		assert.Len(t, page2, 4)
		assert.Len(t, page3, 2)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)
	})
}
