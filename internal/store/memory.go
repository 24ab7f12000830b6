package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/trackproc/trackproc/internal/models"
)

// MemoryStore потокобезопасное in-memory хранилище измерений.
// Используется тестами и локальной разработкой; семантика идентична
// Redis-хранилищу, включая ключ идемпотентности по raw_sample_id
// и сортировку чтений по (timestamp, id).
type MemoryStore struct {
	mu sync.RWMutex

	raw       map[string]*models.RawSample
	processed map[string]*models.ProcessedSample

	// Индексы device -> ids, поддерживаются отсортированными по (timestamp, id)
	rawByDevice       map[string][]string
	processedByDevice map[string][]string

	// Ключ идемпотентности: raw_sample_id -> processed id
	processedByRawID map[string]string

	rawSeq       int64
	processedSeq int64
}

// NewMemoryStore создает пустое in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raw:               make(map[string]*models.RawSample),
		processed:         make(map[string]*models.ProcessedSample),
		rawByDevice:       make(map[string][]string),
		processedByDevice: make(map[string][]string),
		processedByRawID:  make(map[string]string),
	}
}

// Ping всегда успешен
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close освобождать нечего
func (m *MemoryStore) Close() error { return nil }

// InsertRaw записывает сырое измерение и возвращает присвоенный id
func (m *MemoryStore) InsertRaw(ctx context.Context, sample *models.RawSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rawSeq++
	stored := *sample
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("raw-%d", m.rawSeq)
	}
	m.raw[stored.ID] = &stored
	m.rawByDevice[stored.DeviceID] = append(m.rawByDevice[stored.DeviceID], stored.ID)
	m.sortRawIndex(stored.DeviceID)
	return stored.ID, nil
}

// GetRaw возвращает сырое измерение по id
func (m *MemoryStore) GetRaw(ctx context.Context, id string) (*models.RawSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sample, ok := m.raw[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sample
	return &copied, nil
}

// ListRaw возвращает страницу сырых измерений по фильтру, старые первыми
func (m *MemoryStore) ListRaw(ctx context.Context, filter Filter) ([]*models.RawSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.RawSample
	for _, sample := range m.raw {
		if MatchesRawFilter(sample, filter) {
			copied := *sample
			all = append(all, &copied)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].ID < all[j].ID
	})
	return paginateRaw(all, filter), nil
}

// InsertProcessed записывает обработанную точку, соблюдая ключ идемпотентности
func (m *MemoryStore) InsertProcessed(ctx context.Context, sample *models.ProcessedSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if sample.Metadata.RawSampleID != "" {
		if _, exists := m.processedByRawID[sample.Metadata.RawSampleID]; exists {
			return "", ErrDuplicate
		}
	}

	m.processedSeq++
	stored := *sample
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("proc-%d", m.processedSeq)
	}
	m.processed[stored.ID] = &stored
	m.processedByDevice[stored.DeviceID] = append(m.processedByDevice[stored.DeviceID], stored.ID)
	m.sortProcessedIndex(stored.DeviceID)
	if stored.Metadata.RawSampleID != "" {
		m.processedByRawID[stored.Metadata.RawSampleID] = stored.ID
	}
	return stored.ID, nil
}

// GetProcessed возвращает обработанную точку по id
func (m *MemoryStore) GetProcessed(ctx context.Context, id string) (*models.ProcessedSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sample, ok := m.processed[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sample
	return &copied, nil
}

// FindLatestProcessed возвращает последнюю по времени обработанную точку устройства
// или nil без ошибки, если у устройства еще нет точек
func (m *MemoryStore) FindLatestProcessed(ctx context.Context, deviceID string) (*models.ProcessedSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.processedByDevice[deviceID]
	if len(ids) == 0 {
		return nil, nil
	}
	copied := *m.processed[ids[len(ids)-1]]
	return &copied, nil
}

// FindRecentProcessed возвращает до n последних точек устройства, новые первыми
func (m *MemoryStore) FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]*models.ProcessedSample, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.processedByDevice[deviceID]
	var result []*models.ProcessedSample
	for i := len(ids) - 1; i >= 0 && len(result) < n; i-- {
		copied := *m.processed[ids[i]]
		result = append(result, &copied)
	}
	return result, nil
}

// UpdateProcessedMetadata единственная мутация: склейка остановки
func (m *MemoryStore) UpdateProcessedMetadata(ctx context.Context, id string, update StopUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample, ok := m.processed[id]
	if !ok {
		return ErrNotFound
	}
	if !update.LastSeen.IsZero() {
		sample.Metadata.LastSeen = update.LastSeen
	}
	sample.Metadata.StopCount += update.StopCountInc
	return nil
}

// ListProcessed возвращает страницу обработанных точек по фильтру, старые первыми
func (m *MemoryStore) ListProcessed(ctx context.Context, filter Filter) ([]*models.ProcessedSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.ProcessedSample
	for _, sample := range m.processed {
		if MatchesFilter(sample, filter) {
			copied := *sample
			all = append(all, &copied)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].ID < all[j].ID
	})
	return paginateProcessed(all, filter), nil
}

func (m *MemoryStore) sortRawIndex(deviceID string) {
	ids := m.rawByDevice[deviceID]
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.raw[ids[i]], m.raw[ids[j]]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func (m *MemoryStore) sortProcessedIndex(deviceID string) {
	ids := m.processedByDevice[deviceID]
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.processed[ids[i]], m.processed[ids[j]]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func paginateRaw(all []*models.RawSample, f Filter) []*models.RawSample {
	limit := ClampLimit(f.Limit)
	if f.Offset >= len(all) {
		return nil
	}
	end := f.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end]
}

func paginateProcessed(all []*models.ProcessedSample, f Filter) []*models.ProcessedSample {
	limit := ClampLimit(f.Limit)
	if f.Offset >= len(all) {
		return nil
	}
	end := f.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end]
}
