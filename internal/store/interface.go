package store

import (
	"context"
	"errors"
	"time"

	"github.com/trackproc/trackproc/internal/models"
)

var (
	// ErrNotFound запрошенная запись отсутствует в хранилище
	ErrNotFound = errors.New("sample not found")
	// ErrDuplicate обработанная точка для этого сырого измерения уже записана
	ErrDuplicate = errors.New("processed sample already exists for raw sample")
)

// Filter параметры постраничного чтения коллекций измерений
type Filter struct {
	DeviceID string
	TripID   string
	From     time.Time // Нулевое значение - без нижней границы
	To       time.Time // Нулевое значение - без верхней границы
	Limit    int       // 0 - дефолтный лимит хранилища
	Offset   int
}

// StopUpdate единственная разрешенная мутация обработанной точки:
// обновление времени последнего наблюдения и счетчика остановки
type StopUpdate struct {
	LastSeen     time.Time
	StopCountInc int
}

// SampleStore порт хранилища сырых и обработанных измерений.
// Обе коллекции append-only и упорядочены по (deviceId, timestamp);
// единственная мутация - UpdateProcessedMetadata при склейке остановки.
type SampleStore interface {
	Ping(ctx context.Context) error
	Close() error

	// Сырые измерения
	InsertRaw(ctx context.Context, sample *models.RawSample) (string, error)
	GetRaw(ctx context.Context, id string) (*models.RawSample, error)
	ListRaw(ctx context.Context, filter Filter) ([]*models.RawSample, error)

	// Обработанные измерения. InsertProcessed возвращает ErrDuplicate,
	// если точка для этого raw_sample_id уже записана (ключ идемпотентности).
	InsertProcessed(ctx context.Context, sample *models.ProcessedSample) (string, error)
	GetProcessed(ctx context.Context, id string) (*models.ProcessedSample, error)
	FindLatestProcessed(ctx context.Context, deviceID string) (*models.ProcessedSample, error)
	FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]*models.ProcessedSample, error)
	UpdateProcessedMetadata(ctx context.Context, id string, update StopUpdate) error
	ListProcessed(ctx context.Context, filter Filter) ([]*models.ProcessedSample, error)
}

// DefaultListLimit лимит постраничного чтения, если клиент не задал свой
const DefaultListLimit = 100

// MaxListLimit верхняя граница размера страницы
const MaxListLimit = 1000

// ClampLimit нормализует лимит страницы
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// MatchesFilter проверяет попадание обработанной точки под фильтр (без учета пагинации)
func MatchesFilter(s *models.ProcessedSample, f Filter) bool {
	if f.DeviceID != "" && s.DeviceID != f.DeviceID {
		return false
	}
	if f.TripID != "" && s.TripID != f.TripID {
		return false
	}
	if !f.From.IsZero() && s.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.Timestamp.After(f.To) {
		return false
	}
	return true
}

// MatchesRawFilter проверяет попадание сырого измерения под фильтр
func MatchesRawFilter(s *models.RawSample, f Filter) bool {
	if f.DeviceID != "" && s.DeviceID != f.DeviceID {
		return false
	}
	if f.TripID != "" && s.TripID != f.TripID {
		return false
	}
	if !f.From.IsZero() && s.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.Timestamp.After(f.To) {
		return false
	}
	return true
}
