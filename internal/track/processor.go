package track

import (
	"context"
	"math"
	"time"

	"github.com/trackproc/trackproc/internal/geo"
	"github.com/trackproc/trackproc/internal/kalman"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/pkg/pool"
	"github.com/trackproc/trackproc/pkg/utils"
)

// Outcome исход классификации одного задания
type Outcome string

const (
	OutcomeFirst     Outcome = "first"                // Первая точка устройства
	OutcomeStaleGap  Outcome = "stale_gap"            // Разрыв по устареванию, фильтр сброшен
	OutcomeSkipped   Outcome = "skipped_out_of_order" // Пришла точка старше последней обработанной
	OutcomeStop      Outcome = "stop_coalesced"       // Движение ниже порога, склеено с предыдущей
	OutcomeEmitted   Outcome = "emitted"              // Полный путь: сглаживание и map-matching
	OutcomeDuplicate Outcome = "duplicate"            // Повторная доставка уже обработанного задания
)

// Result результат успешной обработки задания
type Result struct {
	Outcome Outcome
	Sample  *models.ProcessedSample // nil для skip/stop/duplicate
}

// Config пороги классификации
type Config struct {
	StopThresholdMeters float64       // Строго меньше - остановка
	MaxLastLocationAge  time.Duration // Строго больше - разрыв
	ContextPoints       int           // Размер окна map-matching, включая текущую точку
	MinConfidence       float64       // Порог принятия OSRM координат (включительно)
}

// DefaultConfig пороги из продакшн конфигурации
func DefaultConfig() Config {
	return Config{
		StopThresholdMeters: 5,
		MaxLastLocationAge:  300 * time.Second,
		ContextPoints:       10,
		MinConfidence:       0.5,
	}
}

// Processor конвейер обработки одного сырого измерения: загрузка,
// классификация против головы обработанного потока устройства,
// сглаживание, map-matching, запись с производными метаданными.
//
// Задания одного устройства могут гоняться параллельно: каждая
// обработка - независимая классификация против текущей головы потока,
// корректность обеспечивается сортировкой на чтении и ключом
// идемпотентности, а не блокировками.
type Processor struct {
	store    store.SampleStore
	matcher  mapmatch.Matcher
	smoother *kalman.Smoother
	cfg      Config
	logger   *utils.Logger

	// Подменяется в тестах для проверки порога устаревания
	now func() time.Time

	// Необязательные подписчики на результаты: WebSocket трансляция, архиватор
	onProcessed  func(*models.ProcessedSample)
	onStopUpdate func(id string, update store.StopUpdate)
}

// NewProcessor создает процессор с явными коллабораторами
func NewProcessor(st store.SampleStore, matcher mapmatch.Matcher, smoother *kalman.Smoother, cfg Config, logger *utils.Logger) *Processor {
	return &Processor{
		store:    st,
		matcher:  matcher,
		smoother: smoother,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// OnProcessed регистрирует подписчика на каждую записанную точку
func (p *Processor) OnProcessed(fn func(*models.ProcessedSample)) {
	p.onProcessed = fn
}

// OnStopUpdate регистрирует подписчика на склейки остановок
func (p *Processor) OnStopUpdate(fn func(id string, update store.StopUpdate)) {
	p.onStopUpdate = fn
}

// Handle адаптер под сигнатуру обработчика очереди
func (p *Processor) Handle(ctx context.Context, rawSampleID string) error {
	_, err := p.Process(ctx, rawSampleID)
	return err
}

// Process обрабатывает одно задание. Ошибки map-matcher никогда не
// выходят наружу: они поглощаются веткой kalman_fallback. Наружу
// распространяются ошибки хранилища и отсутствующий вход (повторяемые),
// а также координаты, нарушающие инварианты, и NaN-расстояние
// (неповторяемые).
func (p *Processor) Process(ctx context.Context, rawSampleID string) (*Result, error) {
	// 1. Загрузка сырого измерения
	raw, err := p.store.GetRaw(ctx, rawSampleID)
	if err == store.ErrNotFound {
		return nil, retriableFault("raw sample %s not found", rawSampleID)
	}
	if err != nil {
		return nil, retriableFault("failed to load raw sample %s: %w", rawSampleID, err)
	}

	if err := raw.Coords.Validate(); err != nil {
		return nil, permanentFault("raw sample %s violates coordinate invariants: %w", rawSampleID, err)
	}

	// 2. Голова обработанного потока устройства
	last, err := p.store.FindLatestProcessed(ctx, raw.DeviceID)
	if err != nil {
		return nil, retriableFault("failed to load latest processed for %s: %w", raw.DeviceID, err)
	}
	if last == nil {
		return p.emitFirst(ctx, raw, false)
	}
	// Повторная доставка: голова потока уже записана из этого измерения
	if last.Metadata.RawSampleID == raw.ID {
		metrics.ProcessorOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	// 3. Классификация по времени
	dt := raw.Timestamp.Sub(last.Timestamp).Seconds()
	if dt < 0 {
		p.logger.WithDevice(raw.DeviceID).WithJob(raw.ID).
			WithField("dt_seconds", dt).Debug("Skipping out-of-order sample")
		metrics.ProcessorOutcomes.WithLabelValues(string(OutcomeSkipped)).Inc()
		return &Result{Outcome: OutcomeSkipped}, nil
	}

	if p.now().Sub(last.Timestamp) > p.cfg.MaxLastLocationAge {
		// Разрыв: накопленное состояние фильтра больше не описывает движение
		p.smoother.Reset(raw.DeviceID)
		return p.emitFirst(ctx, raw, true)
	}

	// 4. Классификация по расстоянию
	d := geo.Distance(last.Coords, raw.Coords)
	if math.IsNaN(d) {
		return nil, permanentFault("distance between %s and %s is NaN", last.ID, raw.ID)
	}

	if d < p.cfg.StopThresholdMeters {
		update := store.StopUpdate{LastSeen: raw.Timestamp, StopCountInc: 1}
		if err := p.store.UpdateProcessedMetadata(ctx, last.ID, update); err != nil {
			return nil, retriableFault("failed to coalesce stop into %s: %w", last.ID, err)
		}
		if p.onStopUpdate != nil {
			p.onStopUpdate(last.ID, update)
		}
		metrics.ProcessorOutcomes.WithLabelValues(string(OutcomeStop)).Inc()
		return &Result{Outcome: OutcomeStop}, nil
	}

	// 5. Двухэтапная очистка: Kalman, затем map-matching по скользящему окну
	smoothed := p.smoother.Filter(raw.DeviceID, raw.Coords)
	final, method, confidence, err := p.matchWithContext(ctx, raw, smoothed)
	if err != nil {
		return nil, err
	}

	// 6. Запись с производными метаданными
	sample := &models.ProcessedSample{
		DeviceID:  raw.DeviceID,
		TripID:    raw.TripID,
		Timestamp: raw.Timestamp,
		Coords:    final,
		Metadata: models.ProcessedMetadata{
			Distance:           d,
			TimeDiffSeconds:    dt,
			Speed:              geo.Speed(d, dt),
			ProcessingMethod:   method,
			MatchingConfidence: confidence,
			ProcessedAt:        p.now().UTC(),
			RawSampleID:        raw.ID,
		},
	}
	return p.persist(ctx, sample, OutcomeEmitted)
}

// emitFirst записывает сырые координаты без очистки: первая точка
// устройства или первая точка после разрыва по устареванию
func (p *Processor) emitFirst(ctx context.Context, raw *models.RawSample, staleGap bool) (*Result, error) {
	outcome := OutcomeFirst
	if staleGap {
		outcome = OutcomeStaleGap
	}

	sample := &models.ProcessedSample{
		DeviceID:  raw.DeviceID,
		TripID:    raw.TripID,
		Timestamp: raw.Timestamp,
		Coords:    raw.Coords,
		Metadata: models.ProcessedMetadata{
			ProcessingMethod: models.MethodRawFirst,
			ProcessedAt:      p.now().UTC(),
			RawSampleID:      raw.ID,
			StaleGap:         staleGap,
		},
	}
	return p.persist(ctx, sample, outcome)
}

// matchWithContext строит скользящее окно из хвоста обработанного потока
// и текущей сглаженной точки и спрашивает map-matcher. Любая ошибка
// матчера поглощается веткой kalman_fallback.
func (p *Processor) matchWithContext(ctx context.Context, raw *models.RawSample, smoothed models.Coords) (models.Coords, models.ProcessingMethod, float64, error) {
	recent, err := p.store.FindRecentProcessed(ctx, raw.DeviceID, p.cfg.ContextPoints-1)
	if err != nil {
		return models.Coords{}, "", 0, retriableFault("failed to load context window for %s: %w", raw.DeviceID, err)
	}

	// recent отсортирован новыми вперед, окно матчеру нужно старыми вперед
	pointsRef := pool.Global.GetPoints()
	points := *pointsRef
	defer func() {
		*pointsRef = points
		pool.Global.PutPoints(pointsRef)
	}()
	for i := len(recent) - 1; i >= 0; i-- {
		points = append(points, mapmatch.Point{
			Coords:    recent[i].Coords,
			Timestamp: recent[i].Timestamp,
		})
	}
	points = append(points, mapmatch.Point{
		Coords:      smoothed,
		Timestamp:   raw.Timestamp,
		Accuracy:    raw.Metadata.Accuracy,
		HasAccuracy: raw.Metadata.HasAccuracy,
	})

	if len(points) < 3 {
		return smoothed, models.MethodKalman, 0, nil
	}

	matched, err := p.matcher.Match(ctx, points)
	if err != nil {
		p.logger.WithDevice(raw.DeviceID).WithJob(raw.ID).
			WithError(err).Warn("Map matching failed, falling back to Kalman output")
		return smoothed, models.MethodKalmanFallback, 0, nil
	}

	tail := matched[len(matched)-1]
	if tail.Confidence >= p.cfg.MinConfidence {
		return tail.Coords, models.MethodOSRM, tail.Confidence, nil
	}
	return smoothed, models.MethodKalman, tail.Confidence, nil
}

// persist записывает точку, поглощая повторную доставку как успех
func (p *Processor) persist(ctx context.Context, sample *models.ProcessedSample, outcome Outcome) (*Result, error) {
	id, err := p.store.InsertProcessed(ctx, sample)
	if err == store.ErrDuplicate {
		metrics.ProcessorOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return &Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return nil, retriableFault("failed to persist processed sample for raw %s: %w", sample.Metadata.RawSampleID, err)
	}
	sample.ID = id

	metrics.ProcessorOutcomes.WithLabelValues(string(outcome)).Inc()
	metrics.ProcessorMethods.WithLabelValues(string(sample.Metadata.ProcessingMethod)).Inc()
	metrics.ProcessorMatchConfidence.Observe(sample.Metadata.MatchingConfidence)
	metrics.KalmanTrackedDevices.Set(float64(p.smoother.TrackedDevices()))

	if p.onProcessed != nil {
		p.onProcessed(sample)
	}

	p.logger.WithDevice(sample.DeviceID).WithJob(sample.Metadata.RawSampleID).
		WithFields(map[string]interface{}{
			"method":  string(sample.Metadata.ProcessingMethod),
			"outcome": string(outcome),
		}).Debug("Processed sample persisted")

	return &Result{Outcome: outcome, Sample: sample}, nil
}
