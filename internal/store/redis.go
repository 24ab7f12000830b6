package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/pkg/utils"
)

const (
	// Префиксы ключей с полезной нагрузкой
	rawPrefix       = "raw:"       // raw:{id} - JSON сырого измерения
	processedPrefix = "proc:"      // proc:{id} - JSON обработанной точки
	rawIndexPrefix  = "procbyraw:" // procbyraw:{rawId} - ключ идемпотентности

	// Вторичные индексы: ZSET со score = unix-миллисекунды метки времени
	deviceRawKey       = "device:%s:raw"
	deviceProcessedKey = "device:%s:proc"
	tripProcessedKey   = "trip:%s:proc"

	// Счетчики присвоения id
	rawSeqKey       = "seq:raw"
	processedSeqKey = "seq:proc"

	// TTL данных: Redis держит горячий хвост, долговременное хранение за MySQL
	RawSampleTTL = 24 * time.Hour
	ProcessedTTL = 24 * time.Hour
)

// RedisStore основное низколатентное хранилище измерений
type RedisStore struct {
	client *redis.Client
	logger *utils.Logger
	config *config.RedisConfig
}

// NewRedisStore создает Redis хранилище
func NewRedisStore(cfg *config.RedisConfig, logger *utils.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return &RedisStore{
		client: redis.NewClient(opt),
		logger: logger,
		config: cfg,
	}, nil
}

// Ping проверяет соединение с Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client возвращает Redis клиент для внешнего использования
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// InsertRaw записывает сырое измерение и возвращает присвоенный id
func (r *RedisStore) InsertRaw(ctx context.Context, sample *models.RawSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}

	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("insert_raw").Observe(time.Since(start).Seconds())
	}()

	stored := *sample
	if stored.ID == "" {
		seq, err := r.client.Incr(ctx, rawSeqKey).Result()
		if err != nil {
			metrics.RedisOperationErrors.WithLabelValues("insert_raw").Inc()
			return "", fmt.Errorf("failed to allocate raw sample id: %w", err)
		}
		stored.ID = fmt.Sprintf("raw-%d", seq)
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal raw sample: %w", err)
	}

	deviceKey := fmt.Sprintf(deviceRawKey, stored.DeviceID)

	pipe := r.client.Pipeline()
	pipe.Set(ctx, rawPrefix+stored.ID, data, RawSampleTTL)
	pipe.ZAdd(ctx, deviceKey, redis.Z{
		Score:  float64(stored.Timestamp.UnixMilli()),
		Member: stored.ID,
	})
	pipe.Expire(ctx, deviceKey, RawSampleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("insert_raw").Inc()
		return "", fmt.Errorf("failed to insert raw sample: %w", err)
	}

	return stored.ID, nil
}

// GetRaw возвращает сырое измерение по id
func (r *RedisStore) GetRaw(ctx context.Context, id string) (*models.RawSample, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("get_raw").Observe(time.Since(start).Seconds())
	}()

	data, err := r.client.Get(ctx, rawPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("get_raw").Inc()
		return nil, fmt.Errorf("failed to get raw sample: %w", err)
	}

	var sample models.RawSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw sample %s: %w", id, err)
	}
	return &sample, nil
}

// ListRaw возвращает страницу сырых измерений. Требует фильтр по устройству:
// у Redis-хранилища нет глобального индекса по времени.
func (r *RedisStore) ListRaw(ctx context.Context, filter Filter) ([]*models.RawSample, error) {
	if filter.DeviceID == "" {
		return nil, fmt.Errorf("redis store requires device_id filter for raw listing")
	}

	ids, err := r.rangeByScore(ctx, fmt.Sprintf(deviceRawKey, filter.DeviceID), filter)
	if err != nil {
		return nil, err
	}

	samples := make([]*models.RawSample, 0, len(ids))
	for _, id := range ids {
		sample, err := r.GetRaw(ctx, id)
		if err == ErrNotFound {
			continue // Полезная нагрузка истекла раньше индекса
		}
		if err != nil {
			return nil, err
		}
		if filter.TripID != "" && sample.TripID != filter.TripID {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// InsertProcessed записывает обработанную точку, соблюдая ключ идемпотентности
// по raw_sample_id: повторная доставка того же задания не создает вторую точку.
func (r *RedisStore) InsertProcessed(ctx context.Context, sample *models.ProcessedSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}
	if err := sample.Coords.Validate(); err != nil {
		return "", fmt.Errorf("refusing to store invalid coords: %w", err)
	}

	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("insert_processed").Observe(time.Since(start).Seconds())
	}()

	stored := *sample
	if stored.ID == "" {
		seq, err := r.client.Incr(ctx, processedSeqKey).Result()
		if err != nil {
			metrics.RedisOperationErrors.WithLabelValues("insert_processed").Inc()
			return "", fmt.Errorf("failed to allocate processed sample id: %w", err)
		}
		stored.ID = fmt.Sprintf("proc-%d", seq)
	}

	// Ключ идемпотентности ставится до полезной нагрузки: проигравший
	// гонку Enqueue-повтор увидит ErrDuplicate и завершится успешно
	if stored.Metadata.RawSampleID != "" {
		ok, err := r.client.SetNX(ctx, rawIndexPrefix+stored.Metadata.RawSampleID, stored.ID, ProcessedTTL).Result()
		if err != nil {
			metrics.RedisOperationErrors.WithLabelValues("insert_processed").Inc()
			return "", fmt.Errorf("failed to set idempotency key: %w", err)
		}
		if !ok {
			return "", ErrDuplicate
		}
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal processed sample: %w", err)
	}

	deviceKey := fmt.Sprintf(deviceProcessedKey, stored.DeviceID)

	pipe := r.client.Pipeline()
	pipe.Set(ctx, processedPrefix+stored.ID, data, ProcessedTTL)
	pipe.ZAdd(ctx, deviceKey, redis.Z{
		Score:  float64(stored.Timestamp.UnixMilli()),
		Member: stored.ID,
	})
	pipe.Expire(ctx, deviceKey, ProcessedTTL)
	if stored.TripID != "" {
		tripKey := fmt.Sprintf(tripProcessedKey, stored.TripID)
		pipe.ZAdd(ctx, tripKey, redis.Z{
			Score:  float64(stored.Timestamp.UnixMilli()),
			Member: stored.ID,
		})
		pipe.Expire(ctx, tripKey, ProcessedTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("insert_processed").Inc()
		return "", fmt.Errorf("failed to insert processed sample: %w", err)
	}

	return stored.ID, nil
}

// GetProcessed возвращает обработанную точку по id
func (r *RedisStore) GetProcessed(ctx context.Context, id string) (*models.ProcessedSample, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("get_processed").Observe(time.Since(start).Seconds())
	}()

	data, err := r.client.Get(ctx, processedPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("get_processed").Inc()
		return nil, fmt.Errorf("failed to get processed sample: %w", err)
	}

	var sample models.ProcessedSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processed sample %s: %w", id, err)
	}
	return &sample, nil
}

// FindLatestProcessed возвращает последнюю по времени точку устройства
// за O(log N) по ZSET индексу, или nil без ошибки при пустом треке
func (r *RedisStore) FindLatestProcessed(ctx context.Context, deviceID string) (*models.ProcessedSample, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("find_latest").Observe(time.Since(start).Seconds())
	}()

	deviceKey := fmt.Sprintf(deviceProcessedKey, deviceID)

	// Хвост индекса может ссылаться на истекшую полезную нагрузку,
	// поэтому спускаемся по нескольким последним записям
	ids, err := r.client.ZRevRange(ctx, deviceKey, 0, 4).Result()
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("find_latest").Inc()
		return nil, fmt.Errorf("failed to read device index: %w", err)
	}

	for _, id := range ids {
		sample, err := r.GetProcessed(ctx, id)
		if err == ErrNotFound {
			// Индекс пережил полезную нагрузку, спускаемся дальше
			r.logger.WithFields(map[string]interface{}{
				"device_id": deviceID,
				"id":        id,
			}).Debug("Processed payload expired before its index entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		return sample, nil
	}
	return nil, nil
}

// FindRecentProcessed возвращает до n последних точек устройства, новые первыми
func (r *RedisStore) FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]*models.ProcessedSample, error) {
	if n <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("find_recent").Observe(time.Since(start).Seconds())
	}()

	deviceKey := fmt.Sprintf(deviceProcessedKey, deviceID)
	ids, err := r.client.ZRevRange(ctx, deviceKey, 0, int64(n-1)).Result()
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("find_recent").Inc()
		return nil, fmt.Errorf("failed to read device index: %w", err)
	}

	samples := make([]*models.ProcessedSample, 0, len(ids))
	for _, id := range ids {
		sample, err := r.GetProcessed(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// UpdateProcessedMetadata единственная мутация обработанной точки:
// склейка остановки обновляет last_seen и счетчик
func (r *RedisStore) UpdateProcessedMetadata(ctx context.Context, id string, update StopUpdate) error {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("update_metadata").Observe(time.Since(start).Seconds())
	}()

	sample, err := r.GetProcessed(ctx, id)
	if err != nil {
		return err
	}

	if !update.LastSeen.IsZero() {
		sample.Metadata.LastSeen = update.LastSeen
	}
	sample.Metadata.StopCount += update.StopCountInc

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal processed sample: %w", err)
	}

	if err := r.client.Set(ctx, processedPrefix+id, data, redis.KeepTTL).Err(); err != nil {
		metrics.RedisOperationErrors.WithLabelValues("update_metadata").Inc()
		return fmt.Errorf("failed to update processed sample: %w", err)
	}
	return nil
}

// ListProcessed возвращает страницу обработанных точек, старые первыми.
// Требует фильтр по устройству или поездке.
func (r *RedisStore) ListProcessed(ctx context.Context, filter Filter) ([]*models.ProcessedSample, error) {
	var indexKey string
	switch {
	case filter.DeviceID != "":
		indexKey = fmt.Sprintf(deviceProcessedKey, filter.DeviceID)
	case filter.TripID != "":
		indexKey = fmt.Sprintf(tripProcessedKey, filter.TripID)
	default:
		return nil, fmt.Errorf("redis store requires device_id or trip_id filter for processed listing")
	}

	ids, err := r.rangeByScore(ctx, indexKey, filter)
	if err != nil {
		return nil, err
	}

	samples := make([]*models.ProcessedSample, 0, len(ids))
	for _, id := range ids {
		sample, err := r.GetProcessed(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !MatchesFilter(sample, filter) {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// rangeByScore читает страницу id из ZSET индекса по диапазону времени
func (r *RedisStore) rangeByScore(ctx context.Context, key string, filter Filter) ([]string, error) {
	min := "-inf"
	max := "+inf"
	if !filter.From.IsZero() {
		min = fmt.Sprintf("%d", filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		max = fmt.Sprintf("%d", filter.To.UnixMilli())
	}

	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: int64(filter.Offset),
		Count:  int64(ClampLimit(filter.Limit)),
	}).Result()
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("range_by_score").Inc()
		return nil, fmt.Errorf("failed to range index %s: %w", key, err)
	}
	return ids, nil
}
