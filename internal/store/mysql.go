package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/pkg/utils"
)

// MySQLStore долговременное хранилище измерений (system of record).
// В обычной топологии наполняется архиватором из Redis-хранилища;
// реализует тот же порт SampleStore и может работать самостоятельно.
type MySQLStore struct {
	db     *sql.DB
	logger *utils.Logger
	config *config.MySQLConfig
	seq    int64
}

// NewMySQLStore создает MySQL хранилище
func NewMySQLStore(cfg *config.MySQLConfig, logger *utils.Logger) (*MySQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	return &MySQLStore{
		db:     db,
		logger: logger,
		config: cfg,
	}, nil
}

// Ping проверяет соединение с MySQL
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединение с MySQL
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema создает таблицы измерений, если их еще нет
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS raw_samples (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			device_id VARCHAR(64) NOT NULL,
			trip_id VARCHAR(64) NULL,
			ts DATETIME(3) NOT NULL,
			lat DOUBLE NOT NULL,
			lon DOUBLE NOT NULL,
			accuracy DOUBLE NULL,
			speed DOUBLE NULL,
			heading DOUBLE NULL,
			received_at DATETIME(3) NOT NULL,
			INDEX idx_raw_device_ts (device_id, ts),
			INDEX idx_raw_trip_ts (trip_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_samples (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			device_id VARCHAR(64) NOT NULL,
			trip_id VARCHAR(64) NULL,
			ts DATETIME(3) NOT NULL,
			lat DOUBLE NOT NULL,
			lon DOUBLE NOT NULL,
			distance DOUBLE NOT NULL,
			time_diff_seconds DOUBLE NOT NULL,
			speed DOUBLE NOT NULL,
			processing_method VARCHAR(32) NOT NULL,
			matching_confidence DOUBLE NOT NULL,
			processed_at DATETIME(3) NOT NULL,
			raw_sample_id VARCHAR(64) NOT NULL,
			last_seen DATETIME(3) NULL,
			stop_count INT NOT NULL DEFAULT 0,
			stale_gap TINYINT(1) NOT NULL DEFAULT 0,
			UNIQUE KEY uq_processed_raw (raw_sample_id),
			INDEX idx_proc_device_ts (device_id, ts),
			INDEX idx_proc_trip_ts (trip_id, ts)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// nextID генерирует id, когда он не присвоен вышестоящим хранилищем
func (s *MySQLStore) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), atomic.AddInt64(&s.seq, 1))
}

// InsertRaw записывает сырое измерение
func (s *MySQLStore) InsertRaw(ctx context.Context, sample *models.RawSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}

	stored := *sample
	if stored.ID == "" {
		stored.ID = s.nextID("raw")
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_samples (id, device_id, trip_id, ts, lat, lon, accuracy, speed, heading, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.DeviceID, nullString(stored.TripID), stored.Timestamp.UTC(),
		stored.Coords.Lat, stored.Coords.Lon,
		nullFloat(stored.Metadata.Accuracy, stored.Metadata.HasAccuracy),
		stored.Metadata.Speed, stored.Metadata.Heading, stored.ReceivedAt.UTC(),
	)
	if err != nil {
		metrics.MySQLWriteErrors.Inc()
		return "", fmt.Errorf("failed to insert raw sample: %w", err)
	}
	return stored.ID, nil
}

// InsertRawBatch записывает пачку сырых измерений одним multi-VALUES запросом
func (s *MySQLStore) InsertRawBatch(ctx context.Context, samples []*models.RawSample) error {
	if len(samples) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.MySQLBatchDuration.Observe(time.Since(start).Seconds())
		metrics.MySQLBatchSize.Observe(float64(len(samples)))
	}()

	placeholders := make([]string, 0, len(samples))
	args := make([]interface{}, 0, len(samples)*10)
	for _, sample := range samples {
		id := sample.ID
		if id == "" {
			id = s.nextID("raw")
		}
		receivedAt := sample.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			id, sample.DeviceID, nullString(sample.TripID), sample.Timestamp.UTC(),
			sample.Coords.Lat, sample.Coords.Lon,
			nullFloat(sample.Metadata.Accuracy, sample.Metadata.HasAccuracy),
			sample.Metadata.Speed, sample.Metadata.Heading, receivedAt.UTC(),
		)
	}

	query := `INSERT IGNORE INTO raw_samples (id, device_id, trip_id, ts, lat, lon, accuracy, speed, heading, received_at) VALUES ` +
		strings.Join(placeholders, ", ")

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		metrics.MySQLWriteErrors.Inc()
		return fmt.Errorf("failed to insert raw batch: %w", err)
	}
	return nil
}

// GetRaw возвращает сырое измерение по id
func (s *MySQLStore) GetRaw(ctx context.Context, id string) (*models.RawSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, COALESCE(trip_id, ''), ts, lat, lon, accuracy, COALESCE(speed, 0), COALESCE(heading, 0), received_at
		FROM raw_samples WHERE id = ?`, id)
	return scanRawSample(row)
}

// ListRaw возвращает страницу сырых измерений, старые первыми
func (s *MySQLStore) ListRaw(ctx context.Context, filter Filter) ([]*models.RawSample, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`
		SELECT id, device_id, COALESCE(trip_id, ''), ts, lat, lon, accuracy, COALESCE(speed, 0), COALESCE(heading, 0), received_at
		FROM raw_samples %s ORDER BY ts ASC, id ASC LIMIT ? OFFSET ?`, where)
	args = append(args, ClampLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.RawSample
	for rows.Next() {
		sample, err := scanRawSample(rows)
		if err != nil {
			s.logger.WithField("error", err).Warn("Failed to scan raw sample row")
			continue
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw sample rows: %w", err)
	}
	return samples, nil
}

// InsertProcessed записывает обработанную точку; уникальный ключ по
// raw_sample_id реализует идемпотентность на повторной доставке
func (s *MySQLStore) InsertProcessed(ctx context.Context, sample *models.ProcessedSample) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("sample cannot be nil")
	}
	if err := sample.Coords.Validate(); err != nil {
		return "", fmt.Errorf("refusing to store invalid coords: %w", err)
	}

	stored := *sample
	if stored.ID == "" {
		stored.ID = s.nextID("proc")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_samples
			(id, device_id, trip_id, ts, lat, lon, distance, time_diff_seconds, speed,
			 processing_method, matching_confidence, processed_at, raw_sample_id, last_seen, stop_count, stale_gap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.DeviceID, nullString(stored.TripID), stored.Timestamp.UTC(),
		stored.Coords.Lat, stored.Coords.Lon,
		stored.Metadata.Distance, stored.Metadata.TimeDiffSeconds, stored.Metadata.Speed,
		string(stored.Metadata.ProcessingMethod), stored.Metadata.MatchingConfidence,
		stored.Metadata.ProcessedAt.UTC(), stored.Metadata.RawSampleID,
		nullTime(stored.Metadata.LastSeen), stored.Metadata.StopCount, stored.Metadata.StaleGap,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return "", ErrDuplicate
		}
		metrics.MySQLWriteErrors.Inc()
		return "", fmt.Errorf("failed to insert processed sample: %w", err)
	}
	return stored.ID, nil
}

// InsertProcessedBatch записывает пачку обработанных точек, дубликаты по
// raw_sample_id молча пропускаются
func (s *MySQLStore) InsertProcessedBatch(ctx context.Context, samples []*models.ProcessedSample) error {
	if len(samples) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.MySQLBatchDuration.Observe(time.Since(start).Seconds())
		metrics.MySQLBatchSize.Observe(float64(len(samples)))
	}()

	placeholders := make([]string, 0, len(samples))
	args := make([]interface{}, 0, len(samples)*16)
	for _, sample := range samples {
		id := sample.ID
		if id == "" {
			id = s.nextID("proc")
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			id, sample.DeviceID, nullString(sample.TripID), sample.Timestamp.UTC(),
			sample.Coords.Lat, sample.Coords.Lon,
			sample.Metadata.Distance, sample.Metadata.TimeDiffSeconds, sample.Metadata.Speed,
			string(sample.Metadata.ProcessingMethod), sample.Metadata.MatchingConfidence,
			sample.Metadata.ProcessedAt.UTC(), sample.Metadata.RawSampleID,
			nullTime(sample.Metadata.LastSeen), sample.Metadata.StopCount, sample.Metadata.StaleGap,
		)
	}

	query := `INSERT IGNORE INTO processed_samples
		(id, device_id, trip_id, ts, lat, lon, distance, time_diff_seconds, speed,
		 processing_method, matching_confidence, processed_at, raw_sample_id, last_seen, stop_count, stale_gap)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		metrics.MySQLWriteErrors.Inc()
		return fmt.Errorf("failed to insert processed batch: %w", err)
	}
	return nil
}

// GetProcessed возвращает обработанную точку по id
func (s *MySQLStore) GetProcessed(ctx context.Context, id string) (*models.ProcessedSample, error) {
	row := s.db.QueryRowContext(ctx, processedSelect+` WHERE id = ?`, id)
	return scanProcessedSample(row)
}

// FindLatestProcessed возвращает последнюю точку устройства по индексу (device_id, ts)
func (s *MySQLStore) FindLatestProcessed(ctx context.Context, deviceID string) (*models.ProcessedSample, error) {
	row := s.db.QueryRowContext(ctx,
		processedSelect+` WHERE device_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, deviceID)
	sample, err := scanProcessedSample(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return sample, err
}

// FindRecentProcessed возвращает до n последних точек устройства, новые первыми
func (s *MySQLStore) FindRecentProcessed(ctx context.Context, deviceID string, n int) ([]*models.ProcessedSample, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		processedSelect+` WHERE device_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, deviceID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent processed samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.ProcessedSample
	for rows.Next() {
		sample, err := scanProcessedSample(rows)
		if err != nil {
			s.logger.WithField("error", err).Warn("Failed to scan processed sample row")
			continue
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processed sample rows: %w", err)
	}
	return samples, nil
}

// UpdateProcessedMetadata единственная мутация обработанной точки
func (s *MySQLStore) UpdateProcessedMetadata(ctx context.Context, id string, update StopUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_samples
		SET last_seen = COALESCE(?, last_seen), stop_count = stop_count + ?
		WHERE id = ?`,
		nullTime(update.LastSeen), update.StopCountInc, id)
	if err != nil {
		metrics.MySQLWriteErrors.Inc()
		return fmt.Errorf("failed to update processed sample: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProcessed возвращает страницу обработанных точек, старые первыми
func (s *MySQLStore) ListProcessed(ctx context.Context, filter Filter) ([]*models.ProcessedSample, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`%s %s ORDER BY ts ASC, id ASC LIMIT ? OFFSET ?`, processedSelect, where)
	args = append(args, ClampLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.ProcessedSample
	for rows.Next() {
		sample, err := scanProcessedSample(rows)
		if err != nil {
			s.logger.WithField("error", err).Warn("Failed to scan processed sample row")
			continue
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processed sample rows: %w", err)
	}
	return samples, nil
}

const processedSelect = `
	SELECT id, device_id, COALESCE(trip_id, ''), ts, lat, lon, distance, time_diff_seconds, speed,
	       processing_method, matching_confidence, processed_at, raw_sample_id, last_seen, stop_count, stale_gap
	FROM processed_samples`

// scanner общий интерфейс sql.Row и sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRawSample(row scanner) (*models.RawSample, error) {
	var (
		sample   models.RawSample
		accuracy sql.NullFloat64
	)
	err := row.Scan(
		&sample.ID, &sample.DeviceID, &sample.TripID, &sample.Timestamp,
		&sample.Coords.Lat, &sample.Coords.Lon, &accuracy,
		&sample.Metadata.Speed, &sample.Metadata.Heading, &sample.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan raw sample: %w", err)
	}
	if accuracy.Valid {
		sample.Metadata.Accuracy = accuracy.Float64
		sample.Metadata.HasAccuracy = true
	}
	return &sample, nil
}

func scanProcessedSample(row scanner) (*models.ProcessedSample, error) {
	var (
		sample   models.ProcessedSample
		method   string
		lastSeen sql.NullTime
	)
	err := row.Scan(
		&sample.ID, &sample.DeviceID, &sample.TripID, &sample.Timestamp,
		&sample.Coords.Lat, &sample.Coords.Lon,
		&sample.Metadata.Distance, &sample.Metadata.TimeDiffSeconds, &sample.Metadata.Speed,
		&method, &sample.Metadata.MatchingConfidence, &sample.Metadata.ProcessedAt,
		&sample.Metadata.RawSampleID, &lastSeen, &sample.Metadata.StopCount, &sample.Metadata.StaleGap,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan processed sample: %w", err)
	}
	sample.Metadata.ProcessingMethod = models.ProcessingMethod(method)
	if lastSeen.Valid {
		sample.Metadata.LastSeen = lastSeen.Time
	}
	return &sample, nil
}

func buildWhere(filter Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.TripID != "" {
		conditions = append(conditions, "trip_id = ?")
		args = append(args, filter.TripID)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, filter.To.UTC())
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v float64, valid bool) interface{} {
	if !valid {
		return nil
	}
	return v
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
