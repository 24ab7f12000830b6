package store

import (
	"context"
	"sync"
	"time"

	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/pkg/utils"
)

// ArchiverConfig конфигурация асинхронного архиватора
type ArchiverConfig struct {
	BatchSize     int           // Размер батча перед принудительным flush
	FlushInterval time.Duration // Интервал периодического flush
	ChannelBuffer int           // Буфер входных каналов
}

// DefaultArchiverConfig возвращает конфигурацию по умолчанию
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		ChannelBuffer: 10000,
	}
}

// Archiver асинхронно зеркалирует поток измерений из горячего хранилища
// в MySQL батчевыми вставками. Потеря зеркала не влияет на пайплайн:
// ошибки записи логируются и считаются, но не распространяются.
type Archiver struct {
	mysql  *MySQLStore
	logger *utils.Logger
	config *ArchiverConfig

	rawChan       chan *models.RawSample
	processedChan chan *models.ProcessedSample
	stopChan      chan stopUpdateJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type stopUpdateJob struct {
	id     string
	update StopUpdate
}

// NewArchiver создает и запускает архиватор
func NewArchiver(mysql *MySQLStore, logger *utils.Logger, cfg *ArchiverConfig) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Archiver{
		mysql:         mysql,
		logger:        logger,
		config:        cfg,
		rawChan:       make(chan *models.RawSample, cfg.ChannelBuffer),
		processedChan: make(chan *models.ProcessedSample, cfg.ChannelBuffer),
		stopChan:      make(chan stopUpdateJob, cfg.ChannelBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}

	a.wg.Add(1)
	go a.run()

	return a
}

// QueueRaw ставит сырое измерение в очередь на архивирование.
// При переполнении буфера измерение отбрасывается: зеркало не должно
// тормозить горячий путь.
func (a *Archiver) QueueRaw(sample *models.RawSample) {
	select {
	case a.rawChan <- sample:
	default:
		a.logger.Warn("Archiver raw channel full, dropping sample")
	}
}

// QueueProcessed ставит обработанную точку в очередь на архивирование
func (a *Archiver) QueueProcessed(sample *models.ProcessedSample) {
	select {
	case a.processedChan <- sample:
	default:
		a.logger.Warn("Archiver processed channel full, dropping sample")
	}
}

// QueueStopUpdate зеркалирует склейку остановки
func (a *Archiver) QueueStopUpdate(id string, update StopUpdate) {
	select {
	case a.stopChan <- stopUpdateJob{id: id, update: update}:
	default:
		a.logger.Warn("Archiver stop-update channel full, dropping update")
	}
}

// Stop останавливает архиватор, дождавшись flush буферов или истечения ctx
func (a *Archiver) Stop(ctx context.Context) error {
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run основной цикл: накапливает буферы и сбрасывает их по размеру или таймеру
func (a *Archiver) run() {
	defer a.wg.Done()

	rawBuffer := make([]*models.RawSample, 0, a.config.BatchSize)
	processedBuffer := make([]*models.ProcessedSample, 0, a.config.BatchSize)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(rawBuffer) > 0 {
			a.flushRaw(rawBuffer)
			rawBuffer = rawBuffer[:0]
		}
		if len(processedBuffer) > 0 {
			a.flushProcessed(processedBuffer)
			processedBuffer = processedBuffer[:0]
		}
	}

	for {
		select {
		case sample := <-a.rawChan:
			rawBuffer = append(rawBuffer, sample)
			if len(rawBuffer) >= a.config.BatchSize {
				a.flushRaw(rawBuffer)
				rawBuffer = rawBuffer[:0]
			}

		case sample := <-a.processedChan:
			processedBuffer = append(processedBuffer, sample)
			if len(processedBuffer) >= a.config.BatchSize {
				a.flushProcessed(processedBuffer)
				processedBuffer = processedBuffer[:0]
			}

		case job := <-a.stopChan:
			// Обновления остановок редки и применяются по одному
			a.applyStopUpdate(job)

		case <-ticker.C:
			flush()

		case <-a.ctx.Done():
			// Дренируем каналы и сбрасываем остатки
			a.drain(&rawBuffer, &processedBuffer)
			flush()
			return
		}
	}
}

// drain выбирает накопившееся в каналах после сигнала остановки
func (a *Archiver) drain(rawBuffer *[]*models.RawSample, processedBuffer *[]*models.ProcessedSample) {
	for {
		select {
		case sample := <-a.rawChan:
			*rawBuffer = append(*rawBuffer, sample)
		case sample := <-a.processedChan:
			*processedBuffer = append(*processedBuffer, sample)
		case job := <-a.stopChan:
			a.applyStopUpdate(job)
		default:
			return
		}
	}
}

func (a *Archiver) flushRaw(buffer []*models.RawSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.mysql.InsertRawBatch(ctx, buffer); err != nil {
		a.logger.WithFields(map[string]interface{}{
			"count": len(buffer),
			"error": err,
		}).Error("Failed to archive raw batch")
	}
}

func (a *Archiver) flushProcessed(buffer []*models.ProcessedSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.mysql.InsertProcessedBatch(ctx, buffer); err != nil {
		a.logger.WithFields(map[string]interface{}{
			"count": len(buffer),
			"error": err,
		}).Error("Failed to archive processed batch")
	}
}

func (a *Archiver) applyStopUpdate(job stopUpdateJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.mysql.UpdateProcessedMetadata(ctx, job.id, job.update); err != nil && err != ErrNotFound {
		a.logger.WithFields(map[string]interface{}{
			"id":    job.id,
			"error": err,
		}).Error("Failed to archive stop update")
	}
}
