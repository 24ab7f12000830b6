package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/pkg/utils"
	"golang.org/x/time/rate"
)

// Handler обработчик одного задания. Доставка at-least-once:
// обработчик обязан быть идемпотентным к повторным вызовам.
type Handler func(ctx context.Context, rawSampleID string) error

// retriable ошибки обработчика, различающие повтор и dead-letter
type retriable interface {
	Retriable() bool
}

// jobState состояние задания внутри очереди
type jobState int

const (
	statePending jobState = iota
	stateRunning
	stateRetryWait
)

// job одно задание обработки, ключ - id сырого измерения
type job struct {
	id       string
	attempts int
	state    jobState
	enqueued time.Time
}

// retained запись о завершенном или провалившемся задании для дедупликации
type retained struct {
	id string
	at time.Time
}

// Queue внутрипроцессная очередь заданий с пулом воркеров.
// Гарантии: at-least-once, дедупликация по id задания (включая удержанные
// завершенные), до MaxRetries повторов с экспоненциальным backoff,
// глобальный лимит стартов заданий в секунду.
type Queue struct {
	cfg     *config.QueueConfig
	logger  *utils.Logger
	handler Handler
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]*job // pending, running или в ожидании повтора
	timers   map[string]*time.Timer

	// Кольца удержания завершенных и провалившихся заданий
	completed    []retained
	completedSet map[string]struct{}
	failed       []retained
	failedSet    map[string]struct{}

	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup

	stopped bool
}

// New создает очередь и запускает воркеров
func New(cfg *config.QueueConfig, logger *utils.Logger, handler Handler) (*Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("queue config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	q := &Queue{
		cfg:          cfg,
		logger:       logger,
		handler:      handler,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		inflight:     make(map[string]*job),
		timers:       make(map[string]*time.Timer),
		completedSet: make(map[string]struct{}),
		failedSet:    make(map[string]struct{}),
		jobs:         make(chan *job, 10000),
		quit:         make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q, nil
}

// Enqueue ставит задание в очередь. Повторная постановка задания,
// которое уже в полете или удержано после завершения, склеивается в no-op.
func (q *Queue) Enqueue(rawSampleID string) error {
	if rawSampleID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("queue is draining")
	}

	if _, exists := q.inflight[rawSampleID]; exists {
		q.mu.Unlock()
		metrics.QueueJobsDeduplicated.Inc()
		return nil
	}
	if _, done := q.completedSet[rawSampleID]; done {
		q.mu.Unlock()
		metrics.QueueJobsDeduplicated.Inc()
		return nil
	}
	if _, failed := q.failedSet[rawSampleID]; failed {
		q.mu.Unlock()
		metrics.QueueJobsDeduplicated.Inc()
		return nil
	}

	j := &job{id: rawSampleID, state: statePending, enqueued: time.Now()}
	q.inflight[rawSampleID] = j
	q.mu.Unlock()

	metrics.QueueJobsEnqueued.Inc()
	metrics.QueueDepth.Inc()

	select {
	case q.jobs <- j:
		return nil
	default:
		// Канал переполнен: откатываем и отдаем ошибку вызывающему
		q.mu.Lock()
		delete(q.inflight, rawSampleID)
		q.mu.Unlock()
		metrics.QueueDepth.Dec()
		return fmt.Errorf("queue is full")
	}
}

// Stop прекращает прием заданий и дожидается завершения текущих.
// Задания, ожидающие повтора, отменяются.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth возвращает количество заданий в полете
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// FailedCount возвращает размер dead-letter удержания
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// worker цикл воркера: забирает задания, дросселирует старты, обрабатывает
func (q *Queue) worker(n int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.quit:
			return
		case j := <-q.jobs:
			// Глобальный лимит стартов на процесс
			if err := q.waitStart(); err != nil {
				return
			}
			q.run(j)
		}
	}
}

// waitStart блокируется до разрешения лимитера или сигнала остановки
func (q *Queue) waitStart() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-q.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return q.limiter.Wait(ctx)
}

// run выполняет одну попытку задания и решает его судьбу
func (q *Queue) run(j *job) {
	q.mu.Lock()
	j.state = stateRunning
	j.attempts++
	attempt := j.attempts
	q.mu.Unlock()

	start := time.Now()
	err := q.handler(context.Background(), j.id)
	metrics.QueueJobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		q.finish(j, true)
		return
	}

	// Неповторяемые ошибки сразу уходят в dead-letter
	if r, ok := err.(retriable); ok && !r.Retriable() {
		q.logger.WithJob(j.id).WithError(err).Error("Job failed with non-retriable error")
		q.finish(j, false)
		return
	}

	if attempt > q.cfg.MaxRetries {
		q.logger.WithJob(j.id).WithError(err).
			WithField("attempts", attempt).Error("Job dead-lettered after exhausting retries")
		q.finish(j, false)
		return
	}

	// Экспоненциальный backoff: base, base*2, base*4...
	delay := q.cfg.BaseBackoff << (attempt - 1)
	q.logger.WithJob(j.id).WithError(err).WithFields(map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Warn("Job failed, scheduling retry")
	metrics.QueueJobRetries.Inc()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	j.state = stateRetryWait
	q.timers[j.id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, j.id)
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		select {
		case q.jobs <- j:
		case <-q.quit:
		}
	})
	q.mu.Unlock()
}

// finish переводит задание в кольцо удержания
func (q *Queue) finish(j *job, success bool) {
	now := time.Now()

	q.mu.Lock()
	delete(q.inflight, j.id)
	if success {
		q.completed = append(q.completed, retained{id: j.id, at: now})
		q.completedSet[j.id] = struct{}{}
		q.trimCompleted(now)
	} else {
		q.failed = append(q.failed, retained{id: j.id, at: now})
		q.failedSet[j.id] = struct{}{}
		q.trimFailed()
	}
	q.mu.Unlock()

	metrics.QueueDepth.Dec()
	if success {
		metrics.QueueJobsCompleted.Inc()
	} else {
		metrics.QueueJobsFailed.Inc()
	}
}

// trimCompleted держит последние RetainCompleted записей не старше RetainCompletedFor
func (q *Queue) trimCompleted(now time.Time) {
	cutoff := now.Add(-q.cfg.RetainCompletedFor)
	drop := 0
	for drop < len(q.completed) && (len(q.completed)-drop > q.cfg.RetainCompleted || q.completed[drop].at.Before(cutoff)) {
		delete(q.completedSet, q.completed[drop].id)
		drop++
	}
	if drop > 0 {
		q.completed = append(q.completed[:0:0], q.completed[drop:]...)
	}
}

// trimFailed держит последние RetainFailed провалившихся заданий
func (q *Queue) trimFailed() {
	drop := len(q.failed) - q.cfg.RetainFailed
	if drop <= 0 {
		return
	}
	for i := 0; i < drop; i++ {
		delete(q.failedSet, q.failed[i].id)
	}
	q.failed = append(q.failed[:0:0], q.failed[drop:]...)
}
