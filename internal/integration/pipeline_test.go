package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/kalman"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/internal/queue"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/internal/track"
	"github.com/trackproc/trackproc/pkg/utils"
)

// osrmStub управляемый HTTP сервер, имитирующий OSRM /match
type osrmStub struct {
	mu         sync.Mutex
	confidence float64
	status     int
	requests   int
}

func (o *osrmStub) handler(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests++
	status := o.status
	confidence := o.confidence
	o.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	// Эхо всех точек запроса с общей уверенностью
	coords := r.URL.Path[len("/match/v1/driving/"):]
	var tracepoints []interface{}
	for _, pair := range splitCoords(coords) {
		tracepoints = append(tracepoints, map[string]interface{}{
			"location": []float64{pair[0], pair[1]},
		})
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":        "Ok",
		"matchings":   []map[string]interface{}{{"confidence": confidence}},
		"tracepoints": tracepoints,
	})
}

func splitCoords(path string) [][2]float64 {
	var result [][2]float64
	var lon, lat float64
	for _, part := range splitSemicolons(path) {
		if _, err := fmt.Sscanf(part, "%f,%f", &lon, &lat); err == nil {
			result = append(result, [2]float64{lon, lat})
		}
	}
	return result
}

func splitSemicolons(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// pipelineRig очередь + процессор + память + настоящий OSRM клиент поверх стаба
type pipelineRig struct {
	store    *store.MemoryStore
	queue    *queue.Queue
	proc     *track.Processor
	smoother *kalman.Smoother
	osrm     *osrmStub
	server   *httptest.Server
}

func newPipelineRig(t *testing.T) *pipelineRig {
	t.Helper()

	osrm := &osrmStub{confidence: 0.9}
	server := httptest.NewServer(http.HandlerFunc(osrm.handler))
	t.Cleanup(server.Close)

	logger := utils.NewLogger("error", "text")
	memStore := store.NewMemoryStore()
	smoother := kalman.NewSmoother(kalman.DefaultProcessNoise, kalman.DefaultMeasurementNoise)
	matcher := mapmatch.NewClient(server.URL, 2*time.Second, nil)

	proc := track.NewProcessor(memStore, matcher, smoother, track.DefaultConfig(), logger)

	q, err := queue.New(&config.QueueConfig{
		Workers:            8,
		MaxRetries:         3,
		BaseBackoff:        10 * time.Millisecond,
		RateLimit:          1000,
		RateBurst:          1000,
		RetainCompleted:    1000,
		RetainCompletedFor: time.Hour,
		RetainFailed:       1000,
	}, logger, proc.Handle)
	require.NoError(t, err)
	t.Cleanup(func() { q.Stop(context.Background()) })

	return &pipelineRig{store: memStore, queue: q, proc: proc, smoother: smoother, osrm: osrm, server: server}
}

func (r *pipelineRig) ingest(t *testing.T, deviceID string, ts time.Time, lat, lon float64) string {
	t.Helper()
	id, err := r.store.InsertRaw(context.Background(), &models.RawSample{
		DeviceID:  deviceID,
		Timestamp: ts,
		Coords:    models.Coords{Lat: lat, Lon: lon},
	})
	require.NoError(t, err)
	require.NoError(t, r.queue.Enqueue(id))
	return id
}

func (r *pipelineRig) waitDrained(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.queue.Depth() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func TestPipeline_TrackFlow(t *testing.T) {
	rig := newPipelineRig(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Minute)

	// Трек из движущихся точек с шагом ~45 м: задания подаются по одному,
	// чтобы зафиксировать детерминированный порядок классификации
	for i := 0; i < 6; i++ {
		rig.ingest(t, "dev-1", base.Add(time.Duration(i)*30*time.Second),
			28.6129+float64(i)*0.0004, 77.2295)
		rig.waitDrained(t)
	}

	processed, err := rig.store.ListProcessed(ctx, store.Filter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, processed, 6)

	// Первая точка сырая, без очистки
	assert.Equal(t, models.MethodRawFirst, processed[0].Metadata.ProcessingMethod)

	// Все последующие прошли минимум через Kalman; с третьей точки окно
	// достигает трех и включается OSRM с высокой уверенностью
	for _, p := range processed[1:] {
		assert.NotEqual(t, models.MethodRawFirst, p.Metadata.ProcessingMethod)
	}
	osrmSeen := 0
	for _, p := range processed {
		if p.Metadata.ProcessingMethod == models.MethodOSRM {
			osrmSeen++
			assert.GreaterOrEqual(t, p.Metadata.MatchingConfidence, 0.5)
		}
	}
	assert.Greater(t, osrmSeen, 0)

	// Поток монотонен по времени
	for i := 1; i < len(processed); i++ {
		assert.False(t, processed[i].Timestamp.Before(processed[i-1].Timestamp))
	}
}

func TestPipeline_OSRMOutageDegradesGracefully(t *testing.T) {
	rig := newPipelineRig(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Minute)

	// Прогреваем трек при живом OSRM
	for i := 0; i < 3; i++ {
		rig.ingest(t, "dev-1", base.Add(time.Duration(i)*30*time.Second),
			28.6129+float64(i)*0.0004, 77.2295)
		rig.waitDrained(t)
	}

	// OSRM падает: пайплайн продолжает эмитить через kalman_fallback
	rig.osrm.mu.Lock()
	rig.osrm.status = http.StatusInternalServerError
	rig.osrm.mu.Unlock()

	rig.ingest(t, "dev-1", base.Add(90*time.Second), 28.6129+3*0.0004, 77.2295)
	rig.waitDrained(t)

	processed, err := rig.store.ListProcessed(ctx, store.Filter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, processed, 4)

	last := processed[len(processed)-1]
	assert.Equal(t, models.MethodKalmanFallback, last.Metadata.ProcessingMethod)
	assert.Equal(t, 0.0, last.Metadata.MatchingConfidence)

	// Ни одно задание не ушло в dead-letter: ошибки матчера не ретраятся
	assert.Equal(t, 0, rig.queue.FailedCount())
}

func TestPipeline_BurstyMultiDeviceLoad(t *testing.T) {
	rig := newPipelineRig(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-5 * time.Minute)

	// Пачка устройств, по десятку движущихся точек на каждое, вперемешку
	const devices = 8
	const perDevice = 10

	for i := 0; i < perDevice; i++ {
		for d := 0; d < devices; d++ {
			rig.ingest(t, fmt.Sprintf("dev-%d", d),
				base.Add(time.Duration(i)*20*time.Second),
				28.6+float64(i)*0.0004+float64(d)*0.01, 77.2)
		}
	}
	rig.waitDrained(t)

	total := 0
	for d := 0; d < devices; d++ {
		processed, err := rig.store.ListProcessed(ctx, store.Filter{DeviceID: fmt.Sprintf("dev-%d", d)})
		require.NoError(t, err)

		// Каждое устройство получило свой поток; гонки одного устройства
		// могут породить пропуски, но порядок чтения обязан быть монотонным
		for i := 1; i < len(processed); i++ {
			assert.False(t, processed[i].Timestamp.Before(processed[i-1].Timestamp))
		}
		// Дубликатов по ключу идемпотентности нет
		seen := make(map[string]bool)
		for _, p := range processed {
			assert.False(t, seen[p.Metadata.RawSampleID], "duplicate raw id in stream")
			seen[p.Metadata.RawSampleID] = true
		}
		total += len(processed)
	}
	assert.Greater(t, total, devices, "pipeline must emit under bursty load")
}

func TestPipeline_RedeliveryIsIdempotent(t *testing.T) {
	rig := newPipelineRig(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	id := rig.ingest(t, "dev-1", base, 28.6129, 77.2295)
	rig.waitDrained(t)

	// Повторная постановка завершенного задания склеивается очередью
	require.NoError(t, rig.queue.Enqueue(id))
	rig.waitDrained(t)

	// И даже прямой повторный прогон процессора не создает вторую точку
	result, err := rig.proc.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, track.OutcomeDuplicate, result.Outcome)

	processed, err := rig.store.ListProcessed(ctx, store.Filter{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}

func TestPipeline_StopCoalesce(t *testing.T) {
	rig := newPipelineRig(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-30 * time.Second)

	rig.ingest(t, "dev-1", base, 28.6129, 77.2295)
	rig.waitDrained(t)

	// Остановка: ~1.2 м от последней точки
	rig.ingest(t, "dev-1", base.Add(10*time.Second), 28.612910, 77.229505)
	rig.waitDrained(t)

	processed, err := rig.store.ListProcessed(ctx, store.Filter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, 1, processed[0].Metadata.StopCount)
	assert.True(t, processed[0].Metadata.LastSeen.Equal(base.Add(10*time.Second)))
}
