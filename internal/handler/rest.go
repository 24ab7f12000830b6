package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/internal/queue"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/pkg/utils"
)

// RESTHandler обработчики REST эндпоинтов
type RESTHandler struct {
	store   store.SampleStore
	queue   *queue.Queue
	matcher mapmatch.Matcher
	logger  *utils.Logger

	// Необязательный подписчик на принятые сырые измерения (архиватор)
	rawSink func(*models.RawSample)
}

// NewRESTHandler создает REST handler
func NewRESTHandler(st store.SampleStore, q *queue.Queue, matcher mapmatch.Matcher, logger *utils.Logger) *RESTHandler {
	return &RESTHandler{
		store:   st,
		queue:   q,
		matcher: matcher,
		logger:  logger,
	}
}

// OnRawAccepted регистрирует подписчика на каждое принятое сырое измерение
func (h *RESTHandler) OnRawAccepted(fn func(*models.RawSample)) {
	h.rawSink = fn
}

// sampleRequest тело запроса приема измерения
type sampleRequest struct {
	DeviceID  string    `json:"device_id" binding:"required"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Coords    struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coords" binding:"required"`
	Metadata *struct {
		Accuracy *float64 `json:"accuracy"`
		Speed    float64  `json:"speed"`
		Heading  float64  `json:"heading"`
	} `json:"metadata"`
}

// PostSample принимает сырое измерение: записывает его в хранилище
// и ставит задание обработки в очередь. Ядро пайплайна тело не трогает.
func (h *RESTHandler) PostSample(c *gin.Context) {
	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_body",
			"message": err.Error(),
		})
		return
	}

	sample := &models.RawSample{
		DeviceID:   req.DeviceID,
		TripID:     req.TripID,
		Timestamp:  req.Timestamp.UTC(),
		Coords:     models.Coords{Lat: req.Coords.Lat, Lon: req.Coords.Lon},
		ReceivedAt: time.Now().UTC(),
	}
	if req.Metadata != nil {
		sample.Metadata.Speed = req.Metadata.Speed
		sample.Metadata.Heading = req.Metadata.Heading
		if req.Metadata.Accuracy != nil {
			sample.Metadata.Accuracy = *req.Metadata.Accuracy
			sample.Metadata.HasAccuracy = true
		}
	}

	if err := sample.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_sample",
			"message": err.Error(),
		})
		return
	}

	id, err := h.store.InsertRaw(c.Request.Context(), sample)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to store raw sample")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "storage_unavailable",
			"message": "failed to store sample",
		})
		return
	}
	sample.ID = id

	if h.rawSink != nil {
		h.rawSink(sample)
	}

	if err := h.queue.Enqueue(id); err != nil {
		// Измерение уже записано: сообщаем о перегрузке, повтор доставит задание
		h.logger.WithJob(id).WithError(err).Warn("Failed to enqueue processing job")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "queue_unavailable",
			"message": "sample stored but processing is backlogged",
			"id":      id,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// GetLatest возвращает последнюю обработанную точку устройства
func (h *RESTHandler) GetLatest(c *gin.Context) {
	deviceID := c.Param("device")

	sample, err := h.store.FindLatestProcessed(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to read latest processed sample")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "storage_unavailable"})
		return
	}
	if sample == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "no_samples",
			"message": "device has no processed samples",
		})
		return
	}

	c.JSON(http.StatusOK, sample)
}

// GetTrack возвращает страницу обработанного трека устройства
func (h *RESTHandler) GetTrack(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}
	filter.DeviceID = c.Param("device")

	samples, err := h.store.ListProcessed(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to list processed samples")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "storage_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"count":   len(samples),
	})
}

// GetRawSamples возвращает страницу сырых измерений устройства
func (h *RESTHandler) GetRawSamples(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}
	filter.DeviceID = c.Param("device")

	samples, err := h.store.ListRaw(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to list raw samples")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "storage_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"count":   len(samples),
	})
}

// GetTripTrack возвращает страницу обработанного трека поездки
func (h *RESTHandler) GetTripTrack(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}
	filter.TripID = c.Param("trip")

	samples, err := h.store.ListProcessed(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to list trip samples")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "storage_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"count":   len(samples),
	})
}

// HealthCheck проверяет хранилище и, по запросу, map-matcher
func (h *RESTHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{
		"queue_depth": h.queue.Depth(),
	}

	if err := h.store.Ping(ctx); err != nil {
		components["store"] = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		components["store"] = "ok"
	}

	// Проверка матчера делает сетевой вызов, поэтому только по ?deep=1;
	// его недоступность не роняет health - пайплайн деградирует в kalman_fallback
	if c.Query("deep") == "1" {
		if h.matcher.IsHealthy(c.Request.Context()) {
			components["osrm"] = "ok"
		} else {
			components["osrm"] = "unavailable"
		}
	}

	c.JSON(status, gin.H{
		"status":     statusText(status),
		"timestamp":  time.Now().Unix(),
		"components": components,
	})
}

func statusText(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// parseFilter разбирает общие query-параметры пагинации и диапазона времени
func (h *RESTHandler) parseFilter(c *gin.Context) (store.Filter, bool) {
	var filter store.Filter

	if v := c.Query("trip_id"); v != "" {
		filter.TripID = v
	}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_from", "message": "from must be RFC3339"})
			return filter, false
		}
		filter.From = ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_to", "message": "to must be RFC3339"})
			return filter, false
		}
		filter.To = ts
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_limit"})
			return filter, false
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_offset"})
			return filter, false
		}
		filter.Offset = n
	}

	return filter, true
}
