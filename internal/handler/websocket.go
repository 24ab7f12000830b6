package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/trackproc/trackproc/internal/geo"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/pkg/utils"
)

const (
	// writeWait дедлайн записи одного сообщения клиенту
	writeWait = 10 * time.Second
	// pongWait интервал ожидания pong от клиента
	pongWait = 60 * time.Second
	// pingPeriod период отправки ping, меньше pongWait
	pingPeriod = 50 * time.Second
	// sendBuffer размер буфера исходящих сообщений клиента
	sendBuffer = 256
)

// boundingBox прямоугольный фильтр подписки клиента
type boundingBox struct {
	minLat, maxLat float64
	minLon, maxLon float64
	active         bool
}

// contains проверяет попадание координат в рамку
func (b *boundingBox) contains(c models.Coords) bool {
	if !b.active {
		return true
	}
	return c.Lat >= b.minLat && c.Lat <= b.maxLat && c.Lon >= b.minLon && c.Lon <= b.maxLon
}

// wsClient одно WebSocket подключение
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	box  boundingBox
}

// WebSocketHandler транслирует каждую эмитированную обработанную точку
// подписанным клиентам как JSON, с опциональным bbox-фильтром
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	logger   *logrus.Entry

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWebSocketHandler создает обработчик трансляции. Уровень и формат
// логов наследуются от логгера процесса через logrus-мост.
func NewWebSocketHandler(logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: проверка Origin для production
				return true
			},
		},
		logger:  logger.Logrus("websocket"),
		clients: make(map[*wsClient]struct{}),
	}
}

// HandleWebSocket апгрейдит соединение и регистрирует подписчика.
// Параметры min_lat/max_lat/min_lon/max_lon задают bbox-фильтр.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	box, err := parseBoundingBox(c)
	if err != "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_bbox", "message": err})
		return
	}

	conn, upgradeErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		h.logger.WithError(upgradeErr).Warn("WebSocket upgrade failed")
		metrics.WebSocketErrors.Inc()
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		box:  box,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketConnections.Set(float64(count))
	h.logger.WithField("clients", count).Debug("WebSocket client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// streamMessage кадр трансляции: точка плюс geohash для клиентской
// региональной фильтрации
type streamMessage struct {
	Type    string                  `json:"type"`
	Geohash string                  `json:"geohash"`
	Sample  *models.ProcessedSample `json:"sample"`
}

// Broadcast отправляет обработанную точку всем подходящим подписчикам.
// Вызывается процессором на каждую записанную точку.
func (h *WebSocketHandler) Broadcast(sample *models.ProcessedSample) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}

	payload, err := json.Marshal(streamMessage{
		Type:    "processed_sample",
		Geohash: geo.Hash(sample.Coords, 7),
		Sample:  sample,
	})
	if err != nil {
		h.mu.RUnlock()
		h.logger.WithError(err).Error("Failed to marshal processed sample")
		metrics.WebSocketErrors.Inc()
		return
	}

	for client := range h.clients {
		if !client.box.contains(sample.Coords) {
			continue
		}
		select {
		case client.send <- payload:
			metrics.WebSocketMessagesOut.Inc()
		default:
			// Медленный клиент: сообщение для него пропускается, соединение остается открытым
			metrics.WebSocketErrors.Inc()
		}
	}
	h.mu.RUnlock()
}

// Close закрывает все подключения
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.WebSocketConnections.Set(0)
}

// unregister снимает клиента с трансляции
func (h *WebSocketHandler) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	metrics.WebSocketConnections.Set(float64(count))
}

// writePump пишет исходящие сообщения и пинги
func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.unregister(client)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(client)
				return
			}
		}
	}
}

// readPump читает входящие только ради pong и close
func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.unregister(client)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// parseBoundingBox разбирает опциональный bbox из query-параметров
func parseBoundingBox(c *gin.Context) (boundingBox, string) {
	var box boundingBox

	params := []string{c.Query("min_lat"), c.Query("max_lat"), c.Query("min_lon"), c.Query("max_lon")}
	present := 0
	for _, p := range params {
		if p != "" {
			present++
		}
	}
	if present == 0 {
		return box, ""
	}
	if present != 4 {
		return box, "all of min_lat, max_lat, min_lon, max_lon are required"
	}

	values := make([]float64, 4)
	for i, p := range params {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return box, "bounding box values must be numbers"
		}
		values[i] = v
	}

	box = boundingBox{minLat: values[0], maxLat: values[1], minLon: values[2], maxLon: values[3], active: true}
	if box.minLat > box.maxLat || box.minLon > box.maxLon {
		return box, "bounding box is inverted"
	}
	return box, ""
}
