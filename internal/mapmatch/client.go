package mapmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
)

const (
	// edgeRadiusMeters радиус поиска для первой и последней точки трека
	edgeRadiusMeters = 25
	// defaultRadiusMeters радиус для внутренних точек без известной точности GPS
	defaultRadiusMeters = 15

	// minMatchPoints OSRM не матчит треки короче трех точек
	minMatchPoints = 3

	// healthTimeout дедлайн проверки доступности сервиса
	healthTimeout = 5 * time.Second
)

// Point входная точка для map-matching
type Point struct {
	Coords      models.Coords
	Timestamp   time.Time
	Accuracy    float64 // Метры; 0 при HasAccuracy=false
	HasAccuracy bool
}

// MatchedPoint результат привязки одной точки, позиционно соответствует входу
type MatchedPoint struct {
	Coords     models.Coords
	Confidence float64 // [0,1]; 0 если точка не привязана
}

// Matcher порт map-matching для трек-процессора
type Matcher interface {
	// Match возвращает список той же длины, что и вход. Ошибка означает
	// недоступность сервиса или неразборчивый ответ; отсутствие решения
	// (NoMatch, null tracepoints) ошибкой не является.
	Match(ctx context.Context, points []Point) ([]MatchedPoint, error)
	// IsHealthy возвращает true, если тестовый запрос успел за 5 секунд
	IsHealthy(ctx context.Context) bool
}

// matchResponse разбираемая часть ответа OSRM /match
type matchResponse struct {
	Code      string `json:"code"`
	Matchings []struct {
		Confidence float64 `json:"confidence"`
	} `json:"matchings"`
	Tracepoints []*struct {
		Location [2]float64 `json:"location"` // [lon, lat]
	} `json:"tracepoints"`
}

// Client HTTP клиент внешнего OSRM map-matcher
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewClient создает клиент map-matching с ограниченным дедлайном запросов.
// Entry приходит от логгера процесса (utils.Logger.Logrus), чтобы уровень
// и формат логов клиента совпадали с остальным деревом; nil допустим в тестах.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Entry) *Client {
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New().WithField("component", "mapmatch")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Match выполняет привязку трека к дорожной сети.
// Короткие треки (< 3 точек) и ответы без решения возвращаются как вход
// с нулевой уверенностью; транспортные ошибки и мусорные ответы - как error.
func (c *Client) Match(ctx context.Context, points []Point) ([]MatchedPoint, error) {
	if len(points) < minMatchPoints {
		return echo(points), nil
	}

	url := c.buildMatchURL(points)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create match request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TrackProc/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.OSRMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OSRMRequestErrors.Inc()
		return nil, fmt.Errorf("match request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.OSRMRequestErrors.Inc()
		return nil, fmt.Errorf("failed to read match response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		metrics.OSRMRequestErrors.Inc()
		c.logger.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"response":    truncate(string(body), 256),
		}).Warn("OSRM returned server error")
		return nil, fmt.Errorf("osrm returned status %d", resp.StatusCode)
	}

	var parsed matchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.OSRMRequestErrors.Inc()
		return nil, fmt.Errorf("failed to parse match response: %w", err)
	}

	// NoMatch, NoSegment и прочие не-Ok коды - решения нет, но сервис жив
	if parsed.Code != "Ok" {
		c.logger.WithField("code", parsed.Code).Debug("OSRM found no match")
		metrics.OSRMNoMatch.Inc()
		return echo(points), nil
	}

	confidence := 0.0
	if len(parsed.Matchings) > 0 {
		confidence = clamp01(parsed.Matchings[0].Confidence)
	}

	result := make([]MatchedPoint, len(points))
	for i := range points {
		if i < len(parsed.Tracepoints) && parsed.Tracepoints[i] != nil {
			// Каждая привязанная точка получает общую уверенность первой matching-группы
			result[i] = MatchedPoint{
				Coords: models.Coords{
					Lat: parsed.Tracepoints[i].Location[1],
					Lon: parsed.Tracepoints[i].Location[0],
				},
				Confidence: confidence,
			}
		} else {
			result[i] = MatchedPoint{Coords: points[i].Coords, Confidence: 0}
		}
	}
	return result, nil
}

// IsHealthy проверяет доступность сервиса коротким двухточечным запросом
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	// Константный тестовый трек, результат матчинга не важен
	url := fmt.Sprintf("%s/match/v1/driving/77.2295,28.6129;77.2298,28.6132", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < http.StatusInternalServerError
}

// buildMatchURL собирает запрос в точном wire-формате OSRM:
// координаты lon,lat через ';', целочисленные timestamps и radiuses
func (c *Client) buildMatchURL(points []Point) string {
	coords := make([]string, len(points))
	timestamps := make([]string, len(points))
	radiuses := make([]string, len(points))

	for i, p := range points {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Coords.Lon, p.Coords.Lat)
		timestamps[i] = strconv.FormatInt(p.Timestamp.Unix(), 10)

		// Крайние точки ищутся в широком радиусе, внутренние - по точности GPS
		if i == 0 || i == len(points)-1 {
			radiuses[i] = strconv.Itoa(edgeRadiusMeters)
		} else if p.HasAccuracy && p.Accuracy > 0 {
			radiuses[i] = strconv.Itoa(int(p.Accuracy))
		} else {
			radiuses[i] = strconv.Itoa(defaultRadiusMeters)
		}
	}

	return fmt.Sprintf(
		"%s/match/v1/driving/%s?timestamps=%s&radiuses=%s&overview=full&steps=true&gaps=ignore&tidy=true",
		c.baseURL,
		strings.Join(coords, ";"),
		strings.Join(timestamps, ";"),
		strings.Join(radiuses, ";"),
	)
}

func echo(points []Point) []MatchedPoint {
	result := make([]MatchedPoint, len(points))
	for i, p := range points {
		result[i] = MatchedPoint{Coords: p.Coords, Confidence: 0}
	}
	return result
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
