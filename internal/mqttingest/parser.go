package mqttingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/pkg/utils"
)

// samplePayload JSON сырого измерения в MQTT топике.
// Формат идентичен телу POST /api/v1/samples.
type samplePayload struct {
	DeviceID  string    `json:"device_id"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp"`
	Coords    struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coords"`
	Metadata *struct {
		Accuracy *float64 `json:"accuracy"`
		Speed    float64  `json:"speed"`
		Heading  float64  `json:"heading"`
	} `json:"metadata"`
}

// Parser разбирает MQTT полезную нагрузку в сырое измерение
type Parser struct {
	logger *utils.Logger
}

// NewParser создает парсер
func NewParser(logger *utils.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse декодирует полезную нагрузку. Сегмент топика tracks/{device}/raw
// заполняет device_id, если тело его не несет.
func (p *Parser) Parse(topic string, payload []byte) (*models.RawSample, error) {
	var msg samplePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid sample payload: %w", err)
	}

	if msg.DeviceID == "" {
		msg.DeviceID = deviceFromTopic(topic)
	}

	sample := &models.RawSample{
		DeviceID:   msg.DeviceID,
		TripID:     msg.TripID,
		Timestamp:  msg.Timestamp.UTC(),
		Coords:     models.Coords{Lat: msg.Coords.Lat, Lon: msg.Coords.Lon},
		ReceivedAt: time.Now().UTC(),
	}
	if msg.Metadata != nil {
		sample.Metadata.Speed = msg.Metadata.Speed
		sample.Metadata.Heading = msg.Metadata.Heading
		if msg.Metadata.Accuracy != nil {
			sample.Metadata.Accuracy = *msg.Metadata.Accuracy
			sample.Metadata.HasAccuracy = true
		}
	}

	if err := sample.Validate(); err != nil {
		return nil, fmt.Errorf("rejected sample from topic %s: %w", topic, err)
	}

	return sample, nil
}

// deviceFromTopic извлекает id устройства из топика вида tracks/{device}/raw
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
