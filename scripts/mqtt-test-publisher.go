package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Тестовый публикатор: шлет синтетические сырые измерения в MQTT топик
// в формате, который принимает internal/mqttingest.

type samplePayload struct {
	DeviceID  string       `json:"device_id"`
	TripID    string       `json:"trip_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Coords    coordPayload `json:"coords"`
	Metadata  metaPayload  `json:"metadata"`
}

type coordPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type metaPayload struct {
	Accuracy float64 `json:"accuracy"`
	Speed    float64 `json:"speed"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topicPrefix := flag.String("topic", "tracks", "topic prefix")
	devices := flag.Int("devices", 3, "number of simulated devices")
	interval := flag.Duration("interval", 2*time.Second, "publish interval per device")
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("trackproc-test-publisher-%d", time.Now().Unix()))

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", token.Error())
	}
	defer client.Disconnect(250)

	log.Printf("Connected to %s, publishing %d devices every %s", *broker, *devices, *interval)

	// Каждое устройство дрейфует от своей стартовой точки вокруг Дели
	lats := make([]float64, *devices)
	lons := make([]float64, *devices)
	for d := 0; d < *devices; d++ {
		lats[d] = 28.6129 + float64(d)*0.01
		lons[d] = 77.2295 + float64(d)*0.01
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for range ticker.C {
		for d := 0; d < *devices; d++ {
			// Шаг ~30-60 м с шумом
			lats[d] += 0.0003 + rand.Float64()*0.0002
			lons[d] += rand.Float64() * 0.0001

			payload, err := json.Marshal(samplePayload{
				DeviceID:  fmt.Sprintf("test-dev-%d", d),
				Timestamp: time.Now().UTC(),
				Coords:    coordPayload{Lat: lats[d], Lon: lons[d]},
				Metadata:  metaPayload{Accuracy: 5 + rand.Float64()*15, Speed: 10 + rand.Float64()*5},
			})
			if err != nil {
				log.Printf("marshal failed: %v", err)
				continue
			}

			topic := fmt.Sprintf("%s/test-dev-%d/raw", *topicPrefix, d)
			if token := client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
				log.Printf("publish to %s failed: %v", topic, token.Error())
			}
		}
	}
}
