package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/trackproc/trackproc/internal/models"
)

// earthRadiusMeters средний радиус Земли WGS-84 для haversine
const earthRadiusMeters = 6371008.8

// Distance возвращает расстояние по большому кругу между двумя точками в метрах.
// Симметрична, Distance(a, a) == 0.
func Distance(a, b models.Coords) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Speed возвращает скорость в м/с, 0 если интервал не строго положителен
func Speed(distanceMeters, dtSeconds float64) float64 {
	if dtSeconds <= 0 {
		return 0
	}
	return distanceMeters / dtSeconds
}

// Hash возвращает geohash координат с заданной точностью.
// Используется WebSocket-трансляцией для поля geohash в сообщении.
func Hash(c models.Coords, precision uint) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, precision)
}
