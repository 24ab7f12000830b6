package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trackproc/trackproc/internal/models"
)

func TestDistance(t *testing.T) {
	delhi := models.Coords{Lat: 28.6129, Lon: 77.2295}
	nearby := models.Coords{Lat: 28.6132, Lon: 77.2298}

	t.Run("ZeroForSamePoint", func(t *testing.T) {
		assert.Equal(t, 0.0, Distance(delhi, delhi))
	})

	t.Run("Symmetric", func(t *testing.T) {
		assert.InDelta(t, Distance(delhi, nearby), Distance(nearby, delhi), 1e-9)
	})

	t.Run("KnownShortDistance", func(t *testing.T) {
		// ~45 м между точками сценария из тестового прогона
		d := Distance(delhi, nearby)
		assert.InDelta(t, 45.0, d, 3.0)
	})

	t.Run("KnownLongDistance", func(t *testing.T) {
		// Дели -> Мумбаи, примерно 1150 км
		mumbai := models.Coords{Lat: 19.0760, Lon: 72.8777}
		d := Distance(delhi, mumbai)
		assert.InDelta(t, 1150000, d, 20000)
	})

	t.Run("TriangleInequality", func(t *testing.T) {
		a := models.Coords{Lat: 28.6129, Lon: 77.2295}
		b := models.Coords{Lat: 28.6500, Lon: 77.2500}
		c := models.Coords{Lat: 28.7000, Lon: 77.3000}

		// Допуск 1 м на сферических расстояниях до 10 км
		assert.LessOrEqual(t, Distance(a, c), Distance(a, b)+Distance(b, c)+1.0)
	})
}

func TestSpeed(t *testing.T) {
	t.Run("NormalSpeed", func(t *testing.T) {
		assert.InDelta(t, 1.5, Speed(45.0, 30.0), 1e-9)
	})

	t.Run("ZeroTimeDiff", func(t *testing.T) {
		assert.Equal(t, 0.0, Speed(100.0, 0))
	})

	t.Run("NegativeTimeDiff", func(t *testing.T) {
		assert.Equal(t, 0.0, Speed(100.0, -5))
	})
}

func TestHash(t *testing.T) {
	c := models.Coords{Lat: 28.6129, Lon: 77.2295}

	h := Hash(c, 6)
	assert.Len(t, h, 6)

	// Соседние точки попадают в один бакет на точности 5
	near := models.Coords{Lat: 28.6132, Lon: 77.2298}
	assert.Equal(t, Hash(c, 5), Hash(near, 5))
}
