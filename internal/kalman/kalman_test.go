package kalman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trackproc/trackproc/internal/models"
)

func TestSmoother_Filter(t *testing.T) {
	t.Run("FirstMeasurementUnchanged", func(t *testing.T) {
		s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)
		z := models.Coords{Lat: 28.6129, Lon: 77.2295}

		out := s.Filter("dev-1", z)
		assert.Equal(t, z, out)
		assert.Equal(t, 1, s.TrackedDevices())
	})

	t.Run("SecondMeasurementPulledTowardEstimate", func(t *testing.T) {
		s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)
		first := models.Coords{Lat: 28.6129, Lon: 77.2295}
		second := models.Coords{Lat: 28.6200, Lon: 77.2400}

		s.Filter("dev-1", first)
		out := s.Filter("dev-1", second)

		// Сглаженная точка лежит строго между оценкой и измерением
		assert.Greater(t, out.Lat, first.Lat)
		assert.Less(t, out.Lat, second.Lat)
		assert.Greater(t, out.Lon, first.Lon)
		assert.Less(t, out.Lon, second.Lon)
	})

	t.Run("ExactGainSequence", func(t *testing.T) {
		s := NewSmoother(0.001, 5.0)
		s.Filter("dev-1", models.Coords{Lat: 10, Lon: 20})
		out := s.Filter("dev-1", models.Coords{Lat: 11, Lon: 21})

		// P' = 1.001, K = 1.001/6.001
		k := 1.001 / 6.001
		assert.InDelta(t, 10+k, out.Lat, 1e-12)
		assert.InDelta(t, 20+k, out.Lon, 1e-12)
	})

	t.Run("DevicesAreIndependent", func(t *testing.T) {
		s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)
		s.Filter("dev-1", models.Coords{Lat: 10, Lon: 10})
		s.Filter("dev-1", models.Coords{Lat: 11, Lon: 11})

		z := models.Coords{Lat: 50, Lon: 50}
		out := s.Filter("dev-2", z)
		assert.Equal(t, z, out, "first measurement of another device must pass through")
	})

	t.Run("DeterministicAcrossInstances", func(t *testing.T) {
		seq := []models.Coords{
			{Lat: 28.6129, Lon: 77.2295},
			{Lat: 28.6132, Lon: 77.2298},
			{Lat: 28.6136, Lon: 77.2302},
			{Lat: 28.6140, Lon: 77.2308},
		}

		a := NewSmoother(0.001, 5.0)
		b := NewSmoother(0.001, 5.0)
		for _, z := range seq {
			outA := a.Filter("dev-1", z)
			outB := b.Filter("dev-1", z)
			assert.Equal(t, outA, outB)
		}
	})
}

func TestSmoother_Reset(t *testing.T) {
	s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)
	s.Filter("dev-1", models.Coords{Lat: 10, Lon: 10})
	s.Filter("dev-1", models.Coords{Lat: 11, Lon: 11})

	s.Reset("dev-1")

	z := models.Coords{Lat: 99, Lon: 99}
	out := s.Filter("dev-1", z)
	assert.Equal(t, z, out, "after reset the filter must echo its input")
}

func TestSmoother_ClearAll(t *testing.T) {
	s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)
	s.Filter("dev-1", models.Coords{Lat: 10, Lon: 10})
	s.Filter("dev-2", models.Coords{Lat: 20, Lon: 20})

	s.ClearAll()
	assert.Equal(t, 0, s.TrackedDevices())
}

func TestSmoother_ConcurrentAccess(t *testing.T) {
	s := NewSmoother(DefaultProcessNoise, DefaultMeasurementNoise)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				s.Filter(id, models.Coords{Lat: float64(j) * 0.001, Lon: float64(j) * 0.001})
			}
			s.Reset(id)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
