package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoords_Validate(t *testing.T) {
	tests := []struct {
		name    string
		coords  Coords
		wantErr bool
	}{
		{"Valid", Coords{Lat: 28.6129, Lon: 77.2295}, false},
		{"ZeroZero", Coords{}, false},
		{"LatBoundary", Coords{Lat: 90, Lon: 180}, false},
		{"NegativeBoundary", Coords{Lat: -90, Lon: -180}, false},
		{"LatTooBig", Coords{Lat: 90.1, Lon: 0}, true},
		{"LonTooBig", Coords{Lat: 0, Lon: 180.1}, true},
		{"NaN", Coords{Lat: math.NaN(), Lon: 0}, true},
		{"Inf", Coords{Lat: 0, Lon: math.Inf(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.coords.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRawSample_Validate(t *testing.T) {
	valid := RawSample{
		DeviceID:  "dev-1",
		Timestamp: time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC),
		Coords:    Coords{Lat: 28.6129, Lon: 77.2295},
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("MissingDeviceID", func(t *testing.T) {
		s := valid
		s.DeviceID = ""
		assert.Error(t, s.Validate())
	})

	t.Run("MissingTimestamp", func(t *testing.T) {
		s := valid
		s.Timestamp = time.Time{}
		assert.Error(t, s.Validate())
	})

	t.Run("NegativeAccuracy", func(t *testing.T) {
		s := valid
		s.Metadata = RawMetadata{Accuracy: -1, HasAccuracy: true}
		assert.Error(t, s.Validate())
	})

	t.Run("AccuracyZeroIsValid", func(t *testing.T) {
		s := valid
		s.Metadata = RawMetadata{Accuracy: 0, HasAccuracy: true}
		assert.NoError(t, s.Validate())
	})
}
