package mqttingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackproc/trackproc/pkg/utils"
)

func TestParser_Parse(t *testing.T) {
	parser := NewParser(utils.NewLogger("error", "text"))

	t.Run("ValidPayload", func(t *testing.T) {
		payload := []byte(`{
			"device_id": "dev-1",
			"trip_id": "trip-9",
			"timestamp": "2024-05-10T10:00:00Z",
			"coords": {"lat": 28.6129, "lon": 77.2295},
			"metadata": {"accuracy": 12.5, "speed": 4.2}
		}`)

		sample, err := parser.Parse("tracks/dev-1/raw", payload)
		require.NoError(t, err)
		assert.Equal(t, "dev-1", sample.DeviceID)
		assert.Equal(t, "trip-9", sample.TripID)
		assert.InDelta(t, 28.6129, sample.Coords.Lat, 1e-9)
		assert.True(t, sample.Metadata.HasAccuracy)
		assert.InDelta(t, 12.5, sample.Metadata.Accuracy, 1e-9)
		assert.False(t, sample.ReceivedAt.IsZero())
	})

	t.Run("DeviceIDFromTopic", func(t *testing.T) {
		payload := []byte(`{
			"timestamp": "2024-05-10T10:00:00Z",
			"coords": {"lat": 28.6129, "lon": 77.2295}
		}`)

		sample, err := parser.Parse("tracks/dev-42/raw", payload)
		require.NoError(t, err)
		assert.Equal(t, "dev-42", sample.DeviceID)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		_, err := parser.Parse("tracks/dev-1/raw", []byte("\x01\x02 not json"))
		assert.Error(t, err)
	})

	t.Run("MissingTimestamp", func(t *testing.T) {
		payload := []byte(`{
			"device_id": "dev-1",
			"coords": {"lat": 28.6129, "lon": 77.2295}
		}`)
		_, err := parser.Parse("tracks/dev-1/raw", payload)
		assert.Error(t, err)
	})

	t.Run("OutOfRangeCoords", func(t *testing.T) {
		payload := []byte(`{
			"device_id": "dev-1",
			"timestamp": "2024-05-10T10:00:00Z",
			"coords": {"lat": 91.0, "lon": 77.2295}
		}`)
		_, err := parser.Parse("tracks/dev-1/raw", payload)
		assert.Error(t, err)
	})
}
