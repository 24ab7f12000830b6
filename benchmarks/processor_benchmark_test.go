package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/trackproc/trackproc/internal/kalman"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/internal/track"
	"github.com/trackproc/trackproc/pkg/utils"
)

// echoMatcher матчер без сети для изоляции замера процессора
type echoMatcher struct{ confidence float64 }

func (m *echoMatcher) Match(ctx context.Context, points []mapmatch.Point) ([]mapmatch.MatchedPoint, error) {
	result := make([]mapmatch.MatchedPoint, len(points))
	for i, p := range points {
		result[i] = mapmatch.MatchedPoint{Coords: p.Coords, Confidence: m.confidence}
	}
	return result, nil
}

func (m *echoMatcher) IsHealthy(ctx context.Context) bool { return true }

// BenchmarkProcessorMovePath замеряет полный путь move: классификация,
// Kalman, окно матчинга, запись
func BenchmarkProcessorMovePath(b *testing.B) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	smoother := kalman.NewSmoother(kalman.DefaultProcessNoise, kalman.DefaultMeasurementNoise)
	proc := track.NewProcessor(memStore, &echoMatcher{confidence: 0.9}, smoother,
		track.DefaultConfig(), utils.NewLogger("error", "text"))

	base := time.Now().UTC()
	ids := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		id, err := memStore.InsertRaw(ctx, &models.RawSample{
			DeviceID:  fmt.Sprintf("dev-%d", i%16),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
			Coords:    models.Coords{Lat: 28.6 + float64(i)*0.0004, Lon: 77.2},
		})
		if err != nil {
			b.Fatal(err)
		}
		ids[i] = id
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := proc.Process(ctx, ids[i]); err != nil {
			b.Fatal(err)
		}
	}
}
