package kalman

import (
	"sync"

	"github.com/trackproc/trackproc/internal/models"
)

const (
	// DefaultProcessNoise шум процесса Q по умолчанию
	DefaultProcessNoise = 0.001
	// DefaultMeasurementNoise шум измерения R по умолчанию
	DefaultMeasurementNoise = 5.0

	// initialCovariance начальная ковариация ошибки новой записи устройства
	initialCovariance = 1.0
)

// deviceState состояние фильтра одного устройства: оценка координат
// и общая скалярная ковариация ошибки для обеих осей
type deviceState struct {
	lat float64
	lon float64
	p   float64
}

// Smoother сглаживает координаты устройств двумя независимыми одномерными
// фильтрами Калмана (широта и долгота как случайные блуждания).
// Состояние живет только в памяти процесса: рестарт эквивалентен
// сбросу по устареванию для каждого устройства.
type Smoother struct {
	mu     sync.Mutex
	states map[string]*deviceState

	q float64 // Шум процесса
	r float64 // Шум измерения
}

// NewSmoother создает сглаживатель с заданными шумами Q и R
func NewSmoother(processNoise, measurementNoise float64) *Smoother {
	if processNoise <= 0 {
		processNoise = DefaultProcessNoise
	}
	if measurementNoise <= 0 {
		measurementNoise = DefaultMeasurementNoise
	}
	return &Smoother{
		states: make(map[string]*deviceState),
		q:      processNoise,
		r:      measurementNoise,
	}
}

// Filter пропускает измерение через фильтр устройства и возвращает сглаженные координаты.
// Первое измерение после создания или сброса возвращается без изменений.
func (s *Smoother) Filter(deviceID string, z models.Coords) models.Coords {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[deviceID]
	if !ok {
		s.states[deviceID] = &deviceState{
			lat: z.Lat,
			lon: z.Lon,
			p:   initialCovariance,
		}
		return z
	}

	// Предсказание: ковариация растет на шум процесса
	pPred := state.p + s.q
	// Коэффициент усиления общий для обеих осей
	k := pPred / (pPred + s.r)

	state.lat = state.lat + k*(z.Lat-state.lat)
	state.lon = state.lon + k*(z.Lon-state.lon)
	// Ковариация скалярная, обновляется один раз на измерение
	state.p = (1 - k) * pPred

	return models.Coords{Lat: state.lat, Lon: state.lon}
}

// Reset сбрасывает состояние устройства, следующий Filter вернет вход без изменений
func (s *Smoother) Reset(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, deviceID)
}

// ClearAll сбрасывает состояние всех устройств
func (s *Smoother) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*deviceState)
}

// TrackedDevices возвращает количество устройств с активным состоянием фильтра
func (s *Smoother) TrackedDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
