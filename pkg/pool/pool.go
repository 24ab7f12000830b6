package pool

import (
	"sync"

	"github.com/trackproc/trackproc/internal/mapmatch"
)

// matchWindowCap вместимость окна map-matching с запасом
const matchWindowCap = 16

// ObjectPools пулы переиспользуемых объектов горячего пути
type ObjectPools struct {
	// Окна точек для map-matching: собираются и освобождаются на каждое задание
	pointSlicePool sync.Pool
}

// Global пулы объектов процесса
var Global = &ObjectPools{
	pointSlicePool: sync.Pool{
		New: func() interface{} {
			s := make([]mapmatch.Point, 0, matchWindowCap)
			return &s
		},
	},
}

// GetPoints возвращает пустой слайс точек для окна матчинга
func (p *ObjectPools) GetPoints() *[]mapmatch.Point {
	s := p.pointSlicePool.Get().(*[]mapmatch.Point)
	*s = (*s)[:0]
	return s
}

// PutPoints возвращает слайс в пул. Вызывающий не должен держать
// ссылки на слайс после возврата.
func (p *ObjectPools) PutPoints(s *[]mapmatch.Point) {
	if s == nil || cap(*s) > 4*matchWindowCap {
		return
	}
	p.pointSlicePool.Put(s)
}
