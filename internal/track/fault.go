package track

import "fmt"

// Fault ошибка обработки задания с признаком повторяемости.
// Очередь повторяет retriable-ошибки по своей политике backoff;
// non-retriable уходят в dead-letter без повторов.
type Fault struct {
	err       error
	retriable bool
}

// Error реализует error
func (f *Fault) Error() string {
	return f.err.Error()
}

// Unwrap раскрывает исходную ошибку для errors.Is/As
func (f *Fault) Unwrap() error {
	return f.err
}

// Retriable сообщает очереди, имеет ли смысл повтор
func (f *Fault) Retriable() bool {
	return f.retriable
}

// retriableFault оборачивает временную ошибку (хранилище, отсутствующий вход)
func retriableFault(format string, args ...interface{}) *Fault {
	return &Fault{err: fmt.Errorf(format, args...), retriable: true}
}

// permanentFault оборачивает нарушение инварианта: повтор бессмысленен
func permanentFault(format string, args ...interface{}) *Fault {
	return &Fault{err: fmt.Errorf(format, args...), retriable: false}
}
