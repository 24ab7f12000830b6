package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel важность записи
type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// ParseLevel разбирает уровень из конфигурации; незнакомые значения дают Info
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// String возвращает метку уровня для вывода
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// logField одно поле контекста; порядок добавления сохраняется в текстовом выводе
type logField struct {
	key   string
	value interface{}
}

// Logger структурный логгер пайплайна. Дочерние логгеры разделяют writer
// и мьютекс родителя, поля накапливаются по цепочке: логгер задания
// наследует поля логгера компонента.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  LogLevel
	json   bool
	fields []logField
}

// NewLogger создает логгер на stdout с уровнем и форматом из конфигурации
// ("text" или "json")
func NewLogger(level, format string) *Logger {
	return &Logger{
		mu:    &sync.Mutex{},
		out:   os.Stdout,
		level: ParseLevel(level),
		json:  strings.EqualFold(format, "json"),
	}
}

// child порождает логгер с добавленными полями, не трогая родителя
func (l *Logger) child(extra ...logField) *Logger {
	fields := make([]logField, 0, len(l.fields)+len(extra))
	fields = append(fields, l.fields...)
	fields = append(fields, extra...)
	return &Logger{mu: l.mu, out: l.out, level: l.level, json: l.json, fields: fields}
}

// WithField добавляет одно поле контекста
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(logField{key: key, value: value})
}

// WithFields добавляет набор полей; внутри набора поля упорядочиваются
// по ключу, чтобы вывод был детерминированным
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	extra := make([]logField, 0, len(fields))
	for k, v := range fields {
		extra = append(extra, logField{key: k, value: v})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].key < extra[j].key })
	return l.child(extra...)
}

// WithError добавляет поле error; nil не добавляет ничего
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.child(logField{key: "error", value: err.Error()})
}

// WithDevice помечает записи идентификатором устройства
func (l *Logger) WithDevice(deviceID string) *Logger {
	return l.child(logField{key: "device_id", value: deviceID})
}

// WithJob помечает записи идентификатором задания (id сырого измерения)
func (l *Logger) WithJob(rawSampleID string) *Logger {
	return l.child(logField{key: "raw_id", value: rawSampleID})
}

// Debug пишет отладочную запись
func (l *Logger) Debug(msg string) { l.emit(DebugLevel, msg) }

// Info пишет информационную запись
func (l *Logger) Info(msg string) { l.emit(InfoLevel, msg) }

// Warn пишет предупреждение
func (l *Logger) Warn(msg string) { l.emit(WarnLevel, msg) }

// Error пишет запись об ошибке
func (l *Logger) Error(msg string) { l.emit(ErrorLevel, msg) }

// Fatal пишет запись и завершает процесс
func (l *Logger) Fatal(msg string) {
	l.emit(FatalLevel, msg)
	os.Exit(1)
}

// emit форматирует и пишет одну запись
func (l *Logger) emit(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)

	var line []byte
	if l.json {
		record := make(map[string]interface{}, len(l.fields)+3)
		record["time"] = now
		record["level"] = level.String()
		record["msg"] = msg
		for _, f := range l.fields {
			record[f.key] = normalizeValue(f.value)
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			// Немаршалируемое поле не должно терять запись целиком
			encoded, _ = json.Marshal(map[string]interface{}{
				"time": now, "level": level.String(), "msg": msg,
				"log_error": err.Error(),
			})
		}
		line = encoded
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %-5s %s", now, level, msg)
		for _, f := range l.fields {
			fmt.Fprintf(&b, " %s=%v", f.key, normalizeValue(f.value))
		}
		line = []byte(b.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}

// normalizeValue приводит ошибки к строкам: json.Marshal для error
// молча дает "{}"
func normalizeValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}
