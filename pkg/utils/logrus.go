package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logrus строит logrus.Entry с теми же уровнем, форматом и выводом, что
// у самого логгера. Компоненты на logrus (websocket, mapmatch) получают
// свой entry отсюда, а не через logrus.New(), чтобы LOG_LEVEL/LOG_FORMAT
// управляли всем деревом одинаково.
func (l *Logger) Logrus(component string) *logrus.Entry {
	lg := logrus.New()
	lg.SetOutput(os.Stdout)
	lg.SetLevel(logrusLevel(l.level))
	if l.json {
		lg.SetFormatter(&logrus.JSONFormatter{})
	}
	return lg.WithField("component", component)
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
