package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config конфигурация всего процесса
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	MySQL       MySQLConfig
	OSRM        OSRMConfig
	Kalman      KalmanConfig
	Pipeline    PipelineConfig
	Queue       QueueConfig
	Monitoring  MonitoringConfig
}

// ServerConfig настройки HTTP сервера приема измерений
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig настройки быстрого хранилища измерений
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// MQTTConfig настройки опционального MQTT транспорта приема
type MQTTConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	TopicPrefix  string
	Enabled      bool
}

// MySQLConfig настройки долговременного хранилища
type MySQLConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
	Enabled      bool
}

// OSRMConfig настройки клиента map-matching
type OSRMConfig struct {
	BaseURL string
	Timeout time.Duration
}

// KalmanConfig параметры сглаживающего фильтра
type KalmanConfig struct {
	ProcessNoise     float64 // Q
	MeasurementNoise float64 // R
}

// PipelineConfig пороги классификации трек-процессора
type PipelineConfig struct {
	StopThresholdMeters float64       // Ниже порога - склейка остановки
	MaxLastLocationAge  time.Duration // Выше порога - сброс фильтра
	ContextPoints       int           // Окно точек для map-matching
	MinConfidence       float64       // Минимальная уверенность для принятия OSRM координат
}

// QueueConfig настройки очереди заданий и пула воркеров
type QueueConfig struct {
	Workers            int
	MaxRetries         int
	BaseBackoff        time.Duration
	RateLimit          float64 // Стартов заданий в секунду на весь процесс
	RateBurst          int
	RetainCompleted    int
	RetainCompletedFor time.Duration
	RetainFailed       int
}

// MonitoringConfig настройки метрик
type MonitoringConfig struct {
	MetricsEnabled bool
	MetricsPort    string
}

// Load собирает конфигурацию из переменных окружения с документированными дефолтами
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 100),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 10),
		},
		MQTT: MQTTConfig{
			URL:          getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:     getEnv("MQTT_CLIENT_ID", "trackproc"),
			Username:     getEnv("MQTT_USERNAME", ""),
			Password:     getEnv("MQTT_PASSWORD", ""),
			CleanSession: getBool("MQTT_CLEAN_SESSION", false),
			TopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", "tracks/+/raw"),
			Enabled:      getBool("MQTT_ENABLED", false),
		},
		MySQL: MySQLConfig{
			DSN:          getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 100),
			Enabled:      getBool("MYSQL_ENABLED", false),
		},
		OSRM: OSRMConfig{
			BaseURL: getEnv("OSRM_BASE_URL", "http://localhost:5000"),
			Timeout: getDuration("OSRM_TIMEOUT", 5*time.Second),
		},
		Kalman: KalmanConfig{
			ProcessNoise:     getFloat("KALMAN_Q", 0.001),
			MeasurementNoise: getFloat("KALMAN_R", 5.0),
		},
		Pipeline: PipelineConfig{
			StopThresholdMeters: getFloat("STOP_THRESHOLD_METERS", 5.0),
			MaxLastLocationAge:  time.Duration(getInt("MAX_LAST_LOCATION_AGE_SECONDS", 300)) * time.Second,
			ContextPoints:       getInt("OSRM_CONTEXT_POINTS", 10),
			MinConfidence:       getFloat("OSRM_MIN_CONFIDENCE", 0.5),
		},
		Queue: QueueConfig{
			Workers:            getInt("WORKER_CONCURRENCY", 10),
			MaxRetries:         getInt("QUEUE_MAX_RETRIES", 3),
			BaseBackoff:        getDuration("QUEUE_BASE_BACKOFF", 2*time.Second),
			RateLimit:          getFloat("QUEUE_RATE_LIMIT", 100),
			RateBurst:          getInt("QUEUE_RATE_BURST", 100),
			RetainCompleted:    getInt("QUEUE_RETAIN_COMPLETED", 1000),
			RetainCompletedFor: getDuration("QUEUE_RETAIN_COMPLETED_FOR", 24*time.Hour),
			RetainFailed:       getInt("QUEUE_RETAIN_FAILED", 5000),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
			MetricsPort:    getEnv("METRICS_PORT", "9090"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет инварианты конфигурации до старта процесса
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.OSRM.BaseURL == "" {
		return fmt.Errorf("OSRM_BASE_URL is required")
	}

	if c.OSRM.Timeout <= 0 || c.OSRM.Timeout > 5*time.Second {
		return fmt.Errorf("OSRM_TIMEOUT must be within (0s, 5s]")
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES cannot be negative")
	}

	if c.Queue.RateLimit <= 0 {
		return fmt.Errorf("QUEUE_RATE_LIMIT must be positive")
	}

	if c.Pipeline.StopThresholdMeters < 0 {
		return fmt.Errorf("STOP_THRESHOLD_METERS cannot be negative")
	}

	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("OSRM_MIN_CONFIDENCE must be between 0 and 1")
	}

	if c.Pipeline.ContextPoints < 3 {
		return fmt.Errorf("OSRM_CONTEXT_POINTS must be at least 3")
	}

	if c.Kalman.ProcessNoise <= 0 || c.Kalman.MeasurementNoise <= 0 {
		return fmt.Errorf("KALMAN_Q and KALMAN_R must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel возвращает настроенный уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логов ("json" или "text")
func LogFormat() string {
	return getEnv("LOG_FORMAT", "text")
}
