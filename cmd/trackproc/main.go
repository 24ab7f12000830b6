package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/handler"
	"github.com/trackproc/trackproc/internal/kalman"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/models"
	"github.com/trackproc/trackproc/internal/mqttingest"
	"github.com/trackproc/trackproc/internal/queue"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/internal/track"
	"github.com/trackproc/trackproc/pkg/utils"
)

var (
	// Version устанавливается при сборке через ldflags
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализируем логирование
	logger := utils.NewLogger(config.LogLevel(), config.LogFormat())
	logger.WithField("version", Version).Info("Starting track processing service")
	metrics.SetAppInfo(Version, Commit, BuildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Основное хранилище измерений
	redisStore, err := store.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize Redis store")
	}
	defer redisStore.Close()

	if err := redisStore.Ping(ctx); err != nil {
		logger.WithField("error", err).Fatal("Failed to connect to Redis")
	}
	metrics.RedisConnectionStatus.Set(1)
	logger.Info("Connected to Redis")

	// Долговременное зеркало в MySQL (опционально)
	var archiver *store.Archiver
	if cfg.MySQL.Enabled && cfg.MySQL.DSN != "" {
		mysqlStore, err := store.NewMySQLStore(&cfg.MySQL, logger)
		if err != nil {
			logger.WithField("error", err).Warn("Failed to initialize MySQL store")
		} else {
			defer mysqlStore.Close()
			if err := mysqlStore.Ping(ctx); err != nil {
				logger.WithField("error", err).Warn("Failed to connect to MySQL, archiving disabled")
			} else if err := mysqlStore.EnsureSchema(ctx); err != nil {
				logger.WithField("error", err).Warn("Failed to ensure MySQL schema, archiving disabled")
			} else {
				metrics.MySQLConnectionStatus.Set(1)
				archiver = store.NewArchiver(mysqlStore, logger, store.DefaultArchiverConfig())
				logger.Info("Connected to MySQL, archiving enabled")
			}
		}
	}

	// Коллабораторы пайплайна
	smoother := kalman.NewSmoother(cfg.Kalman.ProcessNoise, cfg.Kalman.MeasurementNoise)
	matcher := mapmatch.NewClient(cfg.OSRM.BaseURL, cfg.OSRM.Timeout, logger.Logrus("mapmatch"))

	if matcher.IsHealthy(ctx) {
		logger.WithField("base_url", cfg.OSRM.BaseURL).Info("OSRM map matcher is reachable")
	} else {
		// Пайплайн работает и без матчера, деградируя в kalman_fallback
		logger.WithField("base_url", cfg.OSRM.BaseURL).Warn("OSRM map matcher is unreachable")
	}

	processor := track.NewProcessor(redisStore, matcher, smoother, track.Config{
		StopThresholdMeters: cfg.Pipeline.StopThresholdMeters,
		MaxLastLocationAge:  cfg.Pipeline.MaxLastLocationAge,
		ContextPoints:       cfg.Pipeline.ContextPoints,
		MinConfidence:       cfg.Pipeline.MinConfidence,
	}, logger)

	// Очередь заданий с пулом воркеров
	jobQueue, err := queue.New(&cfg.Queue, logger, processor.Handle)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize job queue")
	}

	// HTTP сервер: прием измерений, чтение потоков, WebSocket трансляция
	server := handler.NewServer(cfg, redisStore, jobQueue, matcher, logger)

	// Подписчики на результаты пайплайна
	processor.OnProcessed(func(sample *models.ProcessedSample) {
		server.WebSocket().Broadcast(sample)
		if archiver != nil {
			archiver.QueueProcessed(sample)
		}
	})
	if archiver != nil {
		processor.OnStopUpdate(archiver.QueueStopUpdate)
		server.REST().OnRawAccepted(archiver.QueueRaw)
	}

	// MQTT транспорт приема (опционально)
	var mqttClient *mqttingest.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqttingest.NewClient(&cfg.MQTT, logger, func(sample *models.RawSample) error {
			id, err := redisStore.InsertRaw(ctx, sample)
			if err != nil {
				return err
			}
			sample.ID = id
			if archiver != nil {
				archiver.QueueRaw(sample)
			}
			return jobQueue.Enqueue(id)
		})
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to initialize MQTT client")
		}
		if err := mqttClient.Connect(); err != nil {
			logger.WithField("error", err).Warn("Failed to connect to MQTT broker, continuing without MQTT ingest")
		}
	}

	// Запускаем HTTP сервер
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.WithField("error", err).Fatal("HTTP server failed")
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	// Дренаж: сервер перестает принимать, воркеры дорабатывают текущие задания
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("HTTP server shutdown failed")
	}

	if mqttClient != nil {
		mqttClient.Disconnect()
	}

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("Job queue drain timed out")
	}

	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			logger.WithField("error", err).Error("Archiver drain timed out")
		}
	}

	// Состояние фильтров живет только в памяти: рестарт эквивалентен
	// сбросу по устареванию для каждого устройства
	smoother.ClearAll()

	logger.Info("Shutdown complete")
}
