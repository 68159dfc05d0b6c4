package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/arxfield/workflow-service/internal/config"
	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/executor"
	"github.com/arxfield/workflow-service/internal/manager"
	"github.com/arxfield/workflow-service/internal/monitor"
	"github.com/arxfield/workflow-service/internal/mqtt"
	"github.com/arxfield/workflow-service/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Port) == "" {
		slog.Error("missing required env", "key", "POSTGRES_PORT")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := executor.New(repo, executor.Options{
		Exporter: &executor.FSExporter{BaseDir: cfg.ExportDir},
	})
	eng := engine.New(repo, exec, engine.Options{QueueSize: cfg.QueueSize})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	mgr := manager.New(eng, repo, cfg.ScheduleCheckEvery)
	if err := mgr.Start(ctx); err != nil {
		slog.Error("manager start failed", "error", err)
		os.Exit(1)
	}

	mon := monitor.New(repo, eng, monitor.Options{
		CheckEvery:            cfg.MonitorEvery,
		FailureAlertWindow:    cfg.FailureAlertWindow,
		SlowWorkflowThreshold: cfg.SlowWorkflowThreshold,
		MinSuccessRate:        cfg.MinSuccessRate,
	})
	mon.Start(ctx)

	// The event bus is optional: without a broker the service still runs
	// schedules and direct executions.
	if strings.TrimSpace(cfg.MQTTBrokerURL) != "" {
		mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()

		subTopic := strings.TrimRight(cfg.EventTopicPrefix, "/") + "/#"
		prefix := strings.TrimRight(cfg.EventTopicPrefix, "/") + "/"
		if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
			if m.Retained() {
				return
			}
			eventType := strings.TrimPrefix(m.Topic(), prefix)
			var payload map[string]any
			if len(m.Payload()) > 0 {
				if err := json.Unmarshal(m.Payload(), &payload); err != nil {
					slog.Warn("unparseable event payload", "topic", m.Topic(), "error", err)
					return
				}
			}
			started := mgr.FireEvent(ctx, eventType, payload)
			for _, executionID := range started {
				if err := mq.PublishJSON(cfg.StatusTopic, map[string]any{
					"execution_id": executionID,
					"event_type":   eventType,
					"status":       "queued",
				}); err != nil {
					slog.Warn("status publish failed", "execution_id", executionID, "error", err)
				}
			}
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
			os.Exit(1)
		}
		slog.Info("event triggers subscribed", "topic", subTopic)
	} else {
		slog.Warn("MQTT_BROKER_URL not set, event triggers disabled")
	}

	slog.Info("workflow-service started", "workflows", len(eng.ListWorkflows()))

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
