package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/unph4914/RTES-Final-Project/internal/config"
	"github.com/unph4914/RTES-Final-Project/internal/hardware"
	"github.com/unph4914/RTES-Final-Project/internal/lifecycle"
	"github.com/unph4914/RTES-Final-Project/internal/rtsched"
	"github.com/unph4914/RTES-Final-Project/internal/schedule"
	"github.com/unph4914/RTES-Final-Project/internal/sequencer"
	"github.com/unph4914/RTES-Final-Project/internal/shared"
	"github.com/unph4914/RTES-Final-Project/internal/telemetry"
)

const (
	shutdownTimeout = 5 * time.Second
	logQueueSize    = 1024
)

func runDaemon(ctx context.Context, opts rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, logOutput)
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger.Info("starting parkingd",
		"instance_id", cfg.InstanceID,
		"run_id", runID,
		"config", opts.configPath,
		"simulate", cfg.Hardware.Simulate,
		"realtime", cfg.Realtime.Enabled,
	)

	policy, err := rtsched.ParsePolicy(cfg.Realtime.Policy)
	if err != nil {
		return err
	}
	var binder rtsched.Binder = rtsched.Nop{}
	if cfg.Realtime.Enabled {
		binder = rtsched.Default()
	}
	if online, err := rtsched.OnlineCPUs(); err == nil {
		logger.Info("cpus online", "count", len(online), "pinned_to", cfg.Realtime.CPUs)
	}

	state := &shared.State{}
	hw, err := hardware.Open(cfg.Hardware, state, logger)
	if err != nil {
		return fmt.Errorf("failed to open hardware: %w", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			logger.Warn("failed to release hardware", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	logQueue := telemetry.NewQueue(telemetry.NewLogRecorder(logger), logQueueSize, logger)
	logQueue.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := logQueue.Close(closeCtx); err != nil {
			logger.Warn("record log did not flush", "error", err)
		}
	}()
	recorders := telemetry.Fanout{logQueue, metrics}

	if cfg.Telemetry.MQTT.Broker != "" {
		mqttRec, client, err := startMQTT(ctx, cfg, runID, logger)
		if err != nil {
			// timing records still reach the log and the metrics
			logger.Warn("mqtt telemetry disabled", "broker", cfg.Telemetry.MQTT.Broker, "error", err)
		} else {
			recorders = append(recorders, mqttRec)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := mqttRec.Close(closeCtx); err != nil {
					logger.Warn("mqtt recorder did not flush", "error", err)
				}
				client.Disconnect(250)
			}()
		}
	}

	var server *telemetry.Server
	if cfg.Telemetry.HTTPAddr != "" {
		server = telemetry.NewServer(cfg.Telemetry.HTTPAddr, cfg.InstanceID, runID, metrics.Registry(), logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutCtx); err != nil {
				logger.Warn("health server shutdown failed", "error", err)
			}
		}()
	}

	works := hw.Works()
	specs := make([]schedule.ServiceSpec, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		specs = append(specs, schedule.ServiceSpec{
			Name:           sc.Name,
			Divisor:        uint64(sc.Divisor),
			PriorityOffset: sc.PriorityOffset,
			Work:           works[sc.Name],
		})
	}

	stop := &lifecycle.Flag{}
	sched, err := schedule.New(schedule.Config{
		BasePeriod:  cfg.BasePeriod(),
		MaxRetries:  cfg.Sequencer.MaxSleepRetries,
		MaxCycles:   opts.cycles,
		Policy:      policy,
		CPUs:        cfg.Realtime.CPUs,
		SettleDelay: cfg.Realtime.SettleDelay,
		Services:    specs,
		Binder:      binder,
		Sleeper:     sequencer.DefaultSleeper(),
		Recorder:    recorders,
		Observer:    metrics,
		Logger:      logger,
		RunID:       runID,
		OnRunning: func() {
			if server != nil {
				server.SetReady()
			}
			notifySystemd(logger, daemon.SdNotifyReady)
		},
	}, stop)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
			if server != nil {
				server.SetStopping()
			}
			notifySystemd(logger, daemon.SdNotifyStopping)
			stop.Set()
		case <-done:
		}
	}()

	if err := sched.Run(ctx); err != nil {
		logger.Error("schedule failed", "error", err)
		return err
	}

	st := sched.Sequencer().Stats()
	logger.Info("parkingd stopped",
		"cycles", st.Cycles,
		"sleep_interruptions", st.Interruptions,
		"retry_exhaustions", st.Exhaustions,
		"lateness_max", st.LatenessMax,
	)
	return nil
}

func startMQTT(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (*telemetry.MQTTRecorder, mqtt.Client, error) {
	clientID := fmt.Sprintf("%s-%s", cfg.InstanceID, runID[:8])
	client, err := telemetry.ConnectMQTT(ctx, telemetry.ConnectOptions{
		Broker:   cfg.Telemetry.MQTT.Broker,
		ClientID: clientID,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	rec := telemetry.NewMQTTRecorder(client, telemetry.MQTTOptions{
		Topic:     cfg.Telemetry.MQTT.Topic,
		QoS:       cfg.Telemetry.MQTT.QoS,
		QueueSize: cfg.Telemetry.MQTT.QueueSize,
	}, logger)
	rec.Start()
	return rec, client, nil
}

func notifySystemd(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}
