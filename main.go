package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mjasion/balena-home/battery-guard/actuator"
	"github.com/mjasion/balena-home/battery-guard/alert"
	"github.com/mjasion/balena-home/battery-guard/battery"
	"github.com/mjasion/balena-home/battery-guard/config"
	"github.com/mjasion/balena-home/battery-guard/control"
	"github.com/mjasion/balena-home/battery-guard/health"
	"github.com/mjasion/balena-home/battery-guard/hoststat"
	"github.com/mjasion/balena-home/battery-guard/metrics"
	"github.com/mjasion/balena-home/battery-guard/profiling"
	"github.com/mjasion/balena-home/battery-guard/telemetry"
	"github.com/mjasion/balena-home/battery-guard/tuya"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Loading configuration", zap.String("path", configPath))
	logger.Info("Configuration loaded successfully", zap.Any("config", cfg.Redacted()))

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Error shutting down profiler", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down OpenTelemetry providers", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		buf    *metrics.RingBuffer[metrics.Sample]
		pusher *metrics.Pusher
	)
	if cfg.RemoteWrite.Enabled {
		buf = metrics.NewRingBuffer[metrics.Sample](cfg.RemoteWrite.BufferSize, logger)
		pusher = metrics.NewPusher(metrics.PusherConfig{
			URL:          cfg.RemoteWrite.URL,
			Username:     cfg.RemoteWrite.Username,
			Password:     cfg.RemoteWrite.Password,
			PushInterval: time.Duration(cfg.RemoteWrite.PushIntervalSeconds) * time.Second,
		}, buf, logger)
	}

	recorder, err := metrics.NewRecorder(reg, buf, staticLabels())
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	transports, closeTransports, err := buildTransports(ctx, &cfg.Actuator, logger)
	if err != nil {
		return err
	}
	defer closeTransports()

	dispatcher, err := actuator.NewDispatcher(logger, transports...)
	if err != nil {
		return err
	}
	dispatcher.SetLocalAttemptTimeout(time.Duration(cfg.Actuator.LocalAttemptTimeoutSeconds) * time.Second)
	for i, t := range dispatcher.Transports() {
		logger.Info("actuator transport registered",
			zap.Int("order", i),
			zap.String("transport", t.Name()),
			zap.String("path", string(t.Path())),
		)
	}

	manager := control.NewManager(
		battery.NewSysfsProvider(cfg.Battery.PowerSupplyPath, logger),
		dispatcher,
		alert.NewScriptSink(cfg.Alert.Script, time.Duration(cfg.Alert.TimeoutSeconds)*time.Second, logger),
		controlOptions(cfg, recorder, hostReader(cfg, logger)),
		logger,
	)

	if cfg.Battery.AutoStart {
		if _, err := manager.Start(cfg.ControlConfig()); err != nil {
			return fmt.Errorf("failed to start control loop: %w", err)
		}
	} else {
		logger.Info("auto start disabled, send SIGHUP to start the control loop")
	}

	var pushTracker health.PushTracker
	if pusher != nil {
		pushTracker = pusher
	}
	server := health.NewServer(manager, pushTracker, reg, health.Options{
		Port:         cfg.Server.Port,
		PushInterval: time.Duration(cfg.RemoteWrite.PushIntervalSeconds) * time.Second,
		AccessLog:    cfg.Logging.Level == "debug",
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})
	if pusher != nil {
		g.Go(func() error { return pusher.Run(gctx) })
	}
	g.Go(func() error {
		reloadOnHangup(gctx, configPath, manager, logger)
		return nil
	})

	logger.Info("Service started", zap.Int("port", cfg.Server.Port))
	err = g.Wait()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := manager.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("background tasks still running at shutdown", zap.Error(serr))
	}
	if pusher != nil {
		pusher.Flush(shutdownCtx)
	}

	logger.Info("Shutdown complete")
	return err
}

// buildTransports creates every configured transport. The returned func closes
// the ones holding connections.
func buildTransports(ctx context.Context, cfg *config.ActuatorConfig, logger *zap.Logger) ([]actuator.Transport, func(), error) {
	var (
		transports []actuator.Transport
		closers    []func(context.Context) error
	)
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, c := range closers {
			if err := c(closeCtx); err != nil {
				logger.Warn("failed to close transport", zap.Error(err))
			}
		}
	}

	if cfg.Local.Enabled() {
		t, err := actuator.NewHTTPTransport(actuator.HTTPConfig{
			Kind:     cfg.Local.Kind,
			BaseURL:  cfg.Local.Address,
			Channel:  cfg.Local.Channel,
			Username: cfg.Local.Username,
			Password: cfg.Local.Password,
			Timeout:  time.Duration(cfg.Local.TimeoutSeconds * float64(time.Second)),
		})
		if err != nil {
			return nil, closeAll, fmt.Errorf("local plug: %w", err)
		}
		transports = append(transports, t)
	}

	if cfg.MQTT.Enabled() {
		t, err := actuator.NewMQTTTransport(ctx, actuator.MQTTConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Topic:          cfg.MQTT.Topic,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("mqtt plug: %w", err)
		}
		transports = append(transports, t)
		closers = append(closers, t.Close)
	}

	if cfg.Tuya.Enabled() {
		client := tuya.NewClient(cfg.Tuya.BaseURL, cfg.Tuya.AccessKey, cfg.Tuya.SecretKey,
			time.Duration(cfg.Tuya.TimeoutSeconds*float64(time.Second)))
		sw := tuya.NewSwitch(client, cfg.Tuya.DeviceID, cfg.Tuya.SwitchCode)
		logDeviceDetail(ctx, sw, logger)
		transports = append(transports, sw)
	}

	return transports, closeAll, nil
}

// logDeviceDetail looks the cloud device up once; failure only warns since the
// cloud path is a fallback.
func logDeviceDetail(ctx context.Context, sw *tuya.Switch, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	detail, err := sw.Detail(ctx)
	if err != nil {
		logger.Warn("failed to fetch tuya device detail", zap.Error(err))
		return
	}
	logger.Info("tuya device",
		zap.String("id", detail.ID),
		zap.String("name", detail.Name),
		zap.String("product", detail.ProductName),
		zap.Bool("online", detail.Online),
	)
}

// hostReader returns nil when procfs is not mounted, the loop then runs without host stats
func hostReader(cfg *config.Config, logger *zap.Logger) control.HostReader {
	r, err := hoststat.NewReader(cfg.Battery.ProcPath, cfg.Battery.SysPath, logger)
	if err != nil {
		logger.Warn("host stats disabled", zap.Error(err))
		return nil
	}
	return r
}

func controlOptions(cfg *config.Config, observer control.Observer, host control.HostReader) control.Options {
	return control.Options{
		CriticalPercent: cfg.Battery.CriticalPercent,
		LogEvery:        cfg.Battery.LogInterval,
		DispatchTimeout: time.Duration(cfg.Actuator.DispatchTimeoutSeconds) * time.Second,
		AlertTimeout:    time.Duration(cfg.Alert.TimeoutSeconds) * time.Second,
		Observer:        observer,
		Host:            host,
	}
}

// reloadOnHangup re-reads the config on SIGHUP and restarts the loop with the new
// thresholds and interval. An invalid file leaves the running loop untouched.
func reloadOnHangup(ctx context.Context, configPath string, manager *control.Manager, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed, keeping current loop", zap.Error(err))
				continue
			}
			h, err := manager.Start(cfg.ControlConfig())
			if err != nil {
				logger.Error("failed to restart control loop", zap.Error(err))
				continue
			}
			d := h.Descriptor()
			logger.Info("control loop reloaded",
				zap.Float64("keep_min", d.Min),
				zap.Float64("keep_max", d.Max),
				zap.Int64("interval_ms", d.IntervalMs),
			)
		}
	}
}

func staticLabels() map[string]string {
	host, err := os.Hostname()
	if err != nil {
		return nil
	}
	return map[string]string{"host": host}
}
