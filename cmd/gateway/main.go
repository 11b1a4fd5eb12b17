package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/lock"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/store"
	"modbus-gateway/internal/topology"
)

func main() {
	var (
		configPath string
		envFile    string
		logLevel   string
		logFormat  string
		dryRun     bool
	)
	flag.StringVar(&configPath, "config", "config/gateway.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env", ".env", "Optional dotenv file with credentials")
	flag.StringVar(&logLevel, "log-level", "", "Override logging.level")
	flag.StringVar(&logFormat, "log-format", "", "Override logging.format (console|json)")
	flag.BoolVar(&dryRun, "dry-run", false, "Poll nothing; every point reads as unavailable")
	flag.Parse()

	cfg, err := config.LoadYAML(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if dryRun {
		cfg.Gateway.DryRun = true
	}

	log := newLogger(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func newLogger(c config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if c.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(cfg config.Root, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks := lock.NewRegistry()
	collector := metrics.NewCollector(cfg.Gateway.MetricsLockTimeout, log)

	sinks := publish.Multi{}
	var stateStore sensor.StateStore
	if cfg.Storage.Enabled {
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()
		stateStore = db
		sinks = append(sinks, db)
		log.Info().Str("path", cfg.Storage.Path).Msg("storage opened")
	}

	var mqttSink *publish.MQTTSink
	if cfg.MQTT.Enabled {
		mqttSink = publish.NewMQTT(publish.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
			Timeout:  cfg.MQTT.Timeout,
		}, log)
		sinks = append(sinks, mqttSink)
	} else {
		sinks = append(sinks, publish.LogSink{Log: log})
	}

	dedup := publish.NewDedup(cfg.Gateway.DedupTTL)
	topo, err := topology.Build(cfg, topology.Deps{
		Locks:     locks,
		Metrics:   collector,
		Publisher: publish.NewPublisher(sinks, dedup, log),
		Store:     stateStore,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	log.Info().
		Int("pollers", len(topo.Pollers)).
		Int("connections", len(topo.Transports)).
		Bool("dry_run", cfg.Gateway.DryRun).
		Msg("topology built")

	if mqttSink != nil {
		// a fresh broker session may have lost retained state
		mqttSink.OnConnect(func() {
			dedup.Forget()
			topo.ForceRepublish()
		})
		if err := topo.Subscribe(ctx, mqttSink); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		if err := mqttSink.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqttSink.Close()
	}

	applyOverrides(cfg.Gateway.Overrides, topo, log)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.Register(reg, collector, locks); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return topo.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				log.Info().Msg("reloading overrides")
				applyOverrides(cfg.Gateway.Overrides, topo, log)
			}
		}
	})
	if srv != nil {
		g.Go(func() error {
			log.Info().Str("listen", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("gateway shut down")
	return err
}

func applyOverrides(path string, topo *topology.Topology, log zerolog.Logger) {
	if path == "" {
		return
	}
	o, err := config.LoadOverrides(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("overrides not applied")
		return
	}
	topo.Apply(o)
	log.Info().Int("points", len(o)).Str("path", path).Msg("overrides applied")
}
