package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/thistle/config"
	findingservice "github.com/Ramsey-B/thistle/internal/services/finding"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/locks"
	"github.com/Ramsey-B/thistle/pkg/middleware"
	findingroutes "github.com/Ramsey-B/thistle/pkg/routes/finding"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/startup"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/tracing/exporters"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, sync, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

// server holds the components the startup dependencies build.
type server struct {
	cfg       *config.Config
	logger    ectologger.Logger
	directory *tenancy.Directory
	registry  *tenancy.Registry
	locks     *locks.Client
	producer  *events.Producer
	checker   *health.Checker
	echo      *echo.Echo
}

func serve(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	provider, err := newTracerProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
	}()

	s := &server{cfg: cfg, logger: logger}
	runner := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	for _, dep := range s.dependencies() {
		runner.AddDependency(dep)
	}

	if err := runner.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = runner.Stop(stopCtx)
		return err
	}
	s.checker.SetReady(true)
	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutting down")
	s.checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return runner.Stop(stopCtx)
}

func (s *server) dependencies() []startup.StartupDependency {
	deps := []startup.StartupDependency{
		&startup.Dependency{
			Name:      "tenancy",
			StartFunc: s.startTenancy,
		},
		&startup.Dependency{
			Name:      "registry",
			Requires:  []string{"tenancy"},
			StartFunc: s.startRegistry,
			StopFunc: func(ctx context.Context) error {
				return s.registry.Close()
			},
		},
	}

	httpRequires := []string{"registry"}
	if s.cfg.RedisEnabled {
		deps = append(deps, &startup.Dependency{
			Name:      "redis",
			StartFunc: s.startRedis,
			StopFunc: func(ctx context.Context) error {
				return s.locks.Close()
			},
		})
		httpRequires = append(httpRequires, "redis")
	}
	if s.cfg.KafkaEnabled {
		deps = append(deps, &startup.Dependency{
			Name:      "kafka",
			StartFunc: s.startKafka,
			StopFunc: func(ctx context.Context) error {
				return s.producer.Close()
			},
		})
		httpRequires = append(httpRequires, "kafka")
	}

	return append(deps, &startup.Dependency{
		Name:      "http",
		Requires:  httpRequires,
		StartFunc: s.startHTTP,
		StopFunc: func(ctx context.Context) error {
			return s.echo.Shutdown(ctx)
		},
	})
}

func (s *server) startTenancy(ctx context.Context) error {
	directory, err := tenancy.LoadDirectory(s.cfg.TenancyConfigPath)
	if err != nil {
		return err
	}
	s.directory = directory

	migrator := newMigrator(s.cfg, s.logger)
	if !s.cfg.DatabaseMigrateOnConnect {
		migrator = nil
	}
	dialer := tenancy.NewSQLDialer(s.logger, poolConfig(s.cfg), migrator)
	s.registry = tenancy.NewRegistry(directory, dialer, s.logger)

	s.logger.WithFields(map[string]any{
		"targets": len(directory.Targets()),
		"tenants": len(directory.Tenants()),
		"default": directory.DefaultTarget().Name,
	}).Info("Loaded tenant directory")
	return nil
}

// startRegistry connects the default target so a broken default fails startup.
// Other targets connect on first use.
func (s *server) startRegistry(ctx context.Context) error {
	_, err := s.registry.GetConnection(ctx, s.directory.DefaultTarget().Name)
	return err
}

func (s *server) startRedis(ctx context.Context) error {
	client, err := locks.NewClient(ctx, locks.Config{
		Host:     s.cfg.RedisHost,
		Port:     s.cfg.RedisPort,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	}, s.logger)
	if err != nil {
		return err
	}
	s.locks = client
	return nil
}

func (s *server) startKafka(ctx context.Context) error {
	producer, err := events.NewProducer(events.ProducerConfig{
		Brokers: strings.Split(s.cfg.KafkaBrokers, ","),
		Topic:   s.cfg.KafkaFindingsTopic,
	}, s.logger)
	if err != nil {
		return err
	}
	s.producer = producer
	return nil
}

func (s *server) startHTTP(ctx context.Context) error {
	var opts []findingservice.Option
	var redisPinger health.Pinger
	if s.locks != nil {
		opts = append(opts, findingservice.WithLocker(locks.NewLocker(s.locks, s.cfg.AppName+":lock:", s.cfg.IngestLockTTL, s.cfg.IngestLockWait)))
		redisPinger = s.locks
	}
	if s.producer != nil {
		opts = append(opts, findingservice.WithPublisher(s.producer))
	}
	service := findingservice.NewService(s.registry, s.logger, opts...)
	s.checker = health.NewChecker(s.registry, redisPinger, Version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(s.logger)
	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(s.cfg.AppName))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: s.cfg.AllowOrigins,
		AllowMethods: s.cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(s.logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.checker.RegisterRoutes(e)
	findingroutes.NewHandler(service).RegisterRoutes(e)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	e.Listener = listener

	e.Server.ReadTimeout = time.Duration(s.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(s.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(s.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(s.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = s.cfg.MaxHeaderBytes

	go func() {
		// Shutdown stops e.Server, so serve that one
		if err := e.StartServer(e.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	s.echo = e
	return nil
}

func newTracerProvider(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter = &exporters.LogExporter{Logger: logger}
	if cfg.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	}
	return tracing.NewProvider(cfg.AppName, exporter), nil
}
