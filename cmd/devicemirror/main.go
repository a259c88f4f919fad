package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/devicemirror/internal/bridge"
	"github.com/zsiec/devicemirror/internal/config"
	"github.com/zsiec/devicemirror/internal/dashboard"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/health"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/registry"
	"github.com/zsiec/devicemirror/internal/server"
	"github.com/zsiec/devicemirror/pkg/decoder"
	"github.com/zsiec/devicemirror/pkg/mirror"
	"github.com/zsiec/devicemirror/pkg/version"
)

// staleFrameWindow marks a streaming session degraded after this long without
// a new frame. The device only sends frames when the screen changes.
const staleFrameWindow = time.Minute

func main() {
	var (
		configPath  string
		showVersion bool
		showDash    bool
		mode        string
		address     string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults and DEVMIRROR_* environment when empty)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showDash, "dashboard", false, "Show the terminal dashboard")
	flag.StringVar(&mode, "mode", "", "Session mode override: threaded or unthreaded")
	flag.StringVar(&address, "addr", "", "Forwarded video socket address override")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if showDash {
		cfg.Dashboard.Enabled = true
	}
	if mode != "" {
		cfg.Session.Mode = mode
	}
	if address != "" {
		cfg.Bridge.Address = address
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.Dashboard.Enabled && (cfg.Logging.Output == "stdout" || cfg.Logging.Output == "stderr") {
		// The dashboard owns the terminal.
		log.SetOutput(io.Discard)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting devicemirror")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("devicemirror exited with error")
		os.Exit(1)
	}
	log.Info("devicemirror shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	base := logger.NewLogrusAdapter(logger.ForService(log))

	sessionMode, err := mirror.ParseMode(cfg.Session.Mode)
	if err != nil {
		return err
	}

	var current atomic.Pointer[mirror.Session]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var reg registry.Registry = registry.NewMemoryRegistry(cfg.Registry.TTL)
	var redisClient *redis.Client
	if cfg.Registry.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		reg = registry.NewRedisRegistry(redisClient, base, cfg.Registry.TTL)
	}
	defer reg.Close()

	var statusAddr string
	if cfg.Server.Enabled {
		srv := server.New(&cfg.Server, log, func() server.SessionSource {
			if s := current.Load(); s != nil {
				return s
			}
			return nil
		})
		srv.RegisterChecker(health.NewFFmpegChecker(cfg.Decoder.FFmpegPath))
		srv.RegisterChecker(health.NewSessionChecker(func() health.SessionView {
			if s := current.Load(); s != nil {
				return s
			}
			return nil
		}, staleFrameWindow))
		if redisClient != nil {
			srv.RegisterChecker(health.NewRedisChecker(redisClient))
		}
		srv.SetDirectory(reg)
		statusAddr = srv.Addr()
		g.Go(func() error { return srv.Start(ctx) })
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics, base) })
	}

	if cfg.Dashboard.Enabled {
		dash := dashboard.New(func() dashboard.Source {
			if s := current.Load(); s != nil {
				return s
			}
			return nil
		}, cfg.Dashboard.RefreshInterval)
		g.Go(func() error {
			err := dashboard.Run(ctx, dash)
			cancel()
			return err
		})
	}

	g.Go(func() error {
		defer cancel()

		dialer := bridge.NewDialer(cfg.Bridge, cfg.Protocol.ExpectDummyByte, base)
		conn, err := dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s, err := mirror.Start(ctx, conn, mirror.Options{
			Mode: sessionMode,
			NewDecoder: decoder.FFmpegFactory(decoder.FFmpegOptions{
				Path:         cfg.Decoder.FFmpegPath,
				Threads:      cfg.Decoder.Threads,
				StartTimeout: cfg.Decoder.StartTimeout,
				Logger:       base,
			}),
			// The dialer has already consumed the dummy byte.
			ExpectDummyByte: false,
			MaxPacketSize:   cfg.Protocol.MaxPacketSize,
			Logger:          base,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		current.Store(s)

		pubCtx, stopPublishing := context.WithCancel(ctx)
		published := make(chan struct{})
		go func() {
			defer close(published)
			pub := registry.NewPublisher(reg, cfg.Registry.HeartbeatInterval, base)
			rec := registry.NewRecord(s.ID(), s.Info(), s.Mode(), statusAddr)
			if err := pub.Run(pubCtx, rec, func() registry.Heartbeat {
				return registry.HeartbeatFromStats(s.Stats())
			}); err != nil {
				base.WithError(err).Warn("Failed to register session")
			}
		}()
		defer func() {
			stopPublishing()
			<-published
		}()

		return consume(ctx, s, cfg.Session.PullTimeout)
	})

	return g.Wait()
}

// consume keeps the session running until it ends or ctx is done. In
// unthreaded mode it is the pull loop that drives decoding.
func consume(ctx context.Context, s *mirror.Session, pullTimeout time.Duration) error {
	if s.Mode() == mirror.Threaded {
		select {
		case <-s.Done():
		case <-ctx.Done():
			_ = s.Stop()
		}
		return sessionResult(s.Err())
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Stop() })
	defer stop()
	for {
		f, err := s.GetLatestFrame(pullTimeout)
		if err != nil {
			return sessionResult(err)
		}
		if f != nil {
			continue
		}
		select {
		case <-s.Done():
			return sessionResult(s.Err())
		default:
		}
	}
}

// sessionResult maps a clean close to nil.
func sessionResult(err error) error {
	if err == nil || !apperrors.IsFatal(err) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", srv.Addr).Info("Starting metrics server")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
