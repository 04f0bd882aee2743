package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/internal/api"
	"github.com/RMahshie/spectrascope/internal/config"
	"github.com/RMahshie/spectrascope/internal/metrics"
	"github.com/RMahshie/spectrascope/internal/repository"
	"github.com/RMahshie/spectrascope/internal/repository/postgres"
	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/internal/session"
	"github.com/RMahshie/spectrascope/internal/spectrum"
	"github.com/RMahshie/spectrascope/pkg/models"
)

const version = "1.0.0"

func main() {
	// Configure zerolog for structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(); err != nil {
		log.Error().Err(err).Msg("Spectrascope exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeDB, err := openRepository(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer closeDB()

	// Instrument
	client, err := scpi.Dial(ctx, cfg.Instrument.Address, scpi.WithTimeout(cfg.Instrument.Timeout))
	if err != nil {
		return fmt.Errorf("failed to connect to instrument: %w", err)
	}
	link := acquisition.NewLink(client)

	a := cfg.Acquisition
	gain, err := acquisition.NewGainState(link, a.Channels, a.AttenuationDefault, a.GainModes)
	if err != nil {
		client.Close()
		return err
	}
	controller := acquisition.NewController(link, gain, acquisition.Options{
		Channels:       a.Channels,
		Decimation:     a.Decimation,
		BaseSampleRate: a.BaseSampleRate,
		BufferSize:     a.BufferSize,
		TriggerSource:  a.TriggerSource,
		TriggerLevel:   a.TriggerLevel,
		TriggerDelay:   a.TriggerDelay,
		PollInterval:   a.PollInterval,
		TriggerTimeout: a.TriggerTimeout,
		FillTimeout:    a.FillTimeout,
		ParallelReads:  a.ParallelReads,
	})

	mode, err := spectrum.ParseMode(cfg.Spectrum.Mode)
	if err != nil {
		client.Close()
		return err
	}
	estimator, err := spectrum.NewEstimator(controller.SampleRate(), mode)
	if err != nil {
		client.Close()
		return err
	}

	m := metrics.New()
	hub := api.NewHub(cfg.Server.AllowedOrigins)
	defer hub.Close()

	options := []session.Option{session.WithMetrics(m), session.WithPresenter(hub)}
	if repo != nil {
		options = append(options, session.WithRepository(repo))
	}
	sess := session.New(session.Options{
		InstrumentAddress: cfg.Instrument.Address,
		Interval:          cfg.Session.Interval,
		Duration:          cfg.Session.Duration,
		HistorySize:       cfg.Session.HistorySize,
		RBW:               cfg.Spectrum.RBWDefault,
		RBWMin:            cfg.Spectrum.RBWMin,
		RBWMax:            cfg.Spectrum.RBWMax,
		RBWPolicy:         cfg.Spectrum.RBWPolicy,
	}, controller, gain, estimator, options...)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(cfg, sess, repo, hub, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting Spectrascope API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	type result struct {
		stats models.SessionStats
		err   error
	}
	sessionDone := make(chan result, 1)
	go func() {
		stats, err := sess.Run(ctx)
		sessionDone <- result{stats, err}
	}()

	var runErr error
	select {
	case res := <-sessionDone:
		runErr = res.err
		log.Info().
			Str("session_id", res.stats.ID).
			Int("acquisitions", res.stats.Acquisitions).
			Int("skipped_ticks", res.stats.SkippedTicks).
			Msg("Acquisition session finished")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
		stop()
		<-sess.Done()
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// openRepository connects to Postgres when DATABASE_URL is set. Without it
// the session runs unpersisted.
func openRepository(ctx context.Context, url string) (repository.SessionRepository, func(), error) {
	if url == "" {
		log.Warn().Msg("DATABASE_URL not set, acquisitions will not be persisted")
		return nil, func() {}, nil
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewPostgresSessionRepository(db), func() { db.Close() }, nil
}

func newRouter(cfg *config.Config, sess *session.Session, repo repository.SessionRepository, hub *api.Hub, m *metrics.Metrics) http.Handler {
	// Create Chi router
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(zerologLogger())
	router.Use(middleware.Recoverer)
	router.Use(middleware.Compress(5))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create Huma API
	humaConfig := huma.DefaultConfig("Spectrascope API", version)
	humaConfig.DocsPath = "/api/docs"
	humaAPI := humachi.New(router, humaConfig)

	// Register health endpoint
	huma.Register(humaAPI, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service",
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		resp := &models.HealthResponse{}
		resp.Body.Status = "healthy"
		if !sess.Running() {
			resp.Body.Status = "idle"
		}
		resp.Body.Version = version
		resp.Body.Time = time.Now()
		return resp, nil
	})

	api.RegisterRoutes(router, humaAPI, sess, repo, hub, m)

	return router
}

// zerologLogger returns a Chi middleware that logs HTTP requests using zerolog
func zerologLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_ip", r.RemoteAddr).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("user_agent", r.UserAgent()).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
