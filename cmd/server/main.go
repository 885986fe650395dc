// shoplens - conversational product discovery server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shoplens/internal/api"
	"github.com/ashureev/shoplens/internal/audio"
	"github.com/ashureev/shoplens/internal/config"
	"github.com/ashureev/shoplens/internal/discovery"
	"github.com/ashureev/shoplens/internal/identity"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/middleware"
	"github.com/ashureev/shoplens/internal/providers/deepgram"
	"github.com/ashureev/shoplens/internal/realtime"
	"github.com/ashureev/shoplens/internal/search"
	"github.com/ashureev/shoplens/internal/speech"
	"github.com/ashureev/shoplens/internal/store"
	"github.com/ashureev/shoplens/internal/telemetry"
	"github.com/ashureev/shoplens/internal/voice"
	"github.com/ashureev/shoplens/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	tp, err := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	slog.Info("Telemetry initialized", "otlp_endpoint", cfg.Telemetry.OTLPEndpoint)

	repo, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Warn("Failed to close session store", "error", err)
		}
	}()
	slog.Info("Session store ready", "db_path", cfg.DBPath)

	m := metrics.New()

	backend, closeBackend, err := newSearchBackend(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize search backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()
	slog.Info("Search backend ready", "backend", cfg.Search.Backend)

	// Browser audio arrives over the websocket; keep one relay per session.
	var hub *audio.Hub
	if cfg.Voice.AudioSource == "relay" {
		hub = audio.NewHub()
	}
	voiceFactory := newVoiceFactory(cfg, hub, logger)
	if voiceFactory == nil {
		slog.Info("Voice input disabled (DEEPGRAM_API_KEY not set)")
	} else {
		slog.Info("Voice input enabled", "audio_source", cfg.Voice.AudioSource, "languages", cfg.Voice.Languages)
	}

	conns := realtime.NewConnections()
	reg := discovery.NewRegistry(discovery.Options{
		Backend:     backend,
		BackendName: cfg.Search.Backend,
		Repo:        repo,
		Voice:       voiceFactory,
		Metrics:     m,
		Logger:      logger,
		PageSize:    cfg.Search.PageSize,
	}, func(key string) {
		conns.CloseSession(key)
		if hub != nil {
			hub.Remove(key)
		}
	})

	// Initialize handlers.
	discoveryHandler := api.NewDiscoveryHandler(reg, cfg.Voice.Languages)
	healthHandler := api.NewHealthHandler(repo, voiceFactory != nil)
	wsHandler := realtime.NewHandler(realtime.Config{
		Registry:      reg,
		Connections:   conns,
		Audio:         hub,
		Metrics:       m,
		Languages:     cfg.Voice.Languages,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Session routes carry the anonymous device identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		discoveryHandler.RegisterRoutes(r)
		r.Get("/ws/discovery", wsHandler.ServeHTTP)
	})

	if cfg.StaticDir != "" {
		r.Handle("/*", web.SPAHandler(os.DirFS(cfg.StaticDir)))
		slog.Info("Serving frontend", "dir", cfg.StaticDir)
	}

	// Websocket and voice sessions are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	discovery.StartTTLWorker(ctx, reg, repo, cfg.SessionTTL, m)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Snapshots stay in storage for restore after restart.
	reg.CloseAll(shutdownCtx)

	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newSearchBackend builds the configured search adapter and its cleanup.
func newSearchBackend(cfg *config.Config, logger *slog.Logger) (search.Backend, func(), error) {
	if cfg.Search.Backend == "grpc" {
		b, err := search.NewGRPCBackend(search.GRPCConfig{
			Address:        cfg.Search.GRPCAddr,
			RequestTimeout: cfg.Search.Timeout,
			ForceOriginal:  cfg.Search.ForceOriginal,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}

	b := search.NewHTTPBackend(search.HTTPConfig{
		BaseURL:       cfg.Search.BaseURL,
		Timeout:       cfg.Search.Timeout,
		RateLimit:     cfg.Search.RateLimit,
		ForceOriginal: cfg.Search.ForceOriginal,
	})
	return b, func() {}, nil
}

// newVoiceFactory returns nil when no recognition provider is configured;
// sessions then report voice as unavailable.
func newVoiceFactory(cfg *config.Config, hub *audio.Hub, logger *slog.Logger) discovery.VoiceFactory {
	if !cfg.VoiceEnabled() {
		return nil
	}

	provider := deepgram.NewProvider(deepgram.Config{
		APIKey:      cfg.Voice.APIKey,
		APIBaseURL:  cfg.Voice.BaseURL,
		Model:       cfg.Voice.Model,
		SmartFormat: true,
	})
	engine := speech.NewEngine(provider, speech.EngineConfig{
		Stream: speech.StreamConfig{
			Language:   cfg.Voice.Language,
			SampleRate: cfg.Voice.SampleRate,
		},
		Languages: cfg.Voice.Languages,
	}, logger)

	machineCfg := voice.Config{
		Language:      cfg.Voice.Language,
		SilenceWindow: cfg.Voice.SilenceWindow,
	}

	return func(key string, listener voice.Listener, commit voice.CommitFunc) discovery.VoiceMachine {
		var source voice.AudioSource
		if hub != nil {
			source = hub.Relay(key)
		} else {
			source = audio.NewFFMPEGCapture(cfg.Voice.FFmpegPath, audio.CaptureConfig{
				SampleRate:  cfg.Voice.SampleRate,
				Channels:    1,
				InputFormat: cfg.Voice.FFmpegFormat,
				InputDevice: cfg.Voice.FFmpegInput,
			})
		}
		return voice.NewMachine(engine, source, listener, commit, machineCfg)
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
