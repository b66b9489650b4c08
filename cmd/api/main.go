package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhouzirui/tutor-voice/backend/internal/config"
	"github.com/zhouzirui/tutor-voice/backend/internal/handler"
	"github.com/zhouzirui/tutor-voice/backend/internal/handler/live"
	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/tutor-voice/backend/internal/service/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/session"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/speech"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/transcript"
	"github.com/zhouzirui/tutor-voice/backend/internal/storage/postgres"
	redisstore "github.com/zhouzirui/tutor-voice/backend/internal/storage/redis"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Error("voicebridge exited", "err", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "voicebridge",
		Short:        "Real-time voice session bridge for tutor personas",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("port", "", "listen port or host:port (env PORT)")
	flags.String("log-level", "", "log level: debug|info|warn|error (env LOG_LEVEL)")
	flags.String("persona-file", "", "YAML persona catalog (env PERSONA_FILE)")
	flags.String("store", "", "transcript store: memory|postgres|redis (env TRANSCRIPT_STORE)")

	for key, flag := range map[string]string{
		"server.port":  "port",
		"log.level":    "log-level",
		"persona.file": "persona-file",
		"store.driver": "store",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	return cmd
}

func run(parent context.Context, v *viper.Viper) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded, using process environment", "err", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := logger.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	personas, err := loadPersonas(cfg.Persona)
	if err != nil {
		return err
	}

	turns, closeStore, err := openTurnStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	liveDialer, err := speech.NewLiveDialer(ctx, speech.LiveConfig{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
		Voice:  cfg.Gemini.Voice,
	})
	if err != nil {
		return fmt.Errorf("initialize upstream dialer: %w", err)
	}
	retry := speech.DefaultRetryOptions()
	retry.MaxAttempts = cfg.Voice.UpstreamRetries
	retry.AttemptTimeout = cfg.Voice.UpstreamTimeout
	dialer := speech.NewRetryDialer(liveDialer, retry)

	m := metrics.New("voicebridge")
	registry := session.NewRegistry(ai.NewResolver(personas), dialer, turns, m, session.Options{
		MaxSessionsPerUser: cfg.Voice.MaxSessionsPerUser,
		OpenTimeout:        time.Duration(retry.MaxAttempts)*(retry.AttemptTimeout+retry.Backoff) + time.Second,
		AudioEncoding:      cfg.Voice.AudioEncoding,
		SampleRate:         cfg.Voice.SampleRate,
		Transcript:         transcript.Options{FlushDelay: cfg.Voice.TranscriptFlush},
	})
	registry.SetWatcher(session.NewSupervisor(registry, session.SupervisorOptions{
		Interval:    cfg.Voice.HealthInterval,
		IdleCeiling: cfg.Voice.IdleTimeout,
	}))

	router := handler.NewRouter(handler.Dependencies{
		Personas: personas,
		Turns:    turns,
		Registry: registry,
		Metrics:  m,
		Live:     live.Options{OutboundQueue: cfg.Voice.OutboundQueue},
	})

	serveErr := startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "err", err)
	}
	return serveErr
}

func loadPersonas(cfg config.PersonaConfig) (persona.Store, error) {
	if cfg.File == "" {
		logger.Info("using built-in personas")
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	items, err := persona.LoadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("load persona catalog: %w", err)
	}
	logger.Info("persona catalog loaded", "file", cfg.File, "count", len(items))
	return persona.NewMemoryStore(items), nil
}

func openTurnStore(ctx context.Context, cfg config.StoreConfig) (chat.TurnStore, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("transcript store ready", "driver", cfg.Driver)
		return store, store.Close, nil
	case config.DriverRedis:
		store, err := redisstore.Open(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("transcript store ready", "driver", cfg.Driver, "ttl", cfg.TTL)
		return store, func() { _ = store.Close() }, nil
	default:
		logger.Info("transcript store ready", "driver", config.DriverMemory)
		return chatservice.NewService(), func() {}, nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("voice bridge listening", "addr", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
