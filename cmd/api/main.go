package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/ai"
	"github.com/seanblong/dbassist/internal/api"
	"github.com/seanblong/dbassist/internal/app"
	"github.com/seanblong/dbassist/internal/auth"
	"github.com/seanblong/dbassist/internal/config"
	"github.com/seanblong/dbassist/internal/credential"
	"github.com/seanblong/dbassist/internal/index"
	"github.com/seanblong/dbassist/internal/session"
	"github.com/seanblong/dbassist/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("dbassist-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting dbassist api")

	authn, err := auth.New(cfg.Auth.JwtSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.Enabled)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}
	if !authn.Enabled() {
		logger.Warn().Msg("authentication is DISABLED - running in open mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the ledger is optional; the session keeps its own history regardless
	var (
		ledger   *store.Ledger
		recorder session.Recorder
	)
	if cfg.Database != "" {
		st, err := store.New(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer st.Close()

		embedder := ai.NewHashEmbedder(cfg.FallbackDim)
		if err := st.Migrate(ctx, embedder.Dim()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		ledger = store.NewLedger(st, embedder)
		recorder = ledger
		logger.Info().Int("embedding_dim", embedder.Dim()).Msg("history ledger enabled")
	}

	sess, clientCfg, err := app.NewSession(cfg, recorder)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	err = sess.Start(ctx, cfg.APIKey)
	switch {
	case errors.Is(err, index.ErrNoMatchingEmbedder):
		// left on disk; it loads once a credential is supplied
		logger.Warn().Err(err).Str("prefix", cfg.IndexPrefix).Msg("persisted index waits for a valid credential")
	case err != nil:
		logger.Error().Err(err).Msg("failed to load persisted index")
	}
	if sess.IndexState() != session.IndexReady && !errors.Is(err, index.ErrNoMatchingEmbedder) {
		report, err := sess.EnsureIndex(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("data_dir", cfg.DataDir).Msg("index not built at startup")
		} else {
			logger.Info().Str("strategy", report.Strategy).Msg("index built")
		}
	}
	st := sess.Status()
	logger.Info().Str("generation_model", clientCfg.GenerationModel).Str("credential", st.Credential).Str("index", st.Index).Int("entries", st.Entries).Msg("session ready")

	srv := &api.Server{
		Session: sess,
		Ledger:  ledger,
		Auth:    authn,
		EnvFile: cfg.EnvFile,
		KeyName: credential.DefaultKeyName,
	}
	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(srv.Handler()),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
