package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/app"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/internal/auth"
	"github.com/seanblong/dbassist/internal/config"
	"github.com/seanblong/dbassist/internal/index"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("dbassist-indexer", pflag.ExitOnError)
	reset := fs.Bool("reset", false, "Delete the persisted index and exit")
	rebuild := fs.Bool("rebuild", false, "Rebuild even when a persisted index exists")
	ask := fs.String("ask", "", "Answer one service request against the index")
	issueToken := fs.String("issue-token", "", "Print an API bearer token for the named operator and exit")
	email := fs.String("email", "", "Operator email for --issue-token")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger

	if *issueToken != "" {
		a, err := auth.New(cfg.Auth.JwtSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, true)
		if err != nil {
			log.Fatalf("Failed to initialize auth: %v", err)
		}
		token, err := a.Issue(auth.Operator{Name: *issueToken, Email: *email})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	if *reset {
		if err := index.Reset(cfg.IndexPrefix); err != nil {
			log.Fatal(err)
		}
		logger.Info().Str("prefix", cfg.IndexPrefix).Msg("index reset")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, _, err := app.NewSession(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := sess.Start(ctx, cfg.APIKey); err != nil {
		logger.Warn().Err(err).Msg("persisted index unusable")
	}

	var report index.BuildReport
	if *rebuild {
		report, err = sess.Rebuild(ctx)
	} else {
		report, err = sess.EnsureIndex(ctx)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrNoDocuments) {
			logger.Warn().Str("data_dir", cfg.DataDir).Msg("no documents to index")
			os.Exit(2)
		}
		if errors.Is(err, index.ErrNoMatchingEmbedder) {
			logger.Error().Err(err).Str("prefix", cfg.IndexPrefix).Msg("persisted index needs its embedder; supply the API key or pass --rebuild")
			os.Exit(2)
		}
		log.Fatal(err)
	}
	for _, a := range report.Attempts {
		if a.Err != nil {
			logger.Warn().Err(a.Err).Str("strategy", a.Strategy).Msg("embedding strategy failed")
		}
	}
	st := sess.Status()
	logger.Info().Str("strategy", report.Strategy).Str("model", st.Model).Int("entries", st.Entries).Str("prefix", cfg.IndexPrefix).Msg("index ready")

	if *ask == "" {
		return
	}
	resp, err := sess.Submit(ctx, *ask)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(resp.Text())
}
