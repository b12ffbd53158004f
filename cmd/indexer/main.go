package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/app"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("repoqa-indexer", pflag.ExitOnError)
	name := fs.String("name", "", "Repository name for --repo-root (default: directory name)")
	question := fs.String("query", "", "Optional question to run against the index after ingest")
	topK := fs.Int("top-k", search.DefaultTopK, "Results to print for --query")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	var res models.IngestResult
	if cfg.RepoURL != "" {
		log.Info().Str("source", cfg.RepoURL).Msg("ingesting repository")
		res, err = a.Indexer.Ingest(ctx, cfg.RepoURL)
	} else {
		root, absErr := filepath.Abs(cfg.RepoRoot)
		if absErr != nil {
			log.Fatal().Err(absErr).Str("root", cfg.RepoRoot).Msg("invalid repo root")
		}
		n := strings.TrimSpace(*name)
		if n == "" {
			n = filepath.Base(root)
		}
		log.Info().Str("root", root).Str("repo", n).Msg("ingesting local directory")
		res, err = a.Indexer.IngestDir(ctx, n, root)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("ingest failed")
	}
	log.Info().Str("repo", res.RepoName).Int("chunks", res.ChunkCount).Msg("ingest complete")

	if strings.TrimSpace(*question) == "" {
		return
	}
	hits, err := a.Search.Query(ctx, res.RepoName, *question, *topK)
	if err != nil {
		log.Fatal().Err(err).Msg("query failed")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(hits); err != nil {
		log.Fatal().Err(err).Msg("failed to write results")
	}
}
