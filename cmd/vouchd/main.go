package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/vouch-app/vouch/internal/extract"
	"github.com/vouch-app/vouch/internal/index"
	"github.com/vouch-app/vouch/internal/server"
	"github.com/vouch-app/vouch/internal/service"
	"github.com/vouch-app/vouch/internal/store"
	"github.com/vouch-app/vouch/internal/warranty"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("vouchd")
	var (
		port       = fs.IntLong("port", 8080, "HTTP server port")
		dbPath     = fs.StringLong("db", "vouch.db", "Document store file path")
		indexPath  = fs.StringLong("index", "vouch.bleve", "Search index directory path")
		uploadsDir = fs.StringLong("uploads", "./uploads", "Upload artifact directory")

		provider    = fs.StringLong("provider", "ollama", "Extraction provider: 'ollama', 'openai' or 'gemini'")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llama3.2-vision", "Ollama vision model name")
		openaiKey   = fs.StringLong("openai-key", "", "OpenAI API key (or set VOUCH_OPENAI_KEY)")
		openaiModel = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set VOUCH_GEMINI_KEY)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.0-flash", "Google Gemini model name")

		redisAddr     = fs.StringLong("redis-addr", "", "Redis address for the read cache (empty disables caching)")
		redisPassword = fs.StringLong("redis-password", "", "Redis password")
		redisDB       = fs.IntLong("redis-db", 0, "Redis database number")

		maxUpload   = fs.IntLong("max-upload-size", 5<<20, "Maximum upload size in bytes")
		extensions  = fs.StringLong("allowed-extensions", "jpg,jpeg,png,gif,heic,pdf", "Comma-separated upload extension allow-list")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("VOUCH"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Starting vouchd", "version", version)

	slog.Info("Opening document store...", "path", *dbPath)
	st, err := store.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to open document store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	slog.Info("Opening search index...", "path", *indexPath)
	idx, err := index.NewBleveIndex(*indexPath)
	if err != nil {
		slog.Error("Failed to open search index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	files, err := store.NewLocalFileStore(*uploadsDir)
	if err != nil {
		slog.Error("Failed to initialize upload storage", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing extraction provider...", "provider", *provider)
	prov, err := extract.NewProvider(extract.Config{
		Provider:    *provider,
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
		OpenAIKey:   *openaiKey,
		OpenAIModel: *openaiModel,
		GeminiKey:   *geminiKey,
		GeminiModel: *geminiModel,
	})
	if err != nil {
		slog.Error("Failed to initialize provider", "error", err)
		os.Exit(1)
	}
	defer prov.Close()

	var cache store.Cache
	if *redisAddr != "" {
		slog.Info("Connecting to redis...", "addr", *redisAddr)
		redisCache, err := store.NewRedisCache(*redisAddr, *redisPassword, *redisDB)
		if err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		cache = redisCache
	}

	enricher := warranty.NewEnricher(warranty.NewProviderLookup(prov), 0)
	svc := service.NewService(prov, enricher, st, idx, files, cache)

	srv := server.New(svc, server.Config{
		MaxUploadSize:     int64(*maxUpload),
		AllowedExtensions: strings.Split(*extensions, ","),
	})

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
