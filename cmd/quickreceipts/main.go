package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/quickreceipts/quickreceipts/internal/ocr"
	"github.com/quickreceipts/quickreceipts/internal/receipt"
	"github.com/quickreceipts/quickreceipts/internal/segment"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("quickreceipts")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "Record store: 'bolt' or 'postgres'")
		dbPath      = fs.StringLong("db", "quickreceipts.db", "Bolt database file path")
		pgHost      = fs.StringLong("pg-host", "127.0.0.1", "PostgreSQL host")
		pgPort      = fs.StringLong("pg-port", "5432", "PostgreSQL port")
		pgUser      = fs.StringLong("pg-username", "", "PostgreSQL username")
		pgPass      = fs.StringLong("pg-password", "", "PostgreSQL password")
		pgDB        = fs.StringLong("pg-dbname", "", "PostgreSQL database name")
		storagePath = fs.StringLong("storage", "./receipts", "Sub-image storage directory")
		ocrType     = fs.StringLong("ocr", "documentai", "OCR provider: 'documentai' or 'gemini'")
		docaiProj   = fs.StringLong("docai-project", "", "Document AI project ID")
		docaiLoc    = fs.StringLong("docai-location", "us", "Document AI location")
		docaiProc   = fs.StringLong("docai-processor", "", "Document AI processor ID")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		interval    = fs.IntLong("poll-interval", 5, "Worker idle poll interval in seconds")
		maxAttempts = fs.IntLong("max-attempts", 3, "OCR attempts before a receipt fails permanently")
		minArea     = fs.IntLong("min-contour-area", 50000, "Minimum receipt contour area in pixels")
		gridRows    = fs.IntLong("grid-rows", 2, "Grid fallback rows")
		gridCols    = fs.IntLong("grid-cols", 3, "Grid fallback columns")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("QUICKRECEIPTS"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize record store
	var store receipt.Store
	switch *storeType {
	case "bolt":
		slog.Info("Initializing bolt store...", "path", *dbPath)
		boltStore, err := receipt.NewBoltStore(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize bolt store", "error", err)
			os.Exit(1)
		}
		store = boltStore
	case "postgres":
		slog.Info("Initializing postgres store...", "host", *pgHost, "dbname", *pgDB)
		pool, err := receipt.NewPostgresPool(ctx, receipt.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Username: *pgUser,
			Password: *pgPass,
			DBName:   *pgDB,
		})
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		store = receipt.NewPGStore(pool)
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or postgres")
		os.Exit(1)
	}
	defer store.Close()

	// Initialize OCR provider
	var extractor ocr.Extractor
	switch *ocrType {
	case "documentai":
		slog.Info("Initializing Document AI extractor...", "project", *docaiProj, "location", *docaiLoc)
		var err error
		extractor, err = ocr.NewDocumentAI(ctx, *docaiProj, *docaiLoc, *docaiProc)
		if err != nil {
			slog.Error("Failed to initialize Document AI", "error", err)
			os.Exit(1)
		}
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		var err error
		extractor, err = ocr.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid OCR provider", "type", *ocrType, "valid", "documentai or gemini")
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	storage, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	segmenter := segment.New(segment.Config{
		MinContourArea: float64(*minArea),
		GridRows:       *gridRows,
		GridCols:       *gridCols,
	})

	service := receipt.NewService(store, storage, segmenter)
	worker := receipt.NewWorker(store, storage, extractor, time.Duration(*interval)*time.Second, *maxAttempts)
	server := receipt.NewServer(service, receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	erg, ctx := errgroup.WithContext(ctx)

	erg.Go(func() error {
		return worker.Run(ctx)
	})

	erg.Go(func() error {
		return server.Run(ctx, addr)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := erg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}
