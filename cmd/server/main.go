// DALA chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/dala-chat/internal/agent"
	"github.com/ashureev/dala-chat/internal/api"
	"github.com/ashureev/dala-chat/internal/chat"
	"github.com/ashureev/dala-chat/internal/config"
	"github.com/ashureev/dala-chat/internal/identity"
	"github.com/ashureev/dala-chat/internal/middleware"
	"github.com/ashureev/dala-chat/internal/paramstore"
	"github.com/ashureev/dala-chat/internal/store"
	"github.com/ashureev/dala-chat/internal/stream"
	"github.com/ashureev/dala-chat/internal/trace"
	"github.com/ashureev/dala-chat/web"
)

const (
	assistantPageID = "assistant"
	flowisePageID   = "flowise"
	flowiseIntro    = "Halo, bisa perkenalkan namamu?"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var awsCfg *aws.Config
	if cfg.ParamPrefix != "" || cfg.History.Kind == config.StoreDynamoDB {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}
	if cfg.ParamPrefix != "" {
		if err := cfg.ResolveSecrets(ctx, paramstore.NewFromConfig(*awsCfg)); err != nil {
			return fmt.Errorf("resolve secrets: %w", err)
		}
		slog.Info("Secrets resolved from parameter store", "prefix", cfg.ParamPrefix)
	}
	if err := cfg.RequireSecrets(); err != nil {
		return err
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"record_store", cfg.RecordStore.Kind, "history_store", cfg.History.Kind)

	creds, history, closers, err := buildStores(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if closeErr := c.Close(); closeErr != nil {
				slog.Error("Failed to close store", "error", closeErr)
			}
		}
	}()

	pages, err := buildPages(cfg)
	if err != nil {
		return err
	}

	var traces chat.TraceLookup
	if cfg.TraceEnabled() {
		client, err := trace.New(cfg.Trace.Host, cfg.Trace.PublicKey, cfg.Trace.SecretKey)
		if err != nil {
			return fmt.Errorf("init trace client: %w", err)
		}
		traces = client
		slog.Info("Trace store enabled", "host", cfg.Trace.Host)
	}

	mgr, err := chat.NewManager(chat.Config{
		Credentials:    creds,
		History:        history,
		Pages:          pages,
		DefaultPage:    pages[0].ID,
		Tokens:         identity.NewTokenCodec(cfg.Session.AuthTTL),
		Revocations:    identity.NewRevocations(),
		Traces:         traces,
		SessionSource:  chat.SessionSource(cfg.Backend.SessionSource),
		ReplayLimit:    cfg.History.ReplayLimit,
		PersistTimeout: cfg.History.PersistTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init chat manager: %w", err)
	}

	reg := chat.NewRegistry()
	conns := stream.NewConnManager()
	apiHandler := api.NewHandler(mgr, reg, conns, cfg)
	defer apiHandler.Close()
	wsHandler := stream.NewHandler(mgr, conns, apiHandler.Limiter(), cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))
	r.Use(identity.Middleware(!cfg.IsDevelopment()))

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.SessionMiddleware)
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded page shell (SPA catch-all).
	r.Handle("/*", web.ShellHandler())

	// SSE replies can take as long as the backend timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return chat.RunSweeper(gctx, reg, mgr.Revocations(), cfg.Session.SweepInterval, cfg.Session.IdleTTL, conns.CloseState)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildStores opens the credential and history stores named by cfg. Stores
// that hold resources are returned in closers.
func buildStores(ctx context.Context, cfg *config.Config, awsCfg *aws.Config) (store.CredentialStore, store.HistoryStore, []io.Closer, error) {
	var closers []io.Closer

	var sqlite *store.SQLiteStore
	openSQLite := func() (*store.SQLiteStore, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		s, err := store.NewSQLite(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sqlite health check: %w", err)
		}
		closers = append(closers, s)
		sqlite = s
		slog.Info("Database connected", "path", cfg.History.DBPath)
		return s, nil
	}

	var airtable *store.AirtableStore
	openAirtable := func() (*store.AirtableStore, error) {
		if airtable != nil {
			return airtable, nil
		}
		s, err := store.NewAirtable(cfg.RecordStore.APIKey, cfg.RecordStore.BaseID,
			store.WithTables(cfg.RecordStore.UserTable, cfg.RecordStore.ChatTable),
			store.WithPageField(cfg.RecordStore.PageField),
		)
		if err != nil {
			return nil, fmt.Errorf("init airtable: %w", err)
		}
		airtable = s
		return s, nil
	}

	var creds store.CredentialStore
	switch cfg.RecordStore.Kind {
	case config.StoreSQLite:
		s, err := openSQLite()
		if err != nil {
			return nil, nil, closers, err
		}
		creds = s
	default:
		s, err := openAirtable()
		if err != nil {
			return nil, nil, closers, err
		}
		creds = s
	}

	var history store.HistoryStore
	switch cfg.History.Kind {
	case config.StoreSQLite:
		s, err := openSQLite()
		if err != nil {
			return nil, nil, closers, err
		}
		history = s
	case config.StoreDynamoDB:
		s, err := store.NewDynamoHistory(dynamodb.NewFromConfig(*awsCfg), cfg.History.DynamoTable)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("init dynamodb history: %w", err)
		}
		history = s
	default:
		s, err := openAirtable()
		if err != nil {
			return nil, nil, closers, err
		}
		history = s
	}
	return creds, history, closers, nil
}

// buildPages creates one page per configured backend.
func buildPages(cfg *config.Config) ([]chat.Page, error) {
	opts := []agent.Option{agent.WithTimeout(cfg.Backend.Timeout)}
	if cfg.Backend.APIKey != "" {
		opts = append(opts, agent.WithAPIKey(cfg.Backend.APIKey))
	}

	var pages []chat.Page
	if cfg.PredictionEnabled() {
		backend, err := agent.NewPredictionClient(cfg.Backend.BaseURL, cfg.Backend.FlowID, opts...)
		if err != nil {
			return nil, fmt.Errorf("init prediction backend: %w", err)
		}
		pages = append(pages, chat.Page{ID: assistantPageID, Title: "DALA", Backend: backend})
	}
	if cfg.CustomEnabled() {
		backend, err := agent.NewCustomClient(cfg.Backend.CustomAPIURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("init custom backend: %w", err)
		}
		pages = append(pages, chat.Page{ID: flowisePageID, Title: "Flowise Chat", Intro: flowiseIntro, Backend: backend})
	}
	if len(pages) == 0 {
		return nil, errors.New("no chat backend configured: set FLOWISE_BASE_URL and FLOW_ID, or CUSTOM_API_URL")
	}
	return pages, nil
}
