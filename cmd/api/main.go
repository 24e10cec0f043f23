// Package main is the entry point for the API server.
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

	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/config"
	"github.com/capitalize-ai/streamturn/internal/handler"
	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/llm"
	natsclient "github.com/capitalize-ai/streamturn/internal/nats"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/internal/session"
	"github.com/capitalize-ai/streamturn/internal/sqlite"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/tracing"
)

// backends are the persistence collaborators chosen by STORE_DRIVER.
type backends struct {
	conversations service.ConversationPersister
	accounts      ledger.AccountStore
	ledgerJournal ledger.Journal
	turnJournal   service.TurnJournal
	history       handler.TurnHistory
	checks        []handler.ReadinessCheck
	close         func()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "streamturn: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var (
		log *logger.Logger
		err error
	)
	if cfg.IsDevelopment() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info("starting API server",
		zap.String("env", cfg.Environment),
		zap.String("store", cfg.StoreDriver),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "streamturn", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	stores, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.close()

	ledgerCfg, err := cfg.LedgerConfig()
	if err != nil {
		return err
	}
	ledgerOpts := []ledger.Option{}
	if stores.ledgerJournal != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(stores.ledgerJournal))
	}
	entitlements := ledger.New(stores.accounts, ledgerCfg, log, ledgerOpts...)

	transport, err := newTransport(cfg, log)
	if err != nil {
		return err
	}

	// Initialize services
	conversationSvc := service.NewConversationService(stores.conversations, log)
	turnOpts := []service.TurnOption{
		service.WithTurnDeadline(cfg.TurnDeadline),
		service.WithHistoryLimit(cfg.HistoryLimit),
	}
	if stores.turnJournal != nil {
		turnOpts = append(turnOpts, service.WithTurnJournal(stores.turnJournal))
	}
	turnSvc := service.NewTurnService(conversationSvc, entitlements, transport, log, turnOpts...)

	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(stores.checks...),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Turns:             handler.NewTurnHandler(turnSvc, stores.history, log),
		Accounts:          handler.NewAccountHandler(entitlements, log),
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown with timeout; running turns see their request
	// contexts cancelled and finish as cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown",
			zap.Int("active_turns", turnSvc.ActiveTurns()),
			zap.Error(err),
		)
	}

	log.Info("server stopped")
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backends, error) {
	switch cfg.StoreDriver {
	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     cfg.NATSName,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		store, err := natsclient.NewStore(ctx, client, log)
		if err != nil {
			client.Close()
			return nil, err
		}
		journal := natsclient.NewJournal(client)
		if err := journal.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}

		return &backends{
			conversations: store,
			accounts:      store,
			ledgerJournal: journal,
			turnJournal:   journal,
			history:       journal,
			checks: []handler.ReadinessCheck{{
				Name: "nats",
				Probe: func(context.Context) error {
					if !client.IsConnected() {
						return errors.New("not connected")
					}
					return nil
				},
			}},
			close: client.Close,
		}, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return &backends{
			conversations: store,
			accounts:      store,
			ledgerJournal: store,
			turnJournal:   store,
			history:       store,
			checks:        []handler.ReadinessCheck{{Name: "sqlite", Probe: store.Ping}},
			close: func() {
				if err := store.Close(); err != nil {
					log.Warn("failed to close sqlite store", zap.Error(err))
				}
			},
		}, nil

	default:
		log.Warn("using in-memory storage; conversations and balances are lost on restart")
		return &backends{
			accounts: ledger.NewMemoryAccountStore(),
			close:    func() {},
		}, nil
	}
}

func newTransport(cfg *config.Config, log *logger.Logger) (session.Transport, error) {
	if cfg.BackendURL != "" {
		log.Info("streaming turns from backend", zap.String("url", cfg.BackendURL))
		return session.NewHTTPTransport(cfg.BackendURL, cfg.BackendToken, nil, log), nil
	}

	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	// Fall back to whichever provider has a key.
	if apiKey == "" {
		if cfg.AnthropicAPIKey != "" {
			provider, apiKey = llm.ProviderAnthropic, cfg.AnthropicAPIKey
		} else {
			provider, apiKey = llm.ProviderOpenAI, cfg.OpenAIAPIKey
		}
	}

	client, err := llm.NewClient(provider, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	log.Info("streaming turns from model provider",
		zap.String("provider", client.Name()),
		zap.String("model", cfg.LLMModel),
	)

	opts := []llm.TransportOption{llm.WithMaxTokens(cfg.LLMMaxTokens)}
	if cfg.LLMModel != "" {
		opts = append(opts, llm.WithModel(cfg.LLMModel))
	}
	return llm.NewTransport(client, log, opts...), nil
}
