package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zirak-chat/internal/accounts"
	"zirak-chat/internal/auth"
	"zirak-chat/internal/chat"
	"zirak-chat/internal/common"
	"zirak-chat/internal/config"
	"zirak-chat/internal/gemini"
	"zirak-chat/internal/handlers"
	"zirak-chat/internal/logging"
	"zirak-chat/internal/models"
	"zirak-chat/internal/persona"
	"zirak-chat/internal/pgstore"
	"zirak-chat/internal/restdb"
	"zirak-chat/internal/storage"
)

// sessionSweepInterval is how often expired browser sessions are purged.
const sessionSweepInterval = time.Hour

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// backend is what a store must offer to serve both accounts and the chat log.
type backend interface {
	accounts.Store
	chat.ChatLog
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger := logging.NewJSON(parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store, closeStore, err := openBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Backend == config.BackendSQLite {
		if err := bootstrapAdmin(ctx, db, cfg, logger); err != nil {
			return err
		}
		if n, err := db.UserCount(); err == nil {
			logger.Info(ctx, "local accounts", "count", n)
		} else {
			logger.Warn(ctx, "failed to count local accounts", "error", err)
		}
	}

	resolver := persona.NewResolver(cfg.ReferenceDir, logger)
	for _, pair := range persona.Overlaps(resolver.Personas()) {
		logger.Warn(ctx, "expert labels overlap, containment lookups depend on table order",
			"label", pair[0], "contains", pair[1])
	}

	svc := chat.NewService(
		accounts.NewCache(store, cfg.CacheTTL),
		store,
		gemini.NewClient(cfg.GeminiURL, cfg.GeminiKey, nil),
		resolver,
		logger,
	)

	h := handlers.NewHandlers(db, svc, resolver.Personas(), handlers.Options{
		TemplateDir:  cfg.TemplateDir,
		SecureCookie: cfg.SecureCookie,
		TypingDelay:  cfg.TypingDelay,
	}, logger)

	go sweepSessions(ctx, db, h, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           setupRouter(h, cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", "addr", cfg.Addr, "backend", string(cfg.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func setupRouter(h *handlers.Handlers, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))

	mux.HandleFunc("GET /login", h.LoginForm)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("POST /logout", h.Logout)

	mux.Handle("GET /chat", h.AuthMiddleware(http.HandlerFunc(h.ChatPage)))
	mux.Handle("POST /chat/expert", h.AuthMiddleware(http.HandlerFunc(h.SelectExpert)))
	mux.Handle("POST /chat/messages", h.AuthMiddleware(http.HandlerFunc(h.SendMessage)))
	mux.Handle("GET /balance", h.AuthMiddleware(http.HandlerFunc(h.Balance)))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/chat", http.StatusFound)
	})

	return mux
}

// openBackend returns the account and chat log store selected by cfg and a
// func releasing it.
func openBackend(ctx context.Context, cfg *config.Config, db *storage.DB) (backend, func(), error) {
	switch cfg.Backend {
	case config.BackendREST:
		client, err := restdb.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			return nil, nil, fmt.Errorf("table service: %w", err)
		}
		return client, func() {}, nil
	case config.BackendPostgres:
		pg, err := pgstore.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	case config.BackendSQLite:
		return db, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}

// bootstrapAdmin creates the ADMIN_USER account in the local store when it
// does not exist yet.
func bootstrapAdmin(ctx context.Context, db *storage.DB, cfg *config.Config, logger logging.Logger) error {
	if cfg.AdminUser == "" {
		return nil
	}
	_, err := db.GetAccount(ctx, cfg.AdminUser)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("look up admin user: %w", err)
	}
	if cfg.AdminPassword == "" {
		return fmt.Errorf("%w: ADMIN_PASSWORD", config.ErrMissingSecret)
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	if _, err := db.CreateAccount(models.Account{
		Username:   cfg.AdminUser,
		Password:   hash,
		Plan:       "admin",
		TokenLimit: cfg.AdminTokenLimit,
	}); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	logger.Info(ctx, "created admin user", "username", cfg.AdminUser, "token_limit", cfg.AdminTokenLimit)
	return nil
}

func sweepSessions(ctx context.Context, db *storage.DB, h *handlers.Handlers, logger logging.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, db, h, logger)
		}
	}
}

// sweepOnce purges expired browser sessions, then the chat sessions bound
// to them, and returns how many chat sessions went.
func sweepOnce(ctx context.Context, db *storage.DB, h *handlers.Handlers, logger logging.Logger) int {
	if err := db.CleanExpiredSessions(); err != nil {
		logger.Warn(ctx, "failed to clean expired sessions", "error", err)
	}
	return h.PruneSessions(ctx)
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
