package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"loomchat/backend/internal/config"
	"loomchat/backend/internal/db"
	"loomchat/backend/internal/httpapi"
	"loomchat/backend/internal/session"
	"loomchat/backend/internal/store/local"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	localStore, err := local.Open(cfg.LocalStorePath)
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer localStore.Close()

	var database *sql.DB
	if cfg.RemoteConfigured() {
		opened, err := db.Open(cfg)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer opened.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx, opened); err != nil {
			cancel()
			log.Fatalf("migrate db: %v", err)
		}
		cancel()

		if purged, err := session.NewStore(opened).PurgeExpired(context.Background()); err == nil && purged > 0 {
			log.Printf("purged %d expired sessions", purged)
		}

		database = opened
	} else {
		log.Printf("no DATABASE_URL configured, serving all callers from the local store")
	}

	handler := httpapi.NewRouter(cfg, database, localStore)

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ChatTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("%s api listening on %s", cfg.SiteName, cfg.ListenAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
