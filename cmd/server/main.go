package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tillpoint/backend/internal/config"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/httpapi"
	"tillpoint/backend/internal/reconcile"
	"tillpoint/backend/internal/service"
	sigbus "tillpoint/backend/internal/signal"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/store/memory"
	pgstore "tillpoint/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var bus sigbus.Bus = sigbus.NoopBus{}
	if cfg.RedisAddr != "" {
		redisBus := sigbus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBus.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), sale change signals disabled", err)
		} else {
			bus = redisBus
			closers = append(closers, redisBus.Close)
			log.Println("signal bus: redis")
		}
	} else {
		log.Println("signal bus: noop")
	}

	// A failed probe degrades features instead of blocking startup: no
	// due-date column and an identity payment vocabulary.
	caps, err := repo.ProbeCapabilities(ctx)
	if err != nil {
		log.Printf("WARN: capability probe failed (%v), running degraded", err)
		caps = domain.BackendCapabilities{}
	}

	svc := service.New(repo, bus, caps, cfg.ShopID)
	if err := svc.RefreshStock(ctx); err != nil {
		log.Printf("WARN: initial stock load failed: %v", err)
	}
	if err := svc.RefreshCustomers(ctx); err != nil {
		log.Printf("WARN: initial customer load failed: %v", err)
	}

	engine := reconcile.NewEngine(repo, cfg.ShopID, time.Duration(cfg.MinFetchIntervalMillis)*time.Millisecond)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	engine.StartAutoRefresh(runCtx, time.Duration(cfg.RefreshIntervalSeconds)*time.Second)
	if unsubscribe, err := bus.SubscribeSalesChanged(runCtx, engine.HandleSalesChanged); err != nil {
		log.Printf("WARN: sales-changed subscription failed: %v", err)
	} else {
		closers = append(closers, unsubscribe)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, engine, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("till backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopBackground()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ShopID == "" {
		return fmt.Errorf("SHOP_ID must be set")
	}
	return nil
}
