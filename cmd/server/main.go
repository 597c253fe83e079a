package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/access"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/billing"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/config"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/db"
	internalhttp "github.com/ProjectDesk-app/ProjectDesk-app/internal/http"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/jobs"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/mail"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	mailer := mail.FromConfig(cfg.SMTPAddr, cfg.SMTPFrom)
	controller := access.NewController(store, mailer)
	billingClient := billing.NewClient(cfg.BillingAPIBaseURL, cfg.BillingAccessToken)

	server := internalhttp.NewServer(cfg, store, controller, billingClient, mailer, redisClient)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartStatusSweepJob(ctx, cfg, store)

	go func() {
		log.Printf("projectdesk http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
