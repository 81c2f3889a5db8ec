package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"omniplex.app/billing/handlers"
	"omniplex.app/billing/internal/config"
	"omniplex.app/billing/internal/logger"
	"omniplex.app/billing/payments"
	"omniplex.app/billing/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		// Missing Stripe keys fail the affected handler at first use,
		// not the whole process.
		logger.Warn("Incomplete Stripe configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	db, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open storage: %s", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	gateway := payments.NewStripeGateway(cfg.StripeSecretKey)

	server := handlers.NewHttpServer(cfg, db, gateway)
	server.Version = version

	logger.Info("Omniplex billing API starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
