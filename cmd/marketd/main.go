package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"skinmarket/auth"
	"skinmarket/catalog"
	"skinmarket/config"
	"skinmarket/deposits"
	"skinmarket/identity"
	"skinmarket/listings"
	"skinmarket/models"
	"skinmarket/observability/logging"
	mktotel "skinmarket/observability/otel"
	"skinmarket/orders"
	"skinmarket/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service: "marketd",
		Env:     cfg.Env,
		File:    cfg.LogFile,
	})

	if cfg.Otel.Endpoint != "" {
		shutdown, err := mktotel.Init(context.Background(), mktotel.Config{
			ServiceName: "marketd",
			Environment: cfg.Env,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     mktotel.ParseHeaders(cfg.Otel.Headers),
		})
		if err != nil {
			log.Fatalf("telemetry error: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("telemetry shutdown", "error", err)
			}
		}()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	verifier, err := auth.NewVerifier(auth.Options{
		Enable:           cfg.Auth.Enable,
		Alg:              cfg.Auth.Alg,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		MaxSkew:          cfg.Auth.MaxSkew,
		HSSecret:         os.Getenv(cfg.Auth.HSSecretEnv),
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		NameClaim:        cfg.Auth.NameClaim,
	})
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}

	catalogClient, err := catalog.NewClient(catalog.Config{
		BaseURL:      cfg.CatalogBaseURL,
		IconBaseURL:  cfg.CatalogIconBaseURL,
		Timeout:      cfg.CatalogTimeout,
		CacheTTL:     cfg.CatalogCacheTTL,
		RequestsPerM: cfg.CatalogRateLimitPerM,
	})
	if err != nil {
		log.Fatalf("catalog client error: %v", err)
	}

	srv := server.New(server.Config{
		DB:             db,
		Registry:       listings.NewRegistry(db, nil),
		Engine:         orders.NewEngine(orders.Config{DB: db, HoldPeriod: cfg.OrderHoldPeriod}),
		Deposits:       deposits.NewProcessor(db, nil),
		Identity:       identity.NewResolver(db, nil),
		Catalog:        catalogClient,
		Verifier:       verifier,
		PlatformWallet: cfg.PlatformWallet,
		WebhookAPIKey:  cfg.WebhookAPIKey,
		OpsAPIKey:      cfg.OpsAPIKey,
		Logger:         logger,
	})

	handler := otelhttp.NewHandler(srv.Handler(), "marketd")

	addr := ":" + cfg.Port
	logger.Info("starting marketd", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
