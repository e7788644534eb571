package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bookrecord/internal/ratelimit"
	"bookrecord/internal/servicetoken"
	"bookrecord/internal/usertoken"
	"bookrecord/internal/util"
	"bookrecord/pkg/storage"
	"bookrecord/services/ledger/internal/app"
	"bookrecord/services/ledger/internal/config"
	"bookrecord/services/ledger/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	exportExpiry, err := config.ParseDuration("exportURLExpiry", cfg.ExportURLExpiry)
	if err != nil {
		log.Fatalf("failed to parse export expiry: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	var verifiers []server.CallerVerifier
	if cfg.AuthJWKSURL != "" {
		users, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     jwtLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			log.Fatalf("failed to init jwks verifier: %v", err)
		}
		verifiers = append(verifiers, users)
	}
	if cfg.DelegatedJWTPublicKeyPath != "" || cfg.DelegatedJWTVerifyPublicKeys != "" {
		verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.DelegatedJWTVerifyPublicKeys)
		if err != nil {
			log.Fatalf("failed to parse delegated verify public keys: %v", err)
		}
		var revocations servicetoken.RevocationList
		if rdb != nil {
			revocations, err = servicetoken.NewRedisRevocationList(rdb, cfg.RevocationPrefix)
			if err != nil {
				log.Fatalf("failed to init revocation list: %v", err)
			}
		}
		delegated, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:    strings.TrimSpace(cfg.DelegatedJWTPublicKeyPath),
			VerifyPublicKeys: verifyKeys,
			DefaultKeyID:     cfg.DelegatedJWTKeyID,
			AllowedIssuers:   cfg.DelegatedIssuers,
			Leeway:           jwtLeeway,
			Revocations:      revocations,
		})
		if err != nil {
			log.Fatalf("failed to init delegated verifier: %v", err)
		}
		verifiers = append(verifiers, server.DelegatedVerifier{Verifier: delegated})
	}

	appCore, err := app.New(ctx, app.Config{
		StoreDriver:   cfg.StoreDriver,
		DatabaseURL:   cfg.DatabaseURL,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		NotifyStream:  cfg.NotifyStream,
		AMQPURL:       cfg.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		ExportExpiry: exportExpiry,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.MutationRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(rdb, "bookledger:ratelimit:mutations", cfg.MutationRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifiers:      verifiers,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("ledger server listening", "addr", addr, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
