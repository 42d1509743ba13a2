package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/boluoing/payflow/internal/aws"
	"github.com/boluoing/payflow/internal/claim"
	"github.com/boluoing/payflow/internal/config"
	"github.com/boluoing/payflow/internal/gateway"
	"github.com/boluoing/payflow/internal/handlers"
	"github.com/boluoing/payflow/internal/idempotency"
	"github.com/boluoing/payflow/internal/logger"
	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/payments"
)

func setupRouter(cfg handlers.HandlerConfig, env string) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(logger.RequestLogger(cfg.Log), gin.Recovery())
	handlers.RegisterRoutes(r, cfg)
	return r
}

// newTokenStore returns the configured claim token store.
func newTokenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (claim.Store, error) {
	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		client, err := claim.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return claim.NewRedisStore(client, cfg.TokenRetention), nil
	default:
		store := claim.NewMemoryStore(cfg.TokenRetention)
		go store.Run(ctx, 0, log)
		return store, nil
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		zlog.Fatal("failed to init aws clients", zap.Error(err))
	}
	metrics := clients.Metrics(cfg.CloudWatchNamespace, cfg.CloudWatchEnabled)

	tokenStore, err := newTokenStore(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to init claim token store", zap.String("store", cfg.TokenStore), zap.Error(err))
	}
	claims := claim.NewService(tokenStore, cfg.TokenTTL, zlog, metrics)

	httpClient := &http.Client{Timeout: cfg.GatewayTimeout}
	adapters := []gateway.Adapter{
		gateway.NewXunhupay(gateway.XunhupayConfig{
			AppID:    cfg.XunhupayAppID,
			Secret:   cfg.XunhupaySecret,
			Endpoint: cfg.XunhupayEndpoint,
			WapName:  cfg.XunhupayWapName,
			BaseURL:  cfg.PublicBaseURL,
		}, httpClient, zlog),
		gateway.NewEpay(gateway.EpayConfig{
			PID:      cfg.EpayPID,
			Key:      cfg.EpayKey,
			Endpoint: cfg.EpayEndpoint,
			PayType:  cfg.EpayPayType,
			BaseURL:  cfg.PublicBaseURL,
		}, httpClient, zlog),
	}
	for _, a := range adapters {
		if !a.Configured() {
			zlog.Warn("payment_gateway_not_configured", zap.String("gateway", a.Method()))
		}
	}

	var publisher payments.EventPublisher
	if cfg.EventsQueueURL != "" {
		publisher = aws.NewPublisher(clients.SQS, cfg.EventsQueueURL)
	}

	manager := payments.NewManager(
		orders.NewStore(clients.DynamoDB, cfg.OrdersTable),
		claims,
		adapters,
		publisher,
		metrics,
		zlog,
	)

	r := setupRouter(handlers.HandlerConfig{
		Payments:         manager,
		Tokens:           claims,
		Idempotency:      idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		Log:              zlog,
		JWTSecret:        cfg.JWTSecret,
		AllowTestPayment: cfg.AllowTestPayment,
		RateLimit:        rate.Limit(cfg.RateLimit),
		RateBurst:        cfg.RateBurst,
	}, cfg.Env)

	if cfg.RunLocal {
		addr := ":" + cfg.Port
		zlog.Info("running local server", zap.String("addr", addr))
		if err := r.Run(addr); err != nil {
			zlog.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
