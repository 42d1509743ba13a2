// Package handlers exposes the payment flow over HTTP.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/boluoing/payflow/internal/claim"
	"github.com/boluoing/payflow/internal/idempotency"
	"github.com/boluoing/payflow/internal/logger"
	"github.com/boluoing/payflow/internal/middleware"
	"github.com/boluoing/payflow/internal/payments"
	"github.com/boluoing/payflow/internal/signature"
	"github.com/boluoing/payflow/internal/validation"
)

// PaymentService is implemented by *payments.Manager.
type PaymentService interface {
	CreateOrder(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutResult, error)
	HandleCallback(ctx context.Context, method string, params signature.Params) (*payments.CallbackResult, error)
	HandleReturn(ctx context.Context, method string, params signature.Params) (*claim.Token, error)
	ClaimForOrder(ctx context.Context, orderID string) (*claim.Token, error)
	SimulatePayment(ctx context.Context, orderID string) (*claim.Token, error)
}

// TokenService is implemented by *claim.Service.
type TokenService interface {
	Validate(ctx context.Context, token string) (*claim.Validation, error)
	Consume(ctx context.Context, token string) (*claim.Token, error)
}

// IdempotencyStore is implemented by *idempotency.Store.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, requestHash, resourceID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	Complete(ctx context.Context, key, resourceID, responseBody string, responseStatus int) error
	Fail(ctx context.Context, key, note string) error
}

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Payments PaymentService
	Tokens   TokenService
	// Idempotency is optional; without it the Idempotency-Key header is ignored.
	Idempotency IdempotencyStore
	Validator   *validatorv10.Validate
	Log         *zap.Logger

	JWTSecret        string
	AllowTestPayment bool

	// RateLimit and RateBurst apply per client IP to checkout and token routes. Zero disables.
	RateLimit rate.Limit
	RateBurst int
}

type handler struct {
	cfg HandlerConfig
	v   *validatorv10.Validate
	log *zap.Logger
}

// RegisterRoutes mounts every endpoint on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &handler{cfg: cfg, v: cfg.Validator, log: cfg.Log}
	if h.v == nil {
		h.v = validation.New()
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limited := []gin.HandlerFunc{}
	if cfg.RateLimit > 0 && cfg.RateBurst > 0 {
		limited = append(limited, middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	api := r.Group("/api")

	checkout := api.Group("/payment", limited...)
	checkout.POST("", middleware.OptionalAuth(cfg.JWTSecret), h.checkout)

	// gateway-facing and browser redirects are never rate limited
	api.POST("/payment/notify", h.xunhupayNotify)
	api.GET("/payment/epay/notify", h.epayNotify)
	api.POST("/payment/epay/notify", h.epayNotify)
	api.GET("/payment/success", h.paymentSuccess)
	api.GET("/payment/epay/return", h.epayReturn)

	tokens := api.Group("/token", limited...)
	tokens.POST("", h.issueToken)
	tokens.GET("", h.validateToken)
	tokens.DELETE("", h.consumeToken)

	api.GET("/test-payment", h.testPayment)
}

func (h *handler) reqLog(c *gin.Context) *zap.Logger {
	return logger.FromContext(c, h.log)
}
