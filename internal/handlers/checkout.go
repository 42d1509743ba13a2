package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/gateway"
	"github.com/boluoing/payflow/internal/idempotency"
	"github.com/boluoing/payflow/internal/middleware"
	"github.com/boluoing/payflow/internal/payments"
	"github.com/boluoing/payflow/internal/validation"
)

// IdempotencyHeader lets clients retry a checkout without creating a second order.
const IdempotencyHeader = "Idempotency-Key"

func (h *handler) checkout(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.reqLog(c)

	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	creq := payments.CheckoutRequest{
		OrderID:     req.OrderID,
		UserID:      middleware.UserID(c),
		UserEmail:   middleware.UserEmail(c),
		Amount:      req.Amount.String(),
		Title:       req.Title,
		ServiceType: req.ServiceType,
		Method:      req.PaymentMethod,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	}

	key := c.GetHeader(IdempotencyHeader)
	if key == "" || h.cfg.Idempotency == nil {
		status, body := h.createOrder(c, creq)
		c.JSON(status, body)
		return
	}

	scoped := "checkout:" + key
	hash := requestHash(creq)
	created, err := h.cfg.Idempotency.Begin(ctx, scoped, hash, "")
	if err != nil {
		log.Error("idempotency_begin_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return
	}
	if !created {
		h.replay(c, scoped, hash)
		return
	}

	status, body := h.createOrder(c, creq)
	if status == http.StatusOK {
		raw, _ := json.Marshal(body)
		if err := h.cfg.Idempotency.Complete(ctx, scoped, body["orderId"].(string), string(raw), status); err != nil {
			log.Warn("idempotency_complete_failed", zap.Error(err))
		}
	} else {
		if err := h.cfg.Idempotency.Fail(ctx, scoped, fmt.Sprintf("status %d: %v", status, body["error"])); err != nil {
			log.Warn("idempotency_fail_failed", zap.Error(err))
		}
	}
	c.JSON(status, body)
}

// replay answers a checkout whose idempotency key was seen before.
func (h *handler) replay(c *gin.Context, key, hash string) {
	rec, err := h.cfg.Idempotency.Get(c.Request.Context(), key)
	if err != nil {
		h.reqLog(c).Error("idempotency_get_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return
	}
	if rec == nil || rec.Expired(time.Now()) {
		// reaped, or past its TTL but not yet reaped
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_expired"})
		return
	}
	if rec.RequestHash != "" && rec.RequestHash != hash {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "orderId": rec.ResourceID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
	case idempotency.StatusFailed:
		c.JSON(http.StatusConflict, gin.H{"error": "previous_attempt_failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}

func (h *handler) createOrder(c *gin.Context, req payments.CheckoutRequest) (int, gin.H) {
	res, err := h.cfg.Payments.CreateOrder(c.Request.Context(), req)
	if err != nil {
		log := h.reqLog(c)
		switch {
		case errors.Is(err, payments.ErrInvalidAmount), errors.Is(err, payments.ErrUnknownMethod):
			return http.StatusBadRequest, gin.H{"error": "invalid_request", "msg": err.Error()}
		case errors.Is(err, gateway.ErrNotConfigured):
			log.Error("payment_not_configured", zap.Error(err))
			return http.StatusInternalServerError, gin.H{"error": "payment_not_configured"}
		case errors.Is(err, payments.ErrUpstream):
			return http.StatusBadGateway, gin.H{"error": "payment_gateway_error"}
		case errors.Is(err, payments.ErrOrderIDTaken):
			return http.StatusConflict, gin.H{"error": "order_id_taken"}
		default:
			log.Error("checkout_failed", zap.Error(err))
			return http.StatusInternalServerError, gin.H{"error": "internal_error"}
		}
	}

	body := gin.H{"success": true, "payUrl": res.PayURL, "orderId": res.OrderID}
	if res.QRCode != "" {
		body["qrCode"] = res.QRCode
	}
	return http.StatusOK, body
}

// requestHash fingerprints the parts of a checkout that must match on replay.
func requestHash(req payments.CheckoutRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s", req.UserID, req.OrderID, req.Amount, req.Title, req.ServiceType, req.Method)))
	return hex.EncodeToString(sum[:])
}
