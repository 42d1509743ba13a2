package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/claim"
	"github.com/boluoing/payflow/internal/payments"
	"github.com/boluoing/payflow/internal/validation"
)

// issueToken returns the outstanding claim token of a paid order.
func (h *handler) issueToken(c *gin.Context) {
	var req validation.TokenIssueRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	tok, err := h.cfg.Payments.ClaimForOrder(c.Request.Context(), req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "OrderNotFound"})
		case errors.Is(err, payments.ErrNotPaid):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "PaymentRequired"})
		case errors.Is(err, claim.ErrAlreadyUsed), errors.Is(err, claim.ErrExpired):
			writeTokenError(c, err)
		default:
			h.reqLog(c).Error("token_issue_failed", zap.String("order_id", req.OrderID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     tok.Token,
		"expiresAt": tok.ExpiresAt.UnixMilli(),
	})
}

func (h *handler) validateToken(c *gin.Context) {
	v, err := h.cfg.Tokens.Validate(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.reqLog(c).Error("token_validate_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if !v.Valid {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": v.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"orderId":   v.OrderID,
		"createdAt": v.CreatedAt.UnixMilli(),
		"expiresAt": v.ExpiresAt.UnixMilli(),
	})
}

func (h *handler) consumeToken(c *gin.Context) {
	var req validation.TokenConsumeRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	tok, err := h.cfg.Tokens.Consume(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, claim.ErrNotFound) || errors.Is(err, claim.ErrAlreadyUsed) || errors.Is(err, claim.ErrExpired) {
			writeTokenError(c, err)
			return
		}
		h.reqLog(c).Error("token_consume_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "token consumed",
		"orderId": tok.OrderID,
	})
}

func writeTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, claim.ErrAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "AlreadyUsed"})
	case errors.Is(err, claim.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Expired"})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "NotFound"})
	}
}
