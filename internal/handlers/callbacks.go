package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/claim"
	"github.com/boluoing/payflow/internal/gateway"
	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/payments"
	"github.com/boluoing/payflow/internal/signature"
)

// Acknowledgement is the body the gateways expect once a notification is handled.
const Acknowledgement = "success"

const claimPage = "/claim-membership"

// notifyParams reads a gateway notification from the query string, a form body or a JSON body.
func notifyParams(c *gin.Context) (signature.Params, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return gateway.FlattenJSON(body)
	}
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	params := make(signature.Params, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params, nil
}

func (h *handler) xunhupayNotify(c *gin.Context) {
	h.notify(c, orders.MethodXunhupay)
}

func (h *handler) epayNotify(c *gin.Context) {
	h.notify(c, orders.MethodEpay)
}

// notify acknowledges every verified or rejected notification so the gateway stops retrying.
// Only a store failure is answered with 500.
func (h *handler) notify(c *gin.Context, method string) {
	log := h.reqLog(c).With(zap.String("gateway", method))
	params, err := notifyParams(c)
	if err != nil {
		log.Warn("callback_unparsable", zap.Error(err))
		c.String(http.StatusBadRequest, "fail")
		return
	}

	res, err := h.cfg.Payments.HandleCallback(c.Request.Context(), method, params)
	if err != nil {
		log.Error("callback_store_failure", zap.Error(err))
		c.String(http.StatusInternalServerError, "fail")
		return
	}
	log.Info("payment_callback_processed", zap.String("order_id", res.OrderID), zap.String("outcome", string(res.Outcome)))
	c.String(http.StatusOK, Acknowledgement)
}

// paymentSuccess is the unsigned browser return of the mobile gateway. It carries no proof of
// payment, so it only forwards the marker; the claim page polls for the token.
func (h *handler) paymentSuccess(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	q := url.Values{}
	q.Set("amount", c.Query("amount"))
	q.Set("service", c.Query("service"))
	q.Set("orderId", orderID)
	q.Set("paymentSuccess", "true")
	c.Redirect(http.StatusFound, claimPage+"?"+q.Encode())
}

// epayReturn verifies the signed browser return of the PC gateway and forwards the claim token.
func (h *handler) epayReturn(c *gin.Context) {
	params := make(signature.Params)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	tok, err := h.cfg.Payments.HandleReturn(c.Request.Context(), orders.MethodEpay, params)
	if err != nil {
		reason := returnFailureReason(err)
		h.reqLog(c).Warn("payment_return_failed", zap.String("reason", reason), zap.Error(err))
		c.Redirect(http.StatusFound, claimPage+"?"+url.Values{
			"paymentRequired": {"true"},
			"reason":          {reason},
		}.Encode())
		return
	}
	c.Redirect(http.StatusFound, claimPage+"?"+url.Values{"token": {tok.Token}}.Encode())
}

func returnFailureReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrSignatureMismatch), errors.Is(err, gateway.ErrMalformed):
		return "invalid_signature"
	case errors.Is(err, gateway.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, payments.ErrNotPaid):
		return "not_paid"
	case errors.Is(err, payments.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, claim.ErrAlreadyUsed):
		return string(claim.ReasonUsed)
	case errors.Is(err, claim.ErrExpired):
		return string(claim.ReasonExpired)
	default:
		return "error"
	}
}

// testPayment marks an order paid without a gateway. Development only.
func (h *handler) testPayment(c *gin.Context) {
	if !h.cfg.AllowTestPayment {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	orderID := c.Query("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_order_id"})
		return
	}
	tok, err := h.cfg.Payments.SimulatePayment(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "OrderNotFound"})
		case errors.Is(err, claim.ErrAlreadyUsed), errors.Is(err, claim.ErrExpired):
			writeTokenError(c, err)
		default:
			h.reqLog(c).Error("test_payment_failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.Redirect(http.StatusFound, "/?"+url.Values{"token": {tok.Token}}.Encode())
}
