// Package payments drives the order lifecycle: checkout, gateway callback reconciliation
// and the hand-off to claim tokens once an order is paid.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/aws"
	"github.com/boluoing/payflow/internal/claim"
	"github.com/boluoing/payflow/internal/gateway"
	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/signature"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrUnknownMethod  = errors.New("unknown payment method")
	ErrUpstream       = errors.New("payment gateway error")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotPaid        = errors.New("order not paid")
	ErrAmountMismatch = errors.New("paid amount does not match order")
	ErrOrderIDTaken   = errors.New("could not allocate order id")
)

// OrderStore is the subset of orders.Store the manager needs.
type OrderStore interface {
	Create(ctx context.Context, order orders.Order) error
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	FindPendingForUser(ctx context.Context, userID string) (*orders.Order, error)
	TransitionPaymentStatus(ctx context.Context, orderID, expectedStatus, newStatus, tradeNo string) error
	RecordClaim(ctx context.Context, orderID, tokenHash string, expiresAt time.Time) error
}

// Claims issues and looks up claim tokens. Issue returns the order's existing token when
// there is one.
type Claims interface {
	Issue(ctx context.Context, orderID string) (*claim.Token, error)
	ForOrder(ctx context.Context, orderID string) (*claim.Token, error)
}

// EventPublisher sends a JSON event.
type EventPublisher interface {
	PublishJSON(ctx context.Context, payload interface{}, attributes map[string]string) error
}

// Counter records metric datapoints.
type Counter interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// CheckoutRequest is a normalized checkout call.
type CheckoutRequest struct {
	OrderID     string // optional client-chosen id
	UserID      string // empty for guests
	UserEmail   string
	Amount      string
	Title       string
	ServiceType string
	Method      string // empty selects the default gateway
	IPAddress   string
	UserAgent   string
}

// CheckoutResult tells the client where to pay.
type CheckoutResult struct {
	OrderID string `json:"orderId"`
	PayURL  string `json:"payUrl"`
	QRCode  string `json:"qrCode,omitempty"`
	// Reused is true when an existing pending order was re-offered.
	Reused bool `json:"-"`
}

// Outcome classifies what a callback did.
type Outcome string

const (
	// OutcomeApplied means this callback moved the order to paid.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the order was already paid.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRejected means the callback failed verification and was discarded.
	OutcomeRejected Outcome = "rejected"
	// OutcomeIgnored means the gateway reported a non-success status.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAmountMismatch means the paid amount differs from the order amount.
	OutcomeAmountMismatch Outcome = "amount_mismatch"
)

// CallbackResult is returned by HandleCallback. Token is set only for OutcomeApplied when
// issuance succeeded.
type CallbackResult struct {
	Outcome Outcome
	OrderID string
	Token   *claim.Token
}

// Manager is the order lifecycle manager.
type Manager struct {
	store         OrderStore
	claims        Claims
	gateways      map[string]gateway.Adapter
	defaultMethod string
	publisher     EventPublisher
	metrics       Counter
	log           *zap.Logger

	nowFunc    func() time.Time
	newOrderID func() string
}

// NewManager wires a Manager. The first adapter is the default payment method. publisher and
// metrics may be nil.
func NewManager(store OrderStore, claims Claims, adapters []gateway.Adapter, publisher EventPublisher, metrics Counter, log *zap.Logger) *Manager {
	m := &Manager{
		store:      store,
		claims:     claims,
		gateways:   make(map[string]gateway.Adapter, len(adapters)),
		publisher:  publisher,
		metrics:    metrics,
		log:        log,
		nowFunc:    time.Now,
		newOrderID: newOrderID,
	}
	for _, a := range adapters {
		if m.defaultMethod == "" {
			m.defaultMethod = a.Method()
		}
		m.gateways[a.Method()] = a
	}
	return m
}

func newOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Manager) adapter(method string) (gateway.Adapter, error) {
	if method == "" {
		method = m.defaultMethod
	}
	a, ok := m.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return a, nil
}

// CreateOrder creates (or reuses) a pending order and returns its payment URL. A user with a
// pending order gets that order re-signed instead of a new row. Gateway failures leave the
// order pending.
func (m *Manager) CreateOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	adapter, err := m.adapter(req.Method)
	if err != nil {
		return nil, err
	}
	if !adapter.Configured() {
		return nil, gateway.ErrNotConfigured
	}
	amount, err := gateway.FormatAmount(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if req.UserID != "" {
		pending, err := m.store.FindPendingForUser(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("find pending order: %w", err)
		}
		if pending != nil {
			return m.reoffer(ctx, pending, adapter, req)
		}
	}

	order := orders.Order{
		OrderID:          req.OrderID,
		UserID:           req.UserID,
		Amount:           amount,
		Title:            req.Title,
		ServiceType:      req.ServiceType,
		PaymentStatus:    orders.PaymentPending,
		ProcessingStatus: orders.ProcessingWaitingForInfo,
		PaymentMethod:    adapter.Method(),
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		UserEmail:        req.UserEmail,
	}
	if order.OrderID == "" {
		order.OrderID = m.newOrderID()
	}
	err = m.store.Create(ctx, order)
	if errors.Is(err, orders.ErrDuplicateKey) {
		m.log.Warn("order_id_collision", zap.String("order_id", order.OrderID))
		order.OrderID = m.newOrderID()
		err = m.store.Create(ctx, order)
		if errors.Is(err, orders.ErrDuplicateKey) {
			return nil, ErrOrderIDTaken
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	m.count(ctx, aws.MetricOrdersCreated, map[string]string{"payment_method": order.PaymentMethod})
	m.log.Info("order_created",
		zap.String("order_id", order.OrderID),
		zap.String("amount", order.Amount),
		zap.String("gateway", order.PaymentMethod),
		zap.Bool("guest", order.UserID == ""),
	)

	return m.pay(ctx, adapter, order, req.IPAddress)
}

// reoffer signs a fresh payment request for an existing pending order from its stored fields.
func (m *Manager) reoffer(ctx context.Context, pending *orders.Order, requested gateway.Adapter, req CheckoutRequest) (*CheckoutResult, error) {
	adapter := requested
	if a, ok := m.gateways[pending.PaymentMethod]; ok && a.Configured() {
		adapter = a
	}
	if !gateway.SameAmount(pending.Amount, req.Amount) || pending.ServiceType != req.ServiceType {
		m.log.Info("pending_order_request_differs",
			zap.String("order_id", pending.OrderID),
			zap.String("stored_amount", pending.Amount),
			zap.String("requested_amount", req.Amount),
		)
	}
	m.log.Info("pending_order_reused", zap.String("order_id", pending.OrderID), zap.String("gateway", adapter.Method()))
	res, err := m.pay(ctx, adapter, *pending, req.IPAddress)
	if err != nil {
		return nil, err
	}
	res.Reused = true
	return res, nil
}

func (m *Manager) pay(ctx context.Context, adapter gateway.Adapter, order orders.Order, clientIP string) (*CheckoutResult, error) {
	res, err := adapter.Pay(ctx, gateway.PayRequest{
		OrderID:     order.OrderID,
		Amount:      order.Amount,
		Title:       order.Title,
		ServiceType: order.ServiceType,
		ClientIP:    clientIP,
	})
	if err != nil {
		m.log.Error("gateway_pay_failed",
			zap.String("order_id", order.OrderID),
			zap.String("gateway", adapter.Method()),
			zap.Error(err),
		)
		if errors.Is(err, gateway.ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return &CheckoutResult{OrderID: order.OrderID, PayURL: res.PayURL, QRCode: res.QRCode}, nil
}

// HandleCallback verifies a gateway notification and applies it. Verification failures and
// non-success statuses are reported through the Outcome, not as errors; an error means the
// order store failed and the gateway should retry.
func (m *Manager) HandleCallback(ctx context.Context, method string, params signature.Params) (*CallbackResult, error) {
	adapter, err := m.adapter(method)
	if err != nil {
		return nil, err
	}
	n, err := adapter.ParseNotification(params)
	if err != nil {
		m.count(ctx, aws.MetricCallbackRejected, map[string]string{"payment_method": adapter.Method()})
		if errors.Is(err, gateway.ErrSignatureMismatch) {
			m.log.Warn("signature_mismatch",
				zap.String("gateway", adapter.Method()),
				zap.String("order_id", orderIDHint(params)),
			)
		} else {
			m.log.Warn("callback_rejected", zap.String("gateway", adapter.Method()), zap.Error(err))
		}
		return &CallbackResult{Outcome: OutcomeRejected, OrderID: orderIDHint(params)}, nil
	}
	if !n.Paid {
		m.log.Info("callback_not_successful",
			zap.String("order_id", n.OrderID),
			zap.String("gateway", adapter.Method()),
			zap.String("status", n.Status),
		)
		return &CallbackResult{Outcome: OutcomeIgnored, OrderID: n.OrderID}, nil
	}
	return m.reconcile(ctx, adapter.Method(), n)
}

func orderIDHint(params signature.Params) string {
	if v := params["trade_order_id"]; v != "" {
		return v
	}
	return params["out_trade_no"]
}

// reconcile marks the notified order paid exactly once. A notification for an order that
// was never stored creates it directly as paid.
func (m *Manager) reconcile(ctx context.Context, method string, n *gateway.Notification) (*CallbackResult, error) {
	res := &CallbackResult{OrderID: n.OrderID}
	order, err := m.store.Get(ctx, n.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if order == nil {
		now := m.nowFunc().UTC()
		amount, ferr := gateway.FormatAmount(n.Amount)
		if ferr != nil {
			amount = n.Amount
		}
		created := orders.Order{
			OrderID:          n.OrderID,
			Amount:           amount,
			Title:            n.Title,
			PaymentStatus:    orders.PaymentPaid,
			ProcessingStatus: orders.ProcessingWaitingForInfo,
			PaymentMethod:    method,
			TradeNo:          n.TradeNo,
			PaidAt:           &now,
		}
		err = m.store.Create(ctx, created)
		if err == nil {
			m.log.Warn("order_created_from_callback", zap.String("order_id", n.OrderID), zap.String("gateway", method))
			res.Outcome = OutcomeApplied
			res.Token = m.afterPaid(ctx, created)
			return res, nil
		}
		if !errors.Is(err, orders.ErrDuplicateKey) {
			return nil, fmt.Errorf("create order from callback: %w", err)
		}
		// checkout committed concurrently; reconcile against its row
		order, err = m.store.Get(ctx, n.OrderID)
		if err != nil {
			return nil, fmt.Errorf("reload order: %w", err)
		}
		if order == nil {
			return nil, fmt.Errorf("reload order %s: %w", n.OrderID, ErrOrderNotFound)
		}
	}

	if order.IsPaid() {
		m.log.Info("payment_callback_duplicate", zap.String("order_id", order.OrderID), zap.String("gateway", method))
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	if n.Amount != "" && !gateway.SameAmount(n.Amount, order.Amount) {
		m.log.Error("payment_amount_mismatch",
			zap.String("order_id", order.OrderID),
			zap.String("order_amount", order.Amount),
			zap.String("paid_amount", n.Amount),
		)
		res.Outcome = OutcomeAmountMismatch
		return res, nil
	}

	err = m.store.TransitionPaymentStatus(ctx, order.OrderID, orders.PaymentPending, orders.PaymentPaid, n.TradeNo)
	switch {
	case errors.Is(err, orders.ErrStatusMismatch):
		m.log.Info("payment_callback_duplicate", zap.String("order_id", order.OrderID), zap.String("gateway", method))
		res.Outcome = OutcomeDuplicate
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	now := m.nowFunc().UTC()
	order.PaymentStatus = orders.PaymentPaid
	order.PaidAt = &now
	if n.TradeNo != "" {
		order.TradeNo = n.TradeNo
	}
	m.log.Info("payment_callback_applied",
		zap.String("order_id", order.OrderID),
		zap.String("gateway", method),
		zap.String("trade_no", n.TradeNo),
	)
	res.Outcome = OutcomeApplied
	res.Token = m.afterPaid(ctx, *order)
	return res, nil
}

// afterPaid runs once per pending->paid transition. Failures are logged only.
func (m *Manager) afterPaid(ctx context.Context, order orders.Order) *claim.Token {
	token, err := m.claimFor(ctx, order)
	if err != nil {
		m.log.Error("claim_token_issue_failed", zap.String("order_id", order.OrderID), zap.Error(err))
		token = nil
	}

	if m.publisher != nil {
		paidAt := m.nowFunc().UTC()
		if order.PaidAt != nil {
			paidAt = *order.PaidAt
		}
		evt := PaymentConfirmed{
			Type:          EventPaymentConfirmed,
			OrderID:       order.OrderID,
			UserID:        order.UserID,
			UserEmail:     order.UserEmail,
			Amount:        order.Amount,
			ServiceType:   order.ServiceType,
			PaymentMethod: order.PaymentMethod,
			TradeNo:       order.TradeNo,
			PaidAt:        paidAt,
		}
		attrs := map[string]string{"event_type": EventPaymentConfirmed, "order_id": order.OrderID}
		if err := m.publisher.PublishJSON(ctx, evt, attrs); err != nil {
			m.log.Error("payment_event_publish_failed", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	return token
}

// claimFor returns the claim token of a paid order, minting it on first use and recording
// its hash on the order row. Once a hash is recorded no other token is handed out.
func (m *Manager) claimFor(ctx context.Context, order orders.Order) (*claim.Token, error) {
	if order.ClaimIssued() {
		return m.recordedClaim(ctx, order)
	}
	tok, err := m.claims.Issue(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	err = m.store.RecordClaim(ctx, order.OrderID, claim.HashToken(tok.Token), tok.ExpiresAt)
	switch {
	case err == nil:
		return tok, nil
	case errors.Is(err, orders.ErrClaimRecorded):
		reloaded, gerr := m.store.Get(ctx, order.OrderID)
		if gerr != nil {
			return nil, fmt.Errorf("reload order: %w", gerr)
		}
		if reloaded == nil {
			return nil, ErrOrderNotFound
		}
		return m.recordedClaim(ctx, *reloaded)
	case errors.Is(err, orders.ErrNotFound):
		return nil, ErrOrderNotFound
	default:
		return nil, fmt.Errorf("record claim: %w", err)
	}
}

// recordedClaim returns the token whose hash the order carries. If the token store no
// longer has it the claim is refused.
func (m *Manager) recordedClaim(ctx context.Context, order orders.Order) (*claim.Token, error) {
	tok, err := m.claims.ForOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if tok != nil && claim.HashToken(tok.Token) == order.ClaimTokenHash {
		return tok, nil
	}
	m.log.Warn("claim_token_unavailable",
		zap.String("order_id", order.OrderID),
		zap.Bool("replaced", tok != nil),
	)
	if order.ClaimExpiresAt != nil && !m.nowFunc().Before(*order.ClaimExpiresAt) {
		return nil, claim.ErrExpired
	}
	return nil, claim.ErrAlreadyUsed
}

// HandleReturn verifies a signed browser return, reconciles it like a callback and returns
// the order's claim token.
func (m *Manager) HandleReturn(ctx context.Context, method string, params signature.Params) (*claim.Token, error) {
	adapter, err := m.adapter(method)
	if err != nil {
		return nil, err
	}
	n, err := adapter.ParseNotification(params)
	if err != nil {
		m.log.Warn("return_rejected", zap.String("gateway", adapter.Method()), zap.Error(err))
		return nil, err
	}
	if !n.Paid {
		return nil, ErrNotPaid
	}
	res, err := m.reconcile(ctx, adapter.Method(), n)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeAmountMismatch {
		return nil, ErrAmountMismatch
	}
	if res.Token != nil {
		return res.Token, nil
	}
	return m.ClaimForOrder(ctx, n.OrderID)
}

// ClaimForOrder returns the outstanding claim token of a paid order, issuing one if none was
// ever recorded on the order. A used or expired token is reported as claim.ErrAlreadyUsed or
// claim.ErrExpired. A token the store has since dropped is refused the same way, so a payment
// never yields a second token.
func (m *Manager) ClaimForOrder(ctx context.Context, orderID string) (*claim.Token, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if !order.IsPaid() {
		return nil, ErrNotPaid
	}

	tok, err := m.claimFor(ctx, *order)
	if err != nil {
		return nil, err
	}
	if err := tok.Check(m.nowFunc()); err != nil {
		return nil, err
	}
	return tok, nil
}

// SimulatePayment reconciles a stored order as paid without a gateway. Development only.
func (m *Manager) SimulatePayment(ctx context.Context, orderID string) (*claim.Token, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	m.log.Warn("payment_simulated", zap.String("order_id", orderID))
	res, err := m.reconcile(ctx, order.PaymentMethod, &gateway.Notification{
		OrderID: order.OrderID,
		Amount:  order.Amount,
		TradeNo: "simulated-" + order.OrderID,
		Paid:    true,
	})
	if err != nil {
		return nil, err
	}
	if res.Token != nil {
		return res.Token, nil
	}
	return m.ClaimForOrder(ctx, orderID)
}

func (m *Manager) count(ctx context.Context, name string, dims map[string]string) {
	if m.metrics == nil {
		return
	}
	if err := m.metrics.RecordCount(ctx, name, dims); err != nil {
		m.log.Warn("metric_record_failed", zap.String("metric", name), zap.Error(err))
	}
}
