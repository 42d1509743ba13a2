package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/signature"
)

// EpayPaidStatus is the trade_status of a completed payment.
const EpayPaidStatus = "TRADE_SUCCESS"

// EpayScheme signs the gateway's own notification fields; sign and sign_type never take part.
var EpayScheme = signature.Scheme{
	SignField: "sign",
	Exclude:   []string{"sign_type"},
}

// epayNotifyScheme restricts verification to the fields the gateway signs, so query
// parameters we put on the return URL do not disturb it.
var epayNotifyScheme = signature.Scheme{
	SignField: "sign",
	Exclude:   []string{"sign_type"},
	Include:   []string{"pid", "trade_no", "out_trade_no", "type", "name", "money", "trade_status", "param"},
}

// EpayConfig configures the PC/QR gateway.
type EpayConfig struct {
	PID      string
	Key      string
	Endpoint string
	// PayType is the channel requested from the gateway (alipay, wxpay, ...).
	PayType string
	BaseURL string
}

// Epay is the PC gateway: the pay URL is a QR-code page for desktop browsers, and the browser
// comes back through a signed return redirect.
type Epay struct {
	cfg    EpayConfig
	client HTTPDoer
	log    *zap.Logger
}

// NewEpay returns the PC/QR adapter.
func NewEpay(cfg EpayConfig, client HTTPDoer, log *zap.Logger) *Epay {
	if cfg.PayType == "" {
		cfg.PayType = "alipay"
	}
	return &Epay{
		cfg:    cfg,
		client: client,
		log:    log.With(zap.String("gateway", orders.MethodEpay)),
	}
}

func (e *Epay) Method() string { return orders.MethodEpay }

func (e *Epay) Configured() bool {
	return e.cfg.PID != "" && e.cfg.Key != "" && e.cfg.Endpoint != ""
}

func (e *Epay) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	if !e.Configured() {
		return nil, ErrNotConfigured
	}
	amount, err := FormatAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	req.Amount = amount
	base := strings.TrimRight(e.cfg.BaseURL, "/")

	params := signature.FromFields(
		signature.Field{Name: "pid", Value: e.cfg.PID},
		signature.Field{Name: "type", Value: e.cfg.PayType},
		signature.Field{Name: "out_trade_no", Value: req.OrderID},
		signature.Field{Name: "notify_url", Value: base + "/api/payment/epay/notify"},
		signature.Field{Name: "return_url", Value: ReturnURL(base, "/api/payment/epay/return", req)},
		signature.Field{Name: "name", Value: req.Title},
		signature.Field{Name: "money", Value: amount},
		signature.Field{Name: "clientip", Value: req.ClientIP},
		signature.Field{Name: "device", Value: "pc"},
		signature.Field{Name: "param", Value: req.ServiceType},
	)
	signed := EpayScheme.Signed(params, e.cfg.Key)
	signed["sign_type"] = "MD5"
	e.log.Debug("epay_sign", zap.String("order_id", req.OrderID), zap.String("canonical", EpayScheme.Canonical(params)))

	env, err := postForm(ctx, e.client, e.cfg.Endpoint, signed)
	if err != nil {
		return nil, err
	}
	if env["code"] != "1" {
		return nil, fmt.Errorf("%w: code=%s msg=%s", ErrRejected, env["code"], env["msg"])
	}
	payURL := env["payurl"]
	if payURL == "" {
		payURL = env["qrcode"]
	}
	if payURL == "" {
		return nil, fmt.Errorf("%w: neither payurl nor qrcode present", ErrResponseInvalid)
	}
	return &PayResult{
		OrderID: req.OrderID,
		PayURL:  payURL,
		QRCode:  env["qrcode"],
		TradeNo: env["trade_no"],
	}, nil
}

func (e *Epay) ParseNotification(params signature.Params) (*Notification, error) {
	if !e.Configured() {
		return nil, ErrNotConfigured
	}
	if !epayNotifyScheme.Verify(params, e.cfg.Key) {
		return nil, ErrSignatureMismatch
	}
	if params["pid"] != e.cfg.PID {
		return nil, ErrSignatureMismatch
	}
	n := &Notification{
		OrderID: params["out_trade_no"],
		Amount:  params["money"],
		TradeNo: params["trade_no"],
		Status:  params["trade_status"],
		Title:   params["param"],
	}
	if n.OrderID == "" {
		return nil, ErrMalformed
	}
	n.Paid = n.Status == EpayPaidStatus
	return n, nil
}
