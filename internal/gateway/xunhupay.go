package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/signature"
)

const (
	// DefaultXunhupayEndpoint is the public payment API.
	DefaultXunhupayEndpoint = "https://api.xunhupay.com/payment/do.html"
	// XunhupayPaidStatus is the callback status for a completed payment.
	XunhupayPaidStatus = "OD"

	xunhupayVersion = "1.1"
)

// XunhupayScheme signs every non-empty parameter except hash.
var XunhupayScheme = signature.Scheme{SignField: "hash"}

// XunhupayConfig configures the WAP (mobile redirect) gateway.
type XunhupayConfig struct {
	AppID    string
	Secret   string
	Endpoint string
	WapName  string
	// BaseURL is the public origin of this service; notify and return URLs hang off it.
	BaseURL string
}

// Xunhupay is the WAP gateway: the pay URL opens the payment app on mobile devices and the
// browser comes back through the unsigned success redirect.
type Xunhupay struct {
	cfg     XunhupayConfig
	client  HTTPDoer
	log     *zap.Logger
	nowFunc func() time.Time
	nonce   func() string
}

// NewXunhupay returns the WAP adapter.
func NewXunhupay(cfg XunhupayConfig, client HTTPDoer, log *zap.Logger) *Xunhupay {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultXunhupayEndpoint
	}
	return &Xunhupay{
		cfg:     cfg,
		client:  client,
		log:     log.With(zap.String("gateway", orders.MethodXunhupay)),
		nowFunc: time.Now,
		nonce:   uuid.NewString,
	}
}

func (x *Xunhupay) Method() string { return orders.MethodXunhupay }

func (x *Xunhupay) Configured() bool {
	return x.cfg.AppID != "" && x.cfg.Secret != ""
}

func (x *Xunhupay) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	if !x.Configured() {
		return nil, ErrNotConfigured
	}
	amount, err := FormatAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	req.Amount = amount
	base := strings.TrimRight(x.cfg.BaseURL, "/")

	params := signature.FromFields(
		signature.Field{Name: "version", Value: xunhupayVersion},
		signature.Field{Name: "appid", Value: x.cfg.AppID},
		signature.Field{Name: "trade_order_id", Value: req.OrderID},
		signature.Field{Name: "total_fee", Value: amount},
		signature.Field{Name: "title", Value: req.Title},
		signature.Field{Name: "time", Value: strconv.FormatInt(x.nowFunc().Unix(), 10)},
		signature.Field{Name: "notify_url", Value: base + "/api/payment/notify"},
		signature.Field{Name: "return_url", Value: ReturnURL(base, "/api/payment/success", req)},
		signature.Field{Name: "nonce_str", Value: x.nonce()},
		signature.Field{Name: "type", Value: "WAP"},
		signature.Field{Name: "wap_url", Value: base},
		signature.Field{Name: "wap_name", Value: x.cfg.WapName},
	)
	x.log.Debug("xunhupay_sign", zap.String("order_id", req.OrderID), zap.String("canonical", XunhupayScheme.Canonical(params)))

	env, err := postForm(ctx, x.client, x.cfg.Endpoint, XunhupayScheme.Signed(params, x.cfg.Secret))
	if err != nil {
		return nil, err
	}
	if code := env["errcode"]; code != "0" {
		return nil, fmt.Errorf("%w: errcode=%s errmsg=%s", ErrRejected, code, env["errmsg"])
	}
	if env["hash"] != "" && !XunhupayScheme.Verify(env, x.cfg.Secret) {
		return nil, fmt.Errorf("%w: response %v", ErrResponseInvalid, ErrSignatureMismatch)
	}
	if env["url"] == "" {
		return nil, fmt.Errorf("%w: missing url", ErrResponseInvalid)
	}
	return &PayResult{
		OrderID: req.OrderID,
		PayURL:  env["url"],
		QRCode:  env["url_qrcode"],
	}, nil
}

func (x *Xunhupay) ParseNotification(params signature.Params) (*Notification, error) {
	if !x.Configured() {
		return nil, ErrNotConfigured
	}
	if !XunhupayScheme.Verify(params, x.cfg.Secret) {
		return nil, ErrSignatureMismatch
	}
	if appID := params["appid"]; appID != "" && appID != x.cfg.AppID {
		return nil, ErrSignatureMismatch
	}
	n := &Notification{
		OrderID: params["trade_order_id"],
		Amount:  params["total_fee"],
		TradeNo: params["transaction_id"],
		Status:  params["status"],
		Title:   params["order_title"],
	}
	if n.OrderID == "" {
		return nil, ErrMalformed
	}
	n.Paid = n.Status == XunhupayPaidStatus
	return n, nil
}
