package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/signature"
)

const testEpayKey = "ep-key"

func newTestEpay(endpoint string) *Epay {
	return NewEpay(EpayConfig{
		PID:      "1001",
		Key:      testEpayKey,
		Endpoint: endpoint,
		BaseURL:  "https://shop.example",
	}, http.DefaultClient, zap.NewNop())
}

func TestEpay_PaySignsRequest(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got = r.PostForm
		_, _ = w.Write([]byte(`{"code":1,"msg":"ok","trade_no":"2024T1","qrcode":"weixin://wxpay/bizpayurl?pr=abc"}`))
	}))
	defer srv.Close()

	res, err := newTestEpay(srv.URL).Pay(context.Background(), PayRequest{
		OrderID:     "order2",
		Amount:      "49.9",
		Title:       "Claude Pro",
		ServiceType: "claude",
		ClientIP:    "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.PayURL != "weixin://wxpay/bizpayurl?pr=abc" || res.QRCode != res.PayURL || res.TradeNo != "2024T1" {
		t.Fatalf("unexpected result %+v", res)
	}

	params := signature.Params{}
	for k := range got {
		params[k] = got.Get(k)
	}
	if params["sign_type"] != "MD5" {
		t.Fatalf("sign_type = %q", params["sign_type"])
	}
	if !EpayScheme.Verify(params, testEpayKey) {
		t.Fatalf("outbound request signature invalid: %v", params)
	}
	if params["money"] != "49.90" || params["pid"] != "1001" || params["type"] != "alipay" || params["device"] != "pc" {
		t.Fatalf("unexpected params %v", params)
	}
	if params["notify_url"] != "https://shop.example/api/payment/epay/notify" {
		t.Fatalf("notify_url = %q", params["notify_url"])
	}
}

func TestEpay_PayPrefersPayURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":1,"payurl":"https://epay.example/pay/1","qrcode":"qr"}`))
	}))
	defer srv.Close()

	res, err := newTestEpay(srv.URL).Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1", Title: "t"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.PayURL != "https://epay.example/pay/1" {
		t.Fatalf("PayURL = %q", res.PayURL)
	}
}

func TestEpay_PayRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-1,"msg":"merchant disabled"}`))
	}))
	defer srv.Close()

	_, err := newTestEpay(srv.URL).Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1", Title: "t"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestEpay_ParseNotificationIgnoresForeignParams(t *testing.T) {
	e := newTestEpay("https://epay.example/mapi.php")
	signed := EpayScheme.Signed(signature.Params{
		"pid":          "1001",
		"trade_no":     "2024T1",
		"out_trade_no": "order2",
		"type":         "alipay",
		"name":         "Claude Pro",
		"money":        "49.90",
		"trade_status": "TRADE_SUCCESS",
		"param":        "claude",
	}, testEpayKey)
	signed["sign_type"] = "MD5"
	// query parameters appended to our own return URL
	signed["orderId"] = "order2"
	signed["amount"] = "49.90"
	signed["service"] = "claude"

	n, err := e.ParseNotification(signed)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if !n.Paid || n.OrderID != "order2" || n.TradeNo != "2024T1" || n.Amount != "49.90" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestEpay_ParseNotificationRejects(t *testing.T) {
	e := newTestEpay("https://epay.example/mapi.php")
	base := signature.Params{
		"pid":          "1001",
		"out_trade_no": "order2",
		"money":        "49.90",
		"trade_status": "TRADE_SUCCESS",
	}

	tampered := EpayScheme.Signed(base, testEpayKey)
	tampered["money"] = "0.01"
	if _, err := e.ParseNotification(tampered); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered: expected ErrSignatureMismatch, got %v", err)
	}

	foreign := base.Clone()
	foreign["pid"] = "2002"
	if _, err := e.ParseNotification(EpayScheme.Signed(foreign, testEpayKey)); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("foreign pid: expected ErrSignatureMismatch, got %v", err)
	}

	unsigned := base.Clone()
	if _, err := e.ParseNotification(unsigned); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("unsigned: expected ErrSignatureMismatch, got %v", err)
	}
}

func TestEpay_NotConfigured(t *testing.T) {
	e := NewEpay(EpayConfig{PID: "1"}, http.DefaultClient, zap.NewNop())
	if _, err := e.Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Pay err = %v", err)
	}
}
