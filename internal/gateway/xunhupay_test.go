package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/signature"
)

const testXunhupaySecret = "xh-secret"

func newTestXunhupay(endpoint string) *Xunhupay {
	x := NewXunhupay(XunhupayConfig{
		AppID:    "2019",
		Secret:   testXunhupaySecret,
		Endpoint: endpoint,
		WapName:  "Shop",
		BaseURL:  "https://shop.example",
	}, http.DefaultClient, zap.NewNop())
	x.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	x.nonce = func() string { return "nonce-1" }
	return x
}

func TestXunhupay_PaySignsRequest(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got = r.PostForm
		resp := XunhupayScheme.Signed(signature.Params{
			"errcode":    "0",
			"errmsg":     "success!",
			"url":        "https://pay.example/wap?o=1",
			"url_qrcode": "https://pay.example/qr?o=1",
		}, testXunhupaySecret)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	x := newTestXunhupay(srv.URL)
	res, err := x.Pay(context.Background(), PayRequest{
		OrderID:     "order1",
		Amount:      "169",
		Title:       "ChatGPT独享代充 - 独享代充",
		ServiceType: "ChatGPT Plus",
	})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.PayURL != "https://pay.example/wap?o=1" || res.OrderID != "order1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.QRCode != "https://pay.example/qr?o=1" {
		t.Fatalf("qr code = %q", res.QRCode)
	}

	params := signature.Params{}
	for k := range got {
		params[k] = got.Get(k)
	}
	if !XunhupayScheme.Verify(params, testXunhupaySecret) {
		t.Fatalf("outbound request signature invalid: %v", params)
	}
	want := map[string]string{
		"version":        "1.1",
		"appid":          "2019",
		"trade_order_id": "order1",
		"total_fee":      "169.00",
		"time":           "1700000000",
		"type":           "WAP",
		"wap_url":        "https://shop.example",
		"wap_name":       "Shop",
		"nonce_str":      "nonce-1",
		"notify_url":     "https://shop.example/api/payment/notify",
	}
	for k, v := range want {
		if params[k] != v {
			t.Fatalf("%s = %q, want %q", k, params[k], v)
		}
	}
	ret, err := url.Parse(params["return_url"])
	if err != nil {
		t.Fatalf("return_url: %v", err)
	}
	if ret.Path != "/api/payment/success" || ret.Query().Get("orderId") != "order1" || ret.Query().Get("amount") != "169.00" {
		t.Fatalf("unexpected return_url %s", params["return_url"])
	}
}

func TestXunhupay_PayRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":40029,"errmsg":"invalid appid"}`))
	}))
	defer srv.Close()

	_, err := newTestXunhupay(srv.URL).Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1", Title: "t"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestXunhupay_PayBadResponseSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":0,"url":"https://evil.example","hash":"deadbeef"}`))
	}))
	defer srv.Close()

	_, err := newTestXunhupay(srv.URL).Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1", Title: "t"})
	if !errors.Is(err, ErrResponseInvalid) {
		t.Fatalf("expected ErrResponseInvalid, got %v", err)
	}
}

func TestXunhupay_PayUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestXunhupay(srv.URL).Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1", Title: "t"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

func TestXunhupay_NotConfigured(t *testing.T) {
	x := NewXunhupay(XunhupayConfig{}, http.DefaultClient, zap.NewNop())
	if _, err := x.Pay(context.Background(), PayRequest{OrderID: "o", Amount: "1"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Pay err = %v", err)
	}
	if _, err := x.ParseNotification(signature.Params{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ParseNotification err = %v", err)
	}
}

func TestXunhupay_ParseNotification(t *testing.T) {
	x := newTestXunhupay("")
	params := XunhupayScheme.Signed(signature.Params{
		"appid":          "2019",
		"trade_order_id": "order1",
		"total_fee":      "169.00",
		"transaction_id": "tx-9",
		"order_title":    "ChatGPT Plus",
		"status":         "OD",
	}, testXunhupaySecret)

	n, err := x.ParseNotification(params)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if !n.Paid || n.OrderID != "order1" || n.Amount != "169.00" || n.TradeNo != "tx-9" {
		t.Fatalf("unexpected notification %+v", n)
	}

	pending := params.Clone()
	pending["status"] = "WP"
	pending = XunhupayScheme.Signed(pending, testXunhupaySecret)
	n, err = x.ParseNotification(pending)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if n.Paid {
		t.Fatal("status WP must not count as paid")
	}
}

func TestXunhupay_ParseNotificationTampered(t *testing.T) {
	x := newTestXunhupay("")
	params := XunhupayScheme.Signed(signature.Params{
		"appid":          "2019",
		"trade_order_id": "order1",
		"total_fee":      "169.00",
		"status":         "OD",
	}, testXunhupaySecret)
	params["hash"] = "0123456789abcdef0123456789abcdef"

	if _, err := x.ParseNotification(params); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	other := XunhupayScheme.Signed(signature.Params{
		"appid":          "other",
		"trade_order_id": "order1",
		"status":         "OD",
	}, testXunhupaySecret)
	if _, err := x.ParseNotification(other); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("foreign appid: expected ErrSignatureMismatch, got %v", err)
	}
}

func TestXunhupay_ParseNotificationMissingOrder(t *testing.T) {
	x := newTestXunhupay("")
	params := XunhupayScheme.Signed(signature.Params{"appid": "2019", "status": "OD"}, testXunhupaySecret)
	if _, err := x.ParseNotification(params); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
