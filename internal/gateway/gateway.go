// Package gateway holds the outbound payment gateway adapters. Each adapter signs its own
// request shape, dispatches it, and turns the gateway's response and callbacks into
// normalized results.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/boluoing/payflow/internal/signature"
)

var (
	// ErrNotConfigured means the adapter is missing its app id or secret.
	ErrNotConfigured = errors.New("payment gateway not configured")
	// ErrSignatureMismatch means a callback or response failed signature verification.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrMalformed means a callback lacks the fields needed to act on it.
	ErrMalformed = errors.New("malformed gateway notification")
	// ErrRequestFailed means the HTTP call to the gateway failed.
	ErrRequestFailed = errors.New("gateway request failed")
	// ErrResponseInvalid means the gateway answered with something unparsable.
	ErrResponseInvalid = errors.New("gateway response invalid")
	// ErrRejected means the gateway answered with a non-success envelope.
	ErrRejected = errors.New("gateway rejected payment request")
	// ErrInvalidAmount means the amount is not a positive decimal.
	ErrInvalidAmount = errors.New("invalid amount")
)

// PayRequest is the normalized outbound payment request.
type PayRequest struct {
	OrderID     string
	Amount      string
	Title       string
	ServiceType string
	ClientIP    string
}

// PayResult is where the client should be sent to pay.
type PayResult struct {
	OrderID string
	PayURL  string
	QRCode  string
	TradeNo string
}

// Notification is a verified gateway callback or signed return.
type Notification struct {
	OrderID string
	Amount  string
	TradeNo string
	Status  string
	Title   string
	// Paid is true when Status is the gateway's success code.
	Paid bool
}

// Adapter is implemented by each gateway integration.
type Adapter interface {
	// Method is the payment_method recorded on orders created through this adapter.
	Method() string
	// Configured is false when credentials are missing; Pay and ParseNotification then
	// return ErrNotConfigured.
	Configured() bool
	// Pay signs and dispatches a payment request.
	Pay(ctx context.Context, req PayRequest) (*PayResult, error)
	// ParseNotification verifies params and extracts the payment outcome. A signature
	// failure returns ErrSignatureMismatch.
	ParseNotification(params signature.Params) (*Notification, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FormatAmount parses a positive decimal with at most two decimal places and renders it with
// exactly two. Finer amounts are rejected, not rounded.
func FormatAmount(amount string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !d.Equal(d.Round(2)) {
		return "", fmt.Errorf("%w: %q has more than two decimal places", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	return d.StringFixed(2), nil
}

// SameAmount reports whether two decimal strings denote the same value.
func SameAmount(a, b string) bool {
	da, err := decimal.NewFromString(strings.TrimSpace(a))
	if err != nil {
		return false
	}
	db, err := decimal.NewFromString(strings.TrimSpace(b))
	if err != nil {
		return false
	}
	return da.Equal(db)
}

// ReturnURL builds a browser-facing URL under base carrying the order id, amount and
// service name.
func ReturnURL(base, path string, req PayRequest) string {
	q := url.Values{}
	q.Set("orderId", req.OrderID)
	if req.Amount != "" {
		q.Set("amount", req.Amount)
	}
	if req.ServiceType != "" {
		q.Set("service", req.ServiceType)
	}
	return strings.TrimRight(base, "/") + path + "?" + q.Encode()
}

// postForm sends params as an x-www-form-urlencoded body and returns the flattened JSON
// envelope of the answer.
func postForm(ctx context.Context, client HTTPDoer, endpoint string, params signature.Params) (signature.Params, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	env, err := FlattenJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	return env, nil
}

// FlattenJSON decodes a flat JSON object into string params. Numbers keep their literal
// text so signatures over them reproduce; nulls, arrays and objects are dropped.
func FlattenJSON(body []byte) (signature.Params, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	out := make(signature.Params, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case json.Number:
			out[k] = tv.String()
		case bool:
			if tv {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		}
	}
	return out, nil
}
