package validation

import (
	"encoding/json"
	"testing"
)

func TestCheckoutRequest_Valid(t *testing.T) {
	v := New()

	for _, amount := range []string{"169.00", "169", "0.01", "49.9"} {
		req := CheckoutRequest{
			Amount:      json.Number(amount),
			Title:       "ChatGPT独享代充 - 独享代充",
			ServiceType: "ChatGPT Plus",
		}
		if err := v.Struct(req); err != nil {
			t.Fatalf("amount %q: expected valid, got error: %v", amount, err)
		}
	}

	req := CheckoutRequest{
		OrderID:       "order_2025-03-01",
		Amount:        "10",
		Title:         "Claude Pro",
		PaymentMethod: "epay",
	}
	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCheckoutRequest_InvalidAmount(t *testing.T) {
	v := New()

	for _, amount := range []string{"0", "-1", "1.001", "abc", "100000.01"} {
		req := CheckoutRequest{Amount: json.Number(amount), Title: "t"}
		if err := v.Struct(req); err == nil {
			t.Fatalf("amount %q: expected validation error, got nil", amount)
		}
	}
}

func TestCheckoutRequest_MissingFields(t *testing.T) {
	v := New()

	req := CheckoutRequest{
		// Amount and Title missing
		ServiceType: "chatgpt",
	}
	if err := v.Struct(req); err == nil {
		t.Fatal("expected validation errors for missing required fields, got nil")
	}
}

func TestCheckoutRequest_BadOrderIDAndMethod(t *testing.T) {
	v := New()

	bad := []CheckoutRequest{
		{OrderID: "has space", Amount: "1", Title: "t"},
		{OrderID: "abcdefghijklmnopqrstuvwxyz0123456789", Amount: "1", Title: "t"},
		{OrderID: "order/1", Amount: "1", Title: "t"},
		{Amount: "1", Title: "t", PaymentMethod: "stripe"},
	}
	for _, req := range bad {
		if err := v.Struct(req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}
}

func TestTokenRequests(t *testing.T) {
	v := New()

	if err := v.Struct(TokenIssueRequest{OrderID: "o1"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := v.Struct(TokenIssueRequest{}); err == nil {
		t.Fatal("issue without orderId should fail")
	}
	if err := v.Struct(TokenConsumeRequest{Token: "abc"}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := v.Struct(TokenConsumeRequest{}); err == nil {
		t.Fatal("consume without token should fail")
	}
}

func TestValidationErrorsToMap_UsesJSONNames(t *testing.T) {
	v := New()
	err := v.Struct(CheckoutRequest{Amount: "0", PaymentMethod: "stripe"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	fields := validationErrorsToMap(err)
	if fields["amount"] != "money" || fields["title"] != "required" || fields["paymentMethod"] != "oneof" {
		t.Fatalf("unexpected field map %v", fields)
	}
}
