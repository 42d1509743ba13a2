package validation

import "encoding/json"

// CheckoutRequest is the payload for POST /api/payment
type CheckoutRequest struct {
	OrderID       string      `json:"orderId,omitempty" validate:"omitempty,orderid"`                   // optional client-chosen id
	Amount        json.Number `json:"amount" validate:"required,money"`                                 // "169.00" or 169
	Title         string      `json:"title" validate:"required,max=128"`                                // shown on the gateway page
	ServiceType   string      `json:"serviceType" validate:"max=128"`                                   // purchased plan label
	PaymentMethod string      `json:"paymentMethod,omitempty" validate:"omitempty,oneof=xunhupay epay"` // empty = default gateway
}

// TokenIssueRequest is the payload for POST /api/token
type TokenIssueRequest struct {
	OrderID string `json:"orderId" validate:"required,max=64"`
}

// TokenConsumeRequest is the payload for DELETE /api/token
type TokenConsumeRequest struct {
	Token string `json:"token" validate:"required,max=128"`
}
