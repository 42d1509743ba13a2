package payments

import "time"

// EventPaymentConfirmed is the type of the event published after a pending order is paid.
const EventPaymentConfirmed = "payment_confirmed"

// PaymentConfirmed is the SQS message body for EventPaymentConfirmed.
type PaymentConfirmed struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id,omitempty"`
	UserEmail     string    `json:"user_email,omitempty"`
	Amount        string    `json:"amount"`
	ServiceType   string    `json:"service_type,omitempty"`
	PaymentMethod string    `json:"payment_method"`
	TradeNo       string    `json:"trade_no,omitempty"`
	PaidAt        time.Time `json:"paid_at"`
}
