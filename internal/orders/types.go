package orders

import "time"

// Payment statuses. pending -> paid is the only transition driven by payment callbacks.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// Processing statuses, advanced by the intake form and admin tooling.
const (
	ProcessingWaitingForInfo = "waiting_for_info"
	ProcessingInfoSubmitted  = "info_submitted"
	ProcessingInProgress     = "processing"
	ProcessingCompleted      = "completed"
	ProcessingCancelled      = "cancelled"
)

// Payment methods, one per gateway adapter.
const (
	MethodXunhupay = "xunhupay"
	MethodEpay     = "epay"
)

// Order represents the item stored in the orders DynamoDB table.
type Order struct {
	OrderID          string     `dynamodbav:"order_id"`          // PK
	UserID           string     `dynamodbav:"user_id,omitempty"` // GSI partition key; empty for guests
	Amount           string     `dynamodbav:"amount"`            // two-decimal string, e.g. "169.00"
	Title            string     `dynamodbav:"title,omitempty"`
	ServiceType      string     `dynamodbav:"service_type"`
	PaymentStatus    string     `dynamodbav:"payment_status"`
	ProcessingStatus string     `dynamodbav:"processing_status,omitempty"`
	PaymentMethod    string     `dynamodbav:"payment_method"`
	TradeNo          string     `dynamodbav:"trade_no,omitempty"` // gateway transaction id
	IPAddress        string     `dynamodbav:"ip_address,omitempty"`
	UserAgent        string     `dynamodbav:"user_agent,omitempty"`
	UserEmail        string     `dynamodbav:"user_email,omitempty"`
	CreatedAt        time.Time  `dynamodbav:"created_at"` // GSI sort key
	UpdatedAt        time.Time  `dynamodbav:"updated_at"`
	PaidAt           *time.Time `dynamodbav:"paid_at,omitempty"`

	// Set once, when the order's claim token is minted. Never cleared.
	ClaimTokenHash string     `dynamodbav:"claim_token_hash,omitempty"` // sha256 of the token
	ClaimIssuedAt  *time.Time `dynamodbav:"claim_issued_at,omitempty"`
	ClaimExpiresAt *time.Time `dynamodbav:"claim_expires_at,omitempty"`
}

// ClaimIssued reports whether a claim token was ever minted for the order.
func (o *Order) ClaimIssued() bool {
	return o != nil && o.ClaimTokenHash != ""
}

// IsPaid reports whether the gateway confirmed payment.
func (o *Order) IsPaid() bool {
	return o != nil && o.PaymentStatus == PaymentPaid
}
