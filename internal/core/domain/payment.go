package domain

import "time"

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodWallet       PaymentMethod = "wallet"
)

type PaymentStatus string

const (
	PaymentStatusApproved PaymentStatus = "APPROVED"
	PaymentStatusDeclined PaymentStatus = "DECLINED"
)

// ChargeRequest is what the payment layer needs to attempt a charge.
type ChargeRequest struct {
	OrderID        string
	AmountMinor    int64
	Currency       string
	Method         PaymentMethod
	IdempotencyKey string
}

// ChargeResult is the terminal outcome of a charge attempt. A business
// decline is a valid result, not an error: Approved=false with a
// FailureReason.
type ChargeResult struct {
	Approved      bool      `json:"approved"`
	ApprovalRef   string    `json:"approvalRef,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	AmountMinor   int64     `json:"amountMinor"`
	Currency      string    `json:"currency"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// RefundResult mirrors ChargeResult for the refund direction.
type RefundResult struct {
	Approved      bool      `json:"approved"`
	RefundRef     string    `json:"refundRef,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	AmountMinor   int64     `json:"amountMinor"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// PaymentRecord is the persisted trace of the saga's terminal payment
// outcome, one per order finalization.
type PaymentRecord struct {
	ID            string
	OrderID       string
	Method        PaymentMethod
	Status        PaymentStatus
	ApprovalRef   string
	FailureReason string
	AmountMinor   int64
	ProcessedAt   time.Time
}
