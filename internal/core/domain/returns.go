package domain

import "time"

type ReturnStatus string

const (
	ReturnStatusInspection       ReturnStatus = "INSPECTION"
	ReturnStatusAwaitingShipment ReturnStatus = "APPROVED_AWAITING_SHIPMENT"
	ReturnStatusRejected         ReturnStatus = "REJECTED"
	ReturnStatusShipped          ReturnStatus = "SHIPPED"
	ReturnStatusCompleted        ReturnStatus = "COMPLETED"
	ReturnStatusClosed           ReturnStatus = "CLOSED"
)

// ValidReturnStatus reports whether s is one of the enumerated states.
// Unrecognized values must be rejected at the API boundary.
func ValidReturnStatus(s ReturnStatus) bool {
	switch s {
	case ReturnStatusInspection, ReturnStatusAwaitingShipment, ReturnStatusRejected,
		ReturnStatusShipped, ReturnStatusCompleted, ReturnStatusClosed:
		return true
	}
	return false
}

type ReturnRequest struct {
	ID             string
	RMANumber      string
	OrderID        string
	BuyerID        string
	Reason         string
	Details        string
	Status         ReturnStatus
	Items          []ReturnItem
	CreditIssuedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReturnItem struct {
	ProductID string
	Quantity  int
}

// InspectionRecord is an append-only note from warehouse inspection; it
// never changes the return's status by itself.
type InspectionRecord struct {
	ID         string
	ReturnID   string
	Result     string
	Notes      string
	RecordedAt time.Time
}

type RefundMethod string

const (
	RefundMethodOriginalPayment RefundMethod = "ORIGINAL_PAYMENT"
	RefundMethodStoreCredit     RefundMethod = "STORE_CREDIT"
	RefundMethodManual          RefundMethod = "MANUAL"
)

type RefundStatus string

const (
	RefundStatusApproved RefundStatus = "APPROVED"
	RefundStatusDeclined RefundStatus = "DECLINED"
)

type Refund struct {
	ID          string
	ReturnID    string
	PaymentID   string // empty unless method is ORIGINAL_PAYMENT
	Method      RefundMethod
	AmountMinor int64
	Status      RefundStatus
	RefundRef   string
	Reason      string
	ProcessedAt time.Time
}

// AuditEntry is the narrow contract to the out-of-scope audit collaborator.
type AuditEntry struct {
	ID         string
	ActorID    string
	Action     string
	EntityKind string
	EntityID   string
	Detail     string
	At         time.Time
}
