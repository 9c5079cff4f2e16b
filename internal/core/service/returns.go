package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/core/domain"
	"github.com/trovamarket/settlement/internal/metrics"
	"github.com/trovamarket/settlement/internal/port"
)

// ReturnService authorizes returns and issues refunds, reusing the
// payment layer for original-payment refunds. Every refund path ends with
// an audit entry, including failed ones.
type ReturnService struct {
	returns  port.ReturnStore
	orders   port.OrderStore
	payments *PaymentService
	audit    port.AuditLog
	log      *zap.Logger
}

func NewReturnService(returns port.ReturnStore, orders port.OrderStore, payments *PaymentService, audit port.AuditLog, log *zap.Logger) *ReturnService {
	return &ReturnService{
		returns:  returns,
		orders:   orders,
		payments: payments,
		audit:    audit,
		log:      log,
	}
}

type CreateReturnInput struct {
	OrderID string
	BuyerID string
	Reason  string
	Details string
	Items   []domain.ReturnItem
}

// Create opens a return request against a completed order the buyer owns.
func (s *ReturnService) Create(ctx context.Context, in CreateReturnInput) (*domain.ReturnRequest, error) {
	if in.OrderID == "" {
		return nil, domain.E(domain.KindValidation, "order id is required")
	}
	if in.Reason == "" {
		return nil, domain.E(domain.KindValidation, "reason is required")
	}

	order, err := s.orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != in.BuyerID {
		return nil, domain.E(domain.KindConflict, "order does not belong to this buyer")
	}
	if order.Status != domain.OrderStatusCompleted {
		return nil, domain.E(domain.KindConflict, "only completed orders can be returned")
	}

	now := time.Now().UTC()
	req := &domain.ReturnRequest{
		ID:        newID(),
		RMANumber: newRMANumber(now),
		OrderID:   in.OrderID,
		BuyerID:   in.BuyerID,
		Reason:    in.Reason,
		Details:   in.Details,
		Status:    domain.ReturnStatusInspection,
		Items:     in.Items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.returns.CreateReturn(ctx, req); err != nil {
		return nil, domain.Wrap(domain.KindInternal, "create return", err)
	}

	s.appendAudit(ctx, in.BuyerID, "return.created", req.ID, req.RMANumber)
	s.log.Info("return created",
		zap.String("return_id", req.ID),
		zap.String("rma", req.RMANumber),
		zap.String("order_id", in.OrderID))
	return req, nil
}

func (s *ReturnService) Get(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	return s.returns.GetReturn(ctx, id)
}

// Decide authorizes or rejects a return under inspection.
func (s *ReturnService) Decide(ctx context.Context, id, action, actorID string) (*domain.ReturnRequest, error) {
	var next domain.ReturnStatus
	switch action {
	case "authorize":
		next = domain.ReturnStatusAwaitingShipment
	case "reject":
		next = domain.ReturnStatusRejected
	default:
		return nil, domain.E(domain.KindValidation, "action must be authorize or reject")
	}

	req, err := s.returns.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.returns.UpdateReturnStatus(ctx, id, next); err != nil {
		return nil, domain.Wrap(domain.KindInternal, "update return status", err)
	}
	req.Status = next

	s.appendAudit(ctx, actorID, "return."+action, id, string(next))
	return req, nil
}

// AddInspection appends an inspection note; the return's status is not
// changed by the note itself.
func (s *ReturnService) AddInspection(ctx context.Context, id, result, notes, actorID string) (*domain.InspectionRecord, error) {
	if result == "" {
		return nil, domain.E(domain.KindValidation, "inspection result is required")
	}
	if _, err := s.returns.GetReturn(ctx, id); err != nil {
		return nil, err
	}

	rec := &domain.InspectionRecord{
		ID:         newID(),
		ReturnID:   id,
		Result:     result,
		Notes:      notes,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.returns.AddInspection(ctx, rec); err != nil {
		return nil, domain.Wrap(domain.KindInternal, "add inspection", err)
	}

	s.appendAudit(ctx, actorID, "return.inspected", id, result)
	return rec, nil
}

// UpdateStatus moves a return to an explicitly requested state. The
// handler rejects unknown states before this runs; the check here is the
// backstop.
func (s *ReturnService) UpdateStatus(ctx context.Context, id string, status domain.ReturnStatus, actorID string) (*domain.ReturnRequest, error) {
	if !domain.ValidReturnStatus(status) {
		return nil, domain.E(domain.KindValidation, fmt.Sprintf("unknown return status %q", status))
	}
	req, err := s.returns.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.returns.UpdateReturnStatus(ctx, id, status); err != nil {
		return nil, domain.Wrap(domain.KindInternal, "update return status", err)
	}
	req.Status = status
	s.appendAudit(ctx, actorID, "return.status_updated", id, string(status))
	return req, nil
}

type IssueRefundInput struct {
	ReturnID    string
	AmountMinor int64
	Method      domain.RefundMethod
	PaymentID   string
	Reason      string
	ActorID     string
}

// IssueRefund settles a return through one of three mutually exclusive
// branches. Store credit commits its four writes in a single transaction;
// original-payment goes through the gateway; manual records out-of-band
// settlement. An unexpected failure degrades to a persisted DECLINED
// refund rather than losing the request silently.
func (s *ReturnService) IssueRefund(ctx context.Context, in IssueRefundInput) (refund *domain.Refund, err error) {
	defer func() {
		outcome := "approved"
		if err != nil {
			outcome = "failed"
		}
		metrics.RefundsTotal.WithLabelValues(string(in.Method), outcome).Inc()
		detail := outcome
		if refund != nil {
			detail = fmt.Sprintf("%s amount=%d", refund.Status, refund.AmountMinor)
		}
		s.appendAudit(ctx, in.ActorID, "refund.issued", in.ReturnID, detail)
	}()

	if in.AmountMinor <= 0 {
		return nil, domain.E(domain.KindValidation, "refund amount must be a positive integer")
	}

	req, err := s.returns.GetReturn(ctx, in.ReturnID)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	refund = &domain.Refund{
		ID:          newID(),
		ReturnID:    req.ID,
		Method:      in.Method,
		AmountMinor: in.AmountMinor,
		Reason:      in.Reason,
		ProcessedAt: now,
	}

	switch in.Method {
	case domain.RefundMethodStoreCredit:
		refund.Status = domain.RefundStatusApproved
		if txErr := s.returns.IssueStoreCredit(ctx, refund, order.ID, order.BuyerID, now); txErr != nil {
			return s.degrade(ctx, refund, txErr)
		}
		s.log.Info("store credit issued",
			zap.String("return_id", req.ID),
			zap.Int64("amount_minor", in.AmountMinor))
		return refund, nil

	case domain.RefundMethodOriginalPayment:
		if in.PaymentID == "" {
			return nil, domain.E(domain.KindValidation, "paymentId is required for original-payment refunds")
		}
		refund.PaymentID = in.PaymentID
		rec, recErr := s.orders.GetPaymentRecord(ctx, in.PaymentID)
		if recErr != nil {
			return nil, recErr
		}
		if rec.ApprovalRef == "" {
			return nil, domain.E(domain.KindConflict, "payment was never approved, nothing to refund")
		}

		res, gwErr := s.payments.Refund(ctx, rec.ApprovalRef, in.AmountMinor)
		if gwErr != nil {
			return s.degrade(ctx, refund, gwErr)
		}
		refund.RefundRef = res.RefundRef
		if res.Approved {
			refund.Status = domain.RefundStatusApproved
		} else {
			refund.Status = domain.RefundStatusDeclined
			refund.Reason = res.FailureReason
		}
		if saveErr := s.returns.SaveRefund(ctx, refund); saveErr != nil {
			return nil, domain.Wrap(domain.KindInternal, "save refund", saveErr)
		}
		if refund.Status == domain.RefundStatusDeclined {
			return refund, domain.E(domain.KindRefundFailed, "gateway declined the refund: "+res.FailureReason)
		}
		if stErr := s.returns.UpdateReturnStatus(ctx, req.ID, domain.ReturnStatusCompleted); stErr != nil {
			s.log.Error("mark return completed failed", zap.String("return_id", req.ID), zap.Error(stErr))
		}
		return refund, nil

	case domain.RefundMethodManual:
		refund.Status = domain.RefundStatusApproved
		if saveErr := s.returns.SaveRefund(ctx, refund); saveErr != nil {
			return s.degrade(ctx, refund, saveErr)
		}
		if stErr := s.returns.UpdateReturnStatus(ctx, req.ID, domain.ReturnStatusCompleted); stErr != nil {
			s.log.Error("mark return completed failed", zap.String("return_id", req.ID), zap.Error(stErr))
		}
		return refund, nil

	default:
		return nil, domain.E(domain.KindValidation, fmt.Sprintf("unknown refund method %q", in.Method))
	}
}

// degrade persists a DECLINED refund with whatever data is available so
// the request leaves a trace, then surfaces a RefundFailed error.
func (s *ReturnService) degrade(ctx context.Context, refund *domain.Refund, cause error) (*domain.Refund, error) {
	refund.Status = domain.RefundStatusDeclined
	if refund.Reason == "" {
		refund.Reason = cause.Error()
	}
	if err := s.returns.SaveRefund(ctx, refund); err != nil {
		s.log.Error("persisting declined refund failed",
			zap.String("return_id", refund.ReturnID),
			zap.Error(err))
	}
	return refund, domain.Wrap(domain.KindRefundFailed, "refund not settled", cause)
}

func (s *ReturnService) appendAudit(ctx context.Context, actorID, action, entityID, detail string) {
	entry := domain.AuditEntry{
		ID:         newID(),
		ActorID:    actorID,
		Action:     action,
		EntityKind: "return",
		EntityID:   entityID,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
