package port

import (
	"context"

	"github.com/trovamarket/settlement/internal/core/domain"
)

// PaymentGateway is the external processor boundary. A business decline is
// returned as a result with Approved=false; errors are reserved for
// transport-level failures (tagged Network/Timeout so the retry loop can
// classify them).
type PaymentGateway interface {
	Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error)
	Refund(ctx context.Context, approvalRef string, amountMinor int64) (*domain.RefundResult, error)
	Ping(ctx context.Context) error
}
