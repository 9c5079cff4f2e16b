package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovamarket/settlement/internal/core/domain"
)

func chargeRequest(amountMinor int64) domain.ChargeRequest {
	return domain.ChargeRequest{
		OrderID:     "order-1",
		AmountMinor: amountMinor,
		Currency:    "USD",
		Method:      domain.PaymentMethodCard,
	}
}

func TestSimulatedCharge_AlwaysApproves(t *testing.T) {
	g := NewSimulated(Config{DeclineRate: 0, NetworkFailureRate: 0})

	for i := 0; i < 20; i++ {
		res, err := g.Charge(context.Background(), chargeRequest(1070))
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.True(t, strings.HasPrefix(res.ApprovalRef, "AUTH-"))
		assert.Equal(t, int64(1070), res.AmountMinor)
	}
}

func TestSimulatedCharge_AlwaysDeclines(t *testing.T) {
	g := NewSimulated(Config{DeclineRate: 1, NetworkFailureRate: 0})

	for i := 0; i < 20; i++ {
		res, err := g.Charge(context.Background(), chargeRequest(1070))
		require.NoError(t, err, "a decline is a result, not an error")
		assert.False(t, res.Approved)
		assert.Contains(t, declineReasons, res.FailureReason)
		assert.Empty(t, res.ApprovalRef)
	}
}

func TestSimulatedCharge_NetworkFailure(t *testing.T) {
	g := NewSimulated(Config{DeclineRate: 0, NetworkFailureRate: 1})

	_, err := g.Charge(context.Background(), chargeRequest(1070))
	require.Error(t, err)
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestSimulatedCharge_RejectsNonPositiveAmount(t *testing.T) {
	g := NewSimulated(Config{})

	res, err := g.Charge(context.Background(), chargeRequest(0))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "amount_rejected", res.FailureReason)

	res, err = g.Charge(context.Background(), chargeRequest(-50))
	require.NoError(t, err)
	assert.False(t, res.Approved)
}

func TestSimulatedCharge_HonorsDeadline(t *testing.T) {
	g := NewSimulated(Config{Latency: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := g.Charge(ctx, chargeRequest(1070))
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestSimulatedRefund(t *testing.T) {
	g := NewSimulated(Config{})

	res, err := g.Refund(context.Background(), "AUTH-abc", 500)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.True(t, strings.HasPrefix(res.RefundRef, "RF-"))

	res, err = g.Refund(context.Background(), "", 500)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "refund_rejected", res.FailureReason)
}

func TestSimulatedPing(t *testing.T) {
	up := NewSimulated(Config{})
	assert.NoError(t, up.Ping(context.Background()))

	down := NewSimulated(Config{NetworkFailureRate: 1})
	err := down.Ping(context.Background())
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
}
