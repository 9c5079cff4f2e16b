package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/core/domain"
	"github.com/trovamarket/settlement/internal/metrics"
	"github.com/trovamarket/settlement/internal/port"
)

const paymentCachePrefix = "payment:"

// RetryPolicy governs how transient gateway failures are retried.
// Attempt n waits Delay * BackoffMultiplier^(n-1) before running.
type RetryPolicy struct {
	MaxRetries        int
	Delay             time.Duration
	BackoffMultiplier float64
	CallTimeout       time.Duration
}

// PaymentService wraps the gateway with an idempotency result cache,
// retry with backoff, and circuit breaking. Charges and refunds run
// against separate breaker instances: a charge-path brownout must not
// block operator-driven refunds.
type PaymentService struct {
	gateway port.PaymentGateway
	cache   port.ResultCache
	charges *CircuitBreaker
	refunds *CircuitBreaker
	policy  RetryPolicy
	log     *zap.Logger
}

func NewPaymentService(gateway port.PaymentGateway, cache port.ResultCache, breakerCfg BreakerConfig, policy RetryPolicy, log *zap.Logger) *PaymentService {
	return &PaymentService{
		gateway: gateway,
		cache:   cache,
		charges: NewCircuitBreaker("charge", breakerCfg),
		refunds: NewCircuitBreaker("refund", breakerCfg),
		policy:  policy,
		log:     log,
	}
}

// ProcessPayment attempts a charge. A cached result for the idempotency
// key is returned verbatim, bypassing the breaker and the gateway. A
// business decline is a terminal result, not a transient failure: it is
// cached and never retried.
func (s *PaymentService) ProcessPayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.AmountMinor <= 0 {
		return nil, domain.E(domain.KindValidation, "charge amount must be positive")
	}

	cacheKey := ""
	if req.IdempotencyKey != "" {
		cacheKey = paymentCachePrefix + req.IdempotencyKey
		if cached, ok := s.lookup(ctx, cacheKey); ok {
			s.log.Info("payment replayed from cache",
				zap.String("order_id", req.OrderID),
				zap.String("idempotency_key", req.IdempotencyKey))
			return cached, nil
		}
	}

	var result *domain.ChargeResult
	err := s.withRetry(ctx, s.charges, func(callCtx context.Context) error {
		res, err := s.gateway.Charge(callCtx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	outcome := "approved"
	if !result.Approved {
		outcome = "declined"
	}
	metrics.PaymentsTotal.WithLabelValues(outcome).Inc()
	s.log.Info("payment processed",
		zap.String("order_id", req.OrderID),
		zap.String("outcome", outcome),
		zap.Int64("amount_minor", req.AmountMinor))

	if cacheKey != "" {
		s.store(ctx, cacheKey, result)
	}
	return result, nil
}

// Refund issues a refund against an earlier approval reference, under the
// same retry policy as charges but through the refund breaker.
func (s *PaymentService) Refund(ctx context.Context, approvalRef string, amountMinor int64) (*domain.RefundResult, error) {
	if approvalRef == "" {
		return nil, domain.E(domain.KindValidation, "approval reference is required")
	}
	if amountMinor <= 0 {
		return nil, domain.E(domain.KindValidation, "refund amount must be positive")
	}

	var result *domain.RefundResult
	err := s.withRetry(ctx, s.refunds, func(callCtx context.Context) error {
		res, err := s.gateway.Refund(callCtx, approvalRef, amountMinor)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthCheck is a single best-effort probe, for monitoring only.
func (s *PaymentService) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, s.policy.CallTimeout)
	defer cancel()
	return s.gateway.Ping(callCtx)
}

// ChargeBreakerState exposes the charge breaker for monitoring.
func (s *PaymentService) ChargeBreakerState() BreakerState {
	return s.charges.State()
}

// withRetry runs call under the breaker, retrying tagged transient errors
// with exponential backoff. Non-retryable errors abort immediately.
func (s *PaymentService) withRetry(ctx context.Context, breaker *CircuitBreaker, call func(ctx context.Context) error) error {
	delay := s.policy.Delay
	var lastErr error

	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.PaymentRetriesTotal.Inc()
			if err := sleepCtx(ctx, delay); err != nil {
				return domain.Wrap(domain.KindTimeout, "canceled while waiting to retry", err)
			}
			delay = time.Duration(float64(delay) * s.policy.BackoffMultiplier)
		}

		if err := breaker.Allow(); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.policy.CallTimeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		breaker.RecordFailure()
		if !domain.IsRetryable(err) {
			return err
		}
		lastErr = err
		s.log.Warn("transient gateway failure",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return domain.Wrap(domain.KindNetwork, "retries exhausted", lastErr)
}

func (s *PaymentService) lookup(ctx context.Context, key string) (*domain.ChargeResult, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("result cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res domain.ChargeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.log.Warn("result cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &res, true
}

func (s *PaymentService) store(ctx context.Context, key string, res *domain.ChargeResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Put(ctx, key, raw); err != nil {
		s.log.Warn("result cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
