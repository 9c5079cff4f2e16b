package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trovamarket/settlement/internal/core/domain"
)

var declineReasons = []string{
	"insufficient_funds",
	"card_expired",
	"issuer_declined",
}

type Config struct {
	// DeclineRate is the probability of a business decline (terminal).
	DeclineRate float64
	// NetworkFailureRate is the probability of a transport error
	// (retryable by the payment layer).
	NetworkFailureRate float64
	// Latency is added to every call to mimic network round trips.
	Latency time.Duration
}

// Simulated stands in for the external processor. Outcomes are drawn from
// configured rates; the rand source sits behind a mutex because the
// gateway is called from many goroutines at once.
type Simulated struct {
	mu     sync.Mutex
	random *rand.Rand
	cfg    Config
}

func NewSimulated(cfg Config) *Simulated {
	return &Simulated{
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:    cfg,
	}
}

func (g *Simulated) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if g.roll(g.cfg.NetworkFailureRate) {
		return nil, domain.E(domain.KindNetwork, "simulated gateway unreachable")
	}

	now := time.Now().UTC()
	if req.AmountMinor <= 0 {
		return &domain.ChargeResult{
			Approved:      false,
			FailureReason: "amount_rejected",
			AmountMinor:   req.AmountMinor,
			Currency:      req.Currency,
			ProcessedAt:   now,
		}, nil
	}
	if g.roll(g.cfg.DeclineRate) {
		return &domain.ChargeResult{
			Approved:      false,
			FailureReason: g.pickReason(),
			AmountMinor:   req.AmountMinor,
			Currency:      req.Currency,
			ProcessedAt:   now,
		}, nil
	}
	return &domain.ChargeResult{
		Approved:    true,
		ApprovalRef: "AUTH-" + uuid.NewString(),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		ProcessedAt: now,
	}, nil
}

func (g *Simulated) Refund(ctx context.Context, approvalRef string, amountMinor int64) (*domain.RefundResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if g.roll(g.cfg.NetworkFailureRate) {
		return nil, domain.E(domain.KindNetwork, "simulated gateway unreachable")
	}

	now := time.Now().UTC()
	if approvalRef == "" || amountMinor <= 0 {
		return &domain.RefundResult{
			Approved:      false,
			FailureReason: "refund_rejected",
			AmountMinor:   amountMinor,
			ProcessedAt:   now,
		}, nil
	}
	return &domain.RefundResult{
		Approved:    true,
		RefundRef:   "RF-" + uuid.NewString(),
		AmountMinor: amountMinor,
		ProcessedAt: now,
	}, nil
}

func (g *Simulated) Ping(ctx context.Context) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if g.roll(g.cfg.NetworkFailureRate) {
		return domain.E(domain.KindNetwork, "simulated gateway unreachable")
	}
	return nil
}

// wait applies the configured latency, honoring the per-call deadline.
func (g *Simulated) wait(ctx context.Context) error {
	if g.cfg.Latency <= 0 {
		if err := ctx.Err(); err != nil {
			return domain.Wrap(domain.KindTimeout, "gateway call canceled", err)
		}
		return nil
	}
	timer := time.NewTimer(g.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.Wrap(domain.KindTimeout, "gateway call timed out", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (g *Simulated) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.random.Float64() < rate
}

func (g *Simulated) pickReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return declineReasons[g.random.Intn(len(declineReasons))]
}
