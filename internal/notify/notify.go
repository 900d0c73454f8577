package notify

import (
	"context"
	"log"

	"github.com/outpostvpn/outpost/internal/ratelimit"
)

// Notifier is the outbound delivery port. The broker core never talks to the
// chat transport directly; the bot layer plugs in here.
type Notifier interface {
	// Notify delivers text to a user. An error means the message was NOT
	// delivered and the caller's dedup state must not advance.
	Notify(ctx context.Context, tgID int64, text string) error
	// NotifyAdmin delivers text to the operator channel.
	NotifyAdmin(ctx context.Context, text string) error
}

// LogNotifier writes messages to the process log. It backs tests and runs
// headless deployments where no chat transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, tgID int64, text string) error {
	log.Printf("[notify] -> %d: %s", tgID, text)
	return nil
}

func (LogNotifier) NotifyAdmin(_ context.Context, text string) error {
	log.Printf("[notify] -> admin: %s", text)
	return nil
}

// Paced wraps a Notifier with a per-user limiter so bursts (an arbiter tick
// touching many users) do not flood anyone. Suppressed sends succeed from
// the caller's point of view.
type Paced struct {
	next    Notifier
	limiter *ratelimit.PerKey
}

func NewPaced(next Notifier, limiter *ratelimit.PerKey) *Paced {
	return &Paced{next: next, limiter: limiter}
}

func (p *Paced) Notify(ctx context.Context, tgID int64, text string) error {
	if !p.limiter.Allow(tgID) {
		log.Printf("[notify] paced out message to %d", tgID)
		return nil
	}
	return p.next.Notify(ctx, tgID, text)
}

func (p *Paced) NotifyAdmin(ctx context.Context, text string) error {
	return p.next.NotifyAdmin(ctx, text)
}
