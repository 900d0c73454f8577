package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/clock"
	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/state"
)

const providerName = "aggregator"

// Provider is the slice of the aggregator client the service needs.
type Provider interface {
	CreateTransaction(ctx context.Context, amount int64, currency, description, payload string) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
}

// Accruer records referral commission for a settled payment.
type Accruer interface {
	AccrueOnPayment(p model.Payment) (model.ReferralEarning, error)
}

// PriceConfig is the single tariff from env.
type PriceConfig struct {
	Amount   int64
	Currency string
	Months   int
}

// Checkout is what the caller shows the user after StartCheckout.
type Checkout struct {
	PaymentID int64
	PayURL    string
}

// Service drives the payment lifecycle against the store.
type Service struct {
	store    *state.Store
	provider Provider
	accruer  Accruer
	clock    clockwork.Clock
	price    PriceConfig
}

func NewService(store *state.Store, provider Provider, accruer Accruer,
	clk clockwork.Clock, price PriceConfig) *Service {
	return &Service{store: store, provider: provider, accruer: accruer, clock: clk, price: price}
}

// StartCheckout opens a provider transaction and records the pending ledger
// row. The provider call comes first: a provider failure must not leave a
// pending row that polls forever.
func (s *Service) StartCheckout(ctx context.Context, tgID int64) (Checkout, error) {
	desc := fmt.Sprintf("Subscription, %d month(s)", s.price.Months)
	tx, err := s.provider.CreateTransaction(ctx, s.price.Amount, s.price.Currency,
		desc, fmt.Sprintf("tg:%d", tgID))
	if err != nil {
		return Checkout{}, err
	}
	if tx.ID == "" {
		return Checkout{}, fmt.Errorf("payments: provider returned no transaction id")
	}

	id, err := s.store.InsertPayment(model.Payment{
		TgID:              tgID,
		Amount:            s.price.Amount,
		Currency:          s.price.Currency,
		Provider:          providerName,
		Status:            model.PaymentStatusPending,
		PeriodMonths:      s.price.Months,
		ProviderPaymentID: tx.ID,
	})
	if err != nil {
		return Checkout{}, err
	}
	log.Printf("[payments] checkout %d opened for %d (provider %s)", id, tgID, tx.ID)
	return Checkout{PaymentID: id, PayURL: tx.PayURL}, nil
}

// ConfirmIfPaid polls the provider and, when the transaction settled, applies
// the payment. The settle path runs at most once per payment: SettlePayment
// only flips a pending row, so replays and concurrent polls are no-ops.
func (s *Service) ConfirmIfPaid(ctx context.Context, paymentID int64) (bool, error) {
	p, err := s.store.GetPayment(paymentID)
	if err != nil {
		return false, err
	}
	if p.Status == model.PaymentStatusPaid {
		return true, nil
	}
	if p.Status != model.PaymentStatusPending || p.ProviderPaymentID == "" {
		return false, nil
	}

	tx, err := s.provider.GetTransaction(ctx, p.ProviderPaymentID)
	if err != nil {
		return false, err
	}
	switch tx.Status {
	case "paid", "success", "succeeded":
		return s.applyPaid(p)
	case "failed", "canceled", "expired":
		if err := s.store.MarkPaymentFailed(p.ID, model.PaymentStatusFailed); err != nil {
			return false, err
		}
		log.Printf("[payments] payment %d terminal provider status %q", p.ID, tx.Status)
		return false, nil
	default:
		return false, nil
	}
}

// applyPaid settles the row and extends the subscription window monotonically
// in one transaction, then accrues referral commission. If the extension
// cannot be written the payment stays pending and the next poll retries.
func (s *Service) applyPaid(p model.Payment) (bool, error) {
	now := s.clock.Now().UTC()
	var endAt time.Time
	flipped, err := s.store.SettlePayment(p.ID, p.TgID, now, func(sub model.Subscription) model.Subscription {
		if sub.TgID == 0 {
			sub = model.Subscription{TgID: p.TgID, StartAt: now}
		}
		sub.EndAt = clock.AddMonths(now, sub.EndAt, p.PeriodMonths)
		if p.PeriodDays > 0 {
			sub.EndAt = sub.EndAt.Add(time.Duration(p.PeriodDays) * 24 * time.Hour)
		}
		sub.IsActive = true
		sub.Status = model.SubStatusActive
		endAt = sub.EndAt
		return sub
	})
	if err != nil {
		return false, err
	}
	if !flipped {
		return true, nil
	}
	p.Status = model.PaymentStatusPaid
	p.PaidAt = now
	log.Printf("[payments] payment %d settled, subscription of %d runs to %s",
		p.ID, p.TgID, endAt.Format("2006-01-02"))

	if s.accruer != nil {
		if _, err := s.accruer.AccrueOnPayment(p); err != nil {
			// The subscription is already extended; commission is retried by
			// the next confirmation poll only if the insert never happened,
			// so just surface the failure.
			log.Printf("[payments] payment %d: referral accrual failed: %v", p.ID, err)
		}
	}
	return true, nil
}

// PollPending confirms every pending payment once; used by the scheduler.
func (s *Service) PollPending(ctx context.Context) error {
	pending, err := s.store.ListPendingPayments()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if _, err := s.ConfirmIfPaid(ctx, p.ID); err != nil {
			log.Printf("[payments] poll %d: %v", p.ID, err)
		}
	}
	return nil
}
