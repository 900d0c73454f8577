// Package referral implements the commission ledger: tiered accrual on
// successful payments, hold release, and payout reservation.
package referral

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/state"
)

// refCodeLen is the length of an issued invite code.
const refCodeLen = 8

// codeEncoding avoids padding and lowercase lookalikes.
var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config carries the ledger knobs from env.
type Config struct {
	HoldDays  int
	MinPayout int64
}

// Service owns the referral ledger operations.
type Service struct {
	store *state.Store
	clock clockwork.Clock
	cfg   Config
}

func NewService(store *state.Store, clk clockwork.Clock, cfg Config) *Service {
	return &Service{store: store, clock: clk, cfg: cfg}
}

// PercentForCount maps an inviter's active-referral count to a commission
// percent. The count is taken before the current payment's referral opens.
func PercentForCount(active int) int {
	switch {
	case active >= 10:
		return 17
	case active >= 4:
		return 11
	default:
		return 5
	}
}

// EnsureRefCode returns the user's invite code, issuing one on first use.
// A generated code that collides with an existing user is regenerated.
func (s *Service) EnsureRefCode(tgID int64) (string, error) {
	u, err := s.store.GetUser(tgID)
	if err != nil {
		return "", err
	}
	if u.RefCode != "" {
		return u.RefCode, nil
	}
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		err = s.store.SetRefCode(tgID, code)
		if errors.Is(err, state.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", err
		}
		return code, nil
	}
	return "", fmt.Errorf("referral: could not issue a unique code for %d", tgID)
}

func generateCode() (string, error) {
	raw := make([]byte, 5)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("referral: generate code: %w", err)
	}
	return codeEncoding.EncodeToString(raw)[:refCodeLen], nil
}

// Attach links a freshly arrived user to the inviter behind the code. Self
// referrals and already-linked users are silently ignored.
func (s *Service) Attach(tgID int64, code string) error {
	inviter, err := s.store.GetUserByRefCode(code)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.SetReferrer(tgID, inviter.TgID, s.clock.Now().UTC())
}

// AccrueOnPayment records the inviter's commission for one successful
// payment. Idempotent: replays of the same payment insert nothing. Returns
// the earning (zero value when the payer has no inviter or the line already
// exists).
func (s *Service) AccrueOnPayment(p model.Payment) (model.ReferralEarning, error) {
	payer, err := s.store.GetUser(p.TgID)
	if err != nil {
		return model.ReferralEarning{}, err
	}
	if payer.ReferredBy == 0 {
		return model.ReferralEarning{}, nil
	}

	now := s.clock.Now().UTC()
	// The tier counts referrals active before this payment opens a new one.
	active, err := s.store.CountActiveReferrals(payer.ReferredBy)
	if err != nil {
		return model.ReferralEarning{}, err
	}
	if _, err := s.store.OpenReferral(payer.ReferredBy, p.TgID, p.ID, now); err != nil {
		return model.ReferralEarning{}, err
	}

	percent := PercentForCount(active)
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	e := model.ReferralEarning{
		ReferrerTgID:  payer.ReferredBy,
		ReferredTgID:  p.TgID,
		PaymentID:     p.ID,
		PaymentAmount: p.Amount,
		Percent:       percent,
		Earned:        (p.Amount*int64(percent) + 50) / 100, // round half-up
		Status:        model.EarningStatusPending,
		AvailableAt:   paidAt.Add(time.Duration(s.cfg.HoldDays) * 24 * time.Hour),
	}
	id, err := s.store.InsertEarning(e)
	if errors.Is(err, state.ErrDuplicate) {
		return model.ReferralEarning{}, nil
	}
	if err != nil {
		return model.ReferralEarning{}, err
	}
	e.ID = id
	log.Printf("[referral] accrued %d RUB (%d%%) for %d on payment %d",
		e.Earned, percent, e.ReferrerTgID, p.ID)
	return e, nil
}

// ReleaseDue moves matured pending earnings to available.
func (s *Service) ReleaseDue() (int64, error) {
	return s.store.ReleaseDueEarnings(s.clock.Now().UTC())
}

// RequestPayout validates the floor and reserves earnings against a new
// payout request.
func (s *Service) RequestPayout(tgID, amount int64, requisites string) (int64, error) {
	if amount < s.cfg.MinPayout {
		return 0, fmt.Errorf("referral: payout %d below minimum %d: %w",
			amount, s.cfg.MinPayout, state.ErrInsufficientBalance)
	}
	return s.store.ReservePayout(tgID, amount, requisites, s.clock.Now().UTC())
}

// SettlePayout marks a payout paid.
func (s *Service) SettlePayout(requestID int64) error {
	return s.store.MarkPayoutPaid(requestID, s.clock.Now().UTC())
}

// RejectPayout returns the reserved lines to the available pool.
func (s *Service) RejectPayout(requestID int64, note string) error {
	return s.store.RejectPayout(requestID, note, s.clock.Now().UTC())
}

// Balance returns the currently available total.
func (s *Service) Balance(tgID int64) (int64, error) {
	return s.store.AvailableBalance(tgID)
}
