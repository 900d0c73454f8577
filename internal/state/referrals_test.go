package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/outpostvpn/outpost/internal/model"
	"github.com/outpostvpn/outpost/internal/state"
	"github.com/outpostvpn/outpost/internal/testutil"
)

func seedEarning(t *testing.T, store *state.Store, referrer int64, paymentID, earned int64, status string) {
	t.Helper()
	e := model.ReferralEarning{
		ReferrerTgID: referrer, ReferredTgID: 99, PaymentID: paymentID,
		PaymentAmount: earned * 20, Percent: 5, Earned: earned, Status: status,
		AvailableAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := store.InsertEarning(e); err != nil {
		t.Fatalf("seed earning: %v", err)
	}
}

func TestInsertEarningIdempotent(t *testing.T) {
	store := testutil.NewStore(t)
	seedEarning(t, store, 10, 1, 25, model.EarningStatusPending)

	_, err := store.InsertEarning(model.ReferralEarning{
		ReferrerTgID: 10, ReferredTgID: 99, PaymentID: 1,
		PaymentAmount: 500, Percent: 5, Earned: 25, Status: model.EarningStatusPending,
	})
	if !errors.Is(err, state.ErrDuplicate) {
		t.Fatalf("replay must return ErrDuplicate, got %v", err)
	}
}

func TestReleaseDueEarnings(t *testing.T) {
	store := testutil.NewStore(t)
	seedEarning(t, store, 10, 1, 25, model.EarningStatusPending)

	before := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	n, err := store.ReleaseDueEarnings(before)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 0 {
		t.Fatalf("released before hold elapsed: %d", n)
	}

	after := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	n, err = store.ReleaseDueEarnings(after)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released, got %d", n)
	}

	balance, err := store.AvailableBalance(10)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 25 {
		t.Fatalf("balance: got %d, want 25", balance)
	}
}

func TestReservePayoutSplitsFinalLine(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedEarning(t, store, 10, 1, 25, model.EarningStatusAvailable)
	seedEarning(t, store, 10, 2, 20, model.EarningStatusAvailable)

	requestID, err := store.ReservePayout(10, 40, "card 1234", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if requestID == 0 {
		t.Fatalf("no request id")
	}

	lines, err := store.ListEarnings(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var reserved, available int64
	var residual int
	for _, l := range lines {
		switch l.Status {
		case model.EarningStatusReserved:
			reserved += l.Earned
			if l.PayoutRequestID != requestID {
				t.Fatalf("reserved line %d not linked to request", l.ID)
			}
		case model.EarningStatusAvailable:
			available += l.Earned
			residual++
		}
	}
	if reserved != 40 {
		t.Fatalf("reserved total: got %d, want 40", reserved)
	}
	if available != 5 || residual != 1 {
		t.Fatalf("residual: got %d in %d lines, want 5 in 1", available, residual)
	}

	balance, err := store.AvailableBalance(10)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("post-reserve balance: got %d, want 5", balance)
	}
}

func TestReservePayoutSplitsSameLineTwice(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedEarning(t, store, 10, 1, 25, model.EarningStatusAvailable)

	// First split leaves a 15-line residual, second splits that residual
	// again. Residuals carry no payment id, so the second insert must not
	// collide with the first on the per-payment uniqueness.
	if _, err := store.ReservePayout(10, 10, "card", now); err != nil {
		t.Fatalf("first split: %v", err)
	}
	if _, err := store.ReservePayout(10, 5, "card", now); err != nil {
		t.Fatalf("second split: %v", err)
	}

	balance, err := store.AvailableBalance(10)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance after two splits: got %d, want 10", balance)
	}
	var reserved int64
	for _, l := range mustListEarnings(t, store, 10) {
		if l.Status == model.EarningStatusReserved {
			reserved += l.Earned
		}
	}
	if reserved != 15 {
		t.Fatalf("reserved total: got %d, want 15", reserved)
	}
}

func TestReservePayoutInsufficientRollsBack(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedEarning(t, store, 10, 1, 30, model.EarningStatusAvailable)

	_, err := store.ReservePayout(10, 50, "card", now)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := store.AvailableBalance(10)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 30 {
		t.Fatalf("rollback failed, balance %d", balance)
	}
}

func TestRejectPayoutRestoresBalance(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedEarning(t, store, 10, 1, 25, model.EarningStatusAvailable)
	seedEarning(t, store, 10, 2, 20, model.EarningStatusAvailable)

	requestID, err := store.ReservePayout(10, 40, "card", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.RejectPayout(requestID, "bad requisites", now); err != nil {
		t.Fatalf("reject: %v", err)
	}

	balance, err := store.AvailableBalance(10)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 45 {
		t.Fatalf("balance after reject: got %d, want 45", balance)
	}
	for _, l := range mustListEarnings(t, store, 10) {
		if l.Status == model.EarningStatusAvailable && l.PayoutRequestID != 0 {
			t.Fatalf("line %d still linked to rejected payout", l.ID)
		}
	}
}

func TestMarkPayoutPaidSettlesLines(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedEarning(t, store, 10, 1, 40, model.EarningStatusAvailable)

	requestID, err := store.ReservePayout(10, 40, "card", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.MarkPayoutPaid(requestID, now); err != nil {
		t.Fatalf("settle: %v", err)
	}
	for _, l := range mustListEarnings(t, store, 10) {
		if l.Status != model.EarningStatusPaid {
			t.Fatalf("line %d not paid: %s", l.ID, l.Status)
		}
	}
	// Settling twice must fail: the request is no longer pending.
	if err := store.MarkPayoutPaid(requestID, now); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("double settle: got %v", err)
	}
}

func TestOpenReferralOncePerReferred(t *testing.T) {
	store := testutil.NewStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	opened, err := store.OpenReferral(10, 20, 1, now)
	if err != nil || !opened {
		t.Fatalf("first open: opened=%v err=%v", opened, err)
	}
	opened, err = store.OpenReferral(10, 20, 2, now)
	if err != nil || opened {
		t.Fatalf("second open must be a no-op: opened=%v err=%v", opened, err)
	}
	n, err := store.CountActiveReferrals(10)
	if err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
}

func mustListEarnings(t *testing.T, store *state.Store, tgID int64) []model.ReferralEarning {
	t.Helper()
	lines, err := store.ListEarnings(tgID)
	if err != nil {
		t.Fatalf("list earnings: %v", err)
	}
	return lines
}
