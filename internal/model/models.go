// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// User statuses.
const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
)

// User is an end user keyed by the external chat id.
type User struct {
	TgID       int64
	CreatedAt  time.Time
	Status     string
	Strikes    int
	RefCode    string // empty when not yet issued; unique otherwise
	ReferredBy int64  // 0 when the user was not invited
	ReferredAt time.Time
	FlowState  string
	FlowData   string
	TgUsername string
	FirstName  string
	LastName   string
}

// Subscription statuses.
const (
	SubStatusActive  = "active"
	SubStatusExpired = "expired"
	SubStatusNone    = "none"
)

// Subscription is the single paid window per user.
type Subscription struct {
	TgID     int64
	StartAt  time.Time
	EndAt    time.Time
	IsActive bool
	Status   string
}

// Payment statuses.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusCanceled = "canceled"
)

// Payment is one row of the append-only monetary ledger.
type Payment struct {
	ID                int64
	TgID              int64
	Amount            int64 // whole rubles
	Currency          string
	Provider          string
	Status            string
	PaidAt            time.Time
	PeriodDays        int
	PeriodMonths      int
	ProviderPaymentID string // unique when present
}

// VpnPeer is a WireGuard peer record. At most one active peer per
// (tg_id, server_code).
type VpnPeer struct {
	ID                  int64
	TgID                int64
	ClientPublicKey     string
	ClientPrivateKeyEnc string
	ClientIP            string
	ServerCode          string
	IsActive            bool
	CreatedAt           time.Time
	RevokedAt           time.Time
	RotationReason      string
}

// RegionSession tracks the single active device per region-VPN user.
type RegionSession struct {
	TgID         int64
	ActiveIP     string
	LastSeenAt   time.Time
	LastSwitchAt time.Time
	CreatedAt    time.Time
}

// Referral link statuses.
const (
	ReferralStatusActive = "active"
)

// Referral ties a referred user to their inviter, opened on first payment.
type Referral struct {
	ID             int64
	ReferrerTgID   int64
	ReferredTgID   int64
	Status         string
	FirstPaymentID int64
	ActivatedAt    time.Time
	CreatedAt      time.Time
}

// Earning statuses form the lifecycle pending -> available -> reserved -> paid,
// with reserved -> available on payout rejection.
const (
	EarningStatusPending   = "pending"
	EarningStatusAvailable = "available"
	EarningStatusReserved  = "reserved"
	EarningStatusPaid      = "paid"
)

// ReferralEarning is one commission line, immutable except for status moves.
type ReferralEarning struct {
	ID              int64
	ReferrerTgID    int64
	ReferredTgID    int64
	PaymentID       int64
	PaymentAmount   int64
	Percent         int
	Earned          int64
	Status          string
	AvailableAt     time.Time
	PaidAt          time.Time
	PayoutRequestID int64
}

// Payout request statuses.
const (
	PayoutStatusPending  = "pending"
	PayoutStatusPaid     = "paid"
	PayoutStatusRejected = "rejected"
)

// PayoutRequest reserves available earnings until an operator settles it.
type PayoutRequest struct {
	ID          int64
	TgID        int64
	Amount      int64
	Status      string
	Requisites  string
	Note        string
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// ContentRequest is a short-lived single-use token tying a user to a content URL.
type ContentRequest struct {
	ID         int64
	UserID     int64
	Token      string
	ContentURL string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Membership is the core's read-only view of an externally managed family
// membership: who is covered until when, and which boundary notices already
// went out.
type Membership struct {
	ID            int64
	TgID          int64
	AccountLogin  string
	CoverageEndAt time.Time
	RemovedAt     time.Time // zero while the member is still seated
	Notified7dAt  time.Time
	Notified3dAt  time.Time
	Notified1dAt  time.Time
}
