package models

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentExpired    PaymentStatus = "expired"
	PaymentFailed     PaymentStatus = "failed"
)

// FailureReason records why a payment failed or was flagged.
type FailureReason string

const (
	ReasonAddressMismatch        FailureReason = "address_mismatch"
	ReasonAmountInsufficient     FailureReason = "amount_insufficient"
	ReasonExpiredWhileProcessing FailureReason = "expired_while_processing"
	ReasonOverpaidReview         FailureReason = "overpaid_review"
	ReasonOrderNotPayable        FailureReason = "order_not_payable"
)

type OrderItem struct {
	ProductID string
	Name      string
	Quantity  int64
	UnitPrice decimal.Decimal
}

type Order struct {
	OrderID         string
	UserID          string
	Asset           asset.Asset
	Items           []OrderItem
	Shipping        decimal.Decimal
	Subtotal        decimal.Decimal
	OriginalPrice   decimal.Decimal
	DiscountPercent int64
	DiscountBasis   string // frozen valuation snapshot as JSON
	Total           decimal.Decimal
	Status          OrderStatus
	PaidAt          *time.Time
	PaymentID       *string
	IdempotencyKey  string // empty when the client supplied none
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Payment struct {
	PaymentID      string
	OrderID        string
	Asset          asset.Asset
	AmountCrypto   decimal.Decimal
	NetworkFee     decimal.Decimal
	TotalAmount    decimal.Decimal
	Address        string
	AddressIndex   int64
	ReferenceHash  *string
	Confirmations  int64
	Status         PaymentStatus
	Reason         FailureReason
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ConfirmedAt    *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentExpired || s == PaymentFailed
}
