// Package purchasing implements MerchantRegistry and PurchasingEngine
// (spec.md §4.5): the component that lets the runtime buy services and
// goods from other agents and external merchants through a six-layer
// anti-phishing pipeline, with a PurchaseOrder lifecycle state machine
// (awaiting-pay -> paying -> awaiting-delivery -> delivered/failed/expired).
// Grounded on the teacher's native/escrow lifecycle state machine
// (create -> lock -> release/refund) generalized to a purchase's longer
// discover/pay/verify-delivery chain.
package purchasing

import (
	"context"
	"time"
)

// OrderState closes the enumeration of PurchaseOrder lifecycle states
// (spec.md §4.1 PurchaseOrder).
type OrderState int

const (
	StateAwaitingPay OrderState = iota
	StatePaying
	StateAwaitingDelivery
	StateDelivered
	StateFailed
	StateExpired
)

func (s OrderState) String() string {
	switch s {
	case StateAwaitingPay:
		return "awaiting-pay"
	case StatePaying:
		return "paying"
	case StateAwaitingDelivery:
		return "awaiting-delivery"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s OrderState) terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Offer is one service a merchant adapter advertises via discovery.
type Offer struct {
	ServiceID   string
	Description string
	PriceMicros int64
	Chain       string
}

// OrderIntent is what an adapter's CreateOrder returns before the
// anti-phishing pipeline has approved anything: a candidate payment, not yet
// trusted.
type OrderIntent struct {
	MerchantID     string
	ServiceID      string
	AmountMicros   int64
	Chain          string
	PaymentAddress string
	Metadata       map[string]string
}

// DeliveryResult is what an adapter's VerifyDelivery reports after payment.
// An empty or near-empty Data map is treated as a delivery failure
// regardless of the Delivered flag (spec.md §4.5 check 6).
type DeliveryResult struct {
	Delivered bool
	Details   string
	Data      map[string]string
}

// PurchaseOrder is the persisted record of one purchase attempt (spec.md
// §4.1 PurchaseOrder).
type PurchaseOrder struct {
	ID             string
	MerchantID     string
	ServiceID      string
	PaymentAddress string
	AmountMicros   int64
	ChainID        string
	State          OrderState
	ChainTxHash    string
	Metadata       map[string]string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// MerchantAdapter is the common interface every concrete merchant
// integration implements (spec.md §4.5): discovery, order creation, a
// payment address for a given chain, and post-payment delivery
// verification.
type MerchantAdapter interface {
	DiscoverServices(ctx context.Context) ([]Offer, error)
	CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*OrderIntent, error)
	VerifyDelivery(ctx context.Context, order PurchaseOrder) (DeliveryResult, error)
	PaymentAddress(ctx context.Context, chain string) (string, error)
}
