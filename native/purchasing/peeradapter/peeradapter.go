// Package peeradapter implements the peer-AI merchant adapter (spec.md
// §4.5 "Peer adapter specifics"): buying a service from another autonomous
// agent over its own HTTP-exposed service surface, while refusing to ever
// trust that peer's self-reported payment address.
package peeradapter

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nhbvault/agentd/native/purchasing"
)

// AddressSource resolves a peer's verified on-chain vault address. Backed
// by peerverify.Engine's cache in production: the adapter must never use
// the address a peer's API response claims for itself.
type AddressSource interface {
	VerifiedAddress(peerAddress, chainID string) (string, bool)
}

type offerWire struct {
	ServiceID   string `json:"service_id"`
	Description string `json:"description"`
	PriceMicros int64  `json:"price_micros"`
	Chain       string `json:"chain"`
}

type orderWire struct {
	AmountMicros int64             `json:"amount_micros"`
	Chain        string            `json:"chain"`
	Metadata     map[string]string `json:"metadata"`
}

type deliveryWire struct {
	Result string            `json:"result"`
	Data   map[string]string `json:"data"`
}

// Adapter implements purchasing.MerchantAdapter against a single peer's
// HTTP service endpoint.
type Adapter struct {
	PeerAddress  string
	ChainID      string
	BaseURL      string
	ExpectedAmountMicros int64
	GlobalCapMicros      int64
	HTTPClient   *http.Client
	Addresses    AddressSource

	// SigningKey and VaultAddress, if both set, attach a short-lived JWT
	// handshake token to every outbound request so the counterparty peer's
	// /services and /orders endpoints can attribute the call to our vault address. Absent
	// a key, requests go out unsigned (the counterparty's own check, not
	// ours, decides whether that is acceptable).
	SigningKey   *ecdsa.PrivateKey
	VaultAddress string
}

func (a *Adapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// handshakeToken returns an ES256 JWT asserting our vault address, valid
// for one minute, so a replayed token has a short useful window.
func (a *Adapter) handshakeToken() (string, error) {
	if a.SigningKey == nil || a.VaultAddress == "" {
		return "", nil
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   a.VaultAddress,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(a.SigningKey)
}

func (a *Adapter) attachHandshake(req *http.Request) error {
	token, err := a.handshakeToken()
	if err != nil {
		return fmt.Errorf("peeradapter: sign handshake token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (a *Adapter) DiscoverServices(ctx context.Context) ([]purchasing.Offer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/services", nil)
	if err != nil {
		return nil, err
	}
	if err := a.attachHandshake(req); err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peeradapter: discovery returned status %d", resp.StatusCode)
	}
	var wire []offerWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	offers := make([]purchasing.Offer, 0, len(wire))
	for _, w := range wire {
		offers = append(offers, purchasing.Offer{
			ServiceID:   w.ServiceID,
			Description: w.Description,
			PriceMicros: w.PriceMicros,
			Chain:       w.Chain,
		})
	}
	return offers, nil
}

// CreateOrder requests an order quote from the peer, then overwrites the
// claimed payment address with the peer's verified vault address and
// enforces the 1.05x-expected-amount ceiling.
func (a *Adapter) CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*purchasing.OrderIntent, error) {
	body, _ := json.Marshal(map[string]any{"service_id": serviceID, "params": params})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/orders", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := a.attachHandshake(req); err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peeradapter: create_order returned status %d", resp.StatusCode)
	}
	var wire orderWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}

	if a.ExpectedAmountMicros > 0 && wire.AmountMicros > int64(float64(a.ExpectedAmountMicros)*1.05) {
		return nil, fmt.Errorf("peeradapter: peer-reported amount %d exceeds 1.05x expected %d", wire.AmountMicros, a.ExpectedAmountMicros)
	}
	if a.GlobalCapMicros > 0 && wire.AmountMicros > a.GlobalCapMicros {
		return nil, fmt.Errorf("peeradapter: peer-reported amount %d exceeds global purchase cap %d", wire.AmountMicros, a.GlobalCapMicros)
	}

	verifiedAddr, ok := a.Addresses.VerifiedAddress(a.PeerAddress, a.ChainID)
	if !ok {
		return nil, fmt.Errorf("peeradapter: no verified vault address cached for peer %s", a.PeerAddress)
	}

	return &purchasing.OrderIntent{
		MerchantID:     a.PeerAddress,
		ServiceID:      serviceID,
		AmountMicros:   wire.AmountMicros,
		Chain:          wire.Chain,
		PaymentAddress: verifiedAddr,
		Metadata:       wire.Metadata,
	}, nil
}

// PaymentAddress always returns the peer's verified vault address, never a
// value the peer's own API could influence.
func (a *Adapter) PaymentAddress(ctx context.Context, chain string) (string, error) {
	addr, ok := a.Addresses.VerifiedAddress(a.PeerAddress, chain)
	if !ok {
		return "", fmt.Errorf("peeradapter: no verified vault address cached for peer %s on chain %s", a.PeerAddress, chain)
	}
	return addr, nil
}

// VerifyDelivery treats the peer's self-reported status as untrusted input:
// an empty or near-empty result field is a delivery failure regardless of
// what the peer claims.
func (a *Adapter) VerifyDelivery(ctx context.Context, order purchasing.PurchaseOrder) (purchasing.DeliveryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/orders/status?tx="+order.ChainTxHash, nil)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	if err := a.attachHandshake(req); err != nil {
		return purchasing.DeliveryResult{}, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return purchasing.DeliveryResult{}, fmt.Errorf("peeradapter: delivery status returned %d", resp.StatusCode)
	}
	var wire deliveryWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return purchasing.DeliveryResult{}, err
	}
	delivered := strings.TrimSpace(wire.Result) != ""
	return purchasing.DeliveryResult{Delivered: delivered, Details: wire.Result, Data: wire.Data}, nil
}
