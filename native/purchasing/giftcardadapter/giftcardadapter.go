// Package giftcardadapter implements the gift-card merchant adapter
// (spec.md §4.5 "Gift-card adapter specifics"): an API-key-authenticated
// merchant where every order yields a fresh invoice address, and delivery
// is one or more redemption codes fetched from an order-status endpoint.
package giftcardadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nhbvault/agentd/native/purchasing"
)

type catalogWire struct {
	Products []struct {
		ProductID   string `json:"product_id"`
		Description string `json:"description"`
		PriceMicros int64  `json:"price_micros"`
	} `json:"products"`
}

type invoiceWire struct {
	InvoiceAddress string `json:"invoice_address"`
	AmountMicros   int64  `json:"amount_micros"`
	Chain          string `json:"chain"`
	InvoiceID      string `json:"invoice_id"`
}

type statusWire struct {
	Status          string   `json:"status"`
	RedemptionCodes []string `json:"redemption_codes"`
}

// Adapter implements purchasing.MerchantAdapter against a gift-card
// merchant's API.
type Adapter struct {
	MerchantID string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (a *Adapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func (a *Adapter) authedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) DiscoverServices(ctx context.Context) ([]purchasing.Offer, error) {
	req, err := a.authedRequest(ctx, http.MethodGet, "/products", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("giftcardadapter: catalog returned status %d", resp.StatusCode)
	}
	var wire catalogWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	offers := make([]purchasing.Offer, 0, len(wire.Products))
	for _, p := range wire.Products {
		offers = append(offers, purchasing.Offer{ServiceID: p.ProductID, Description: p.Description, PriceMicros: p.PriceMicros})
	}
	return offers, nil
}

// CreateOrder requests a fresh invoice; the returned invoice address is a
// newly discovered address that must clear the trusted-domain activation
// delay before the anti-phishing pipeline will allow payment.
func (a *Adapter) CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*purchasing.OrderIntent, error) {
	payload, _ := json.Marshal(map[string]any{"product_id": serviceID, "params": params})
	req, err := a.authedRequest(ctx, http.MethodPost, "/invoices", payload)
	if err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("giftcardadapter: invoice creation returned status %d", resp.StatusCode)
	}
	var wire invoiceWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	if wire.InvoiceAddress == "" {
		return nil, fmt.Errorf("giftcardadapter: invoice response carried no address")
	}
	return &purchasing.OrderIntent{
		MerchantID:     a.MerchantID,
		ServiceID:      serviceID,
		AmountMicros:   wire.AmountMicros,
		Chain:          wire.Chain,
		PaymentAddress: wire.InvoiceAddress,
		Metadata:       map[string]string{"invoice_id": wire.InvoiceID},
	}, nil
}

// PaymentAddress is unused for gift-card orders: every order's invoice
// address is fresh and returned directly by CreateOrder.
func (a *Adapter) PaymentAddress(ctx context.Context, chain string) (string, error) {
	return "", fmt.Errorf("giftcardadapter: payment address is per-invoice, not static")
}

// VerifyDelivery fetches the order-status endpoint and treats any
// non-empty set of redemption codes as delivery.
func (a *Adapter) VerifyDelivery(ctx context.Context, order purchasing.PurchaseOrder) (purchasing.DeliveryResult, error) {
	invoiceID := order.Metadata["invoice_id"]
	req, err := a.authedRequest(ctx, http.MethodGet, "/invoices/"+invoiceID+"/status", nil)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return purchasing.DeliveryResult{}, fmt.Errorf("giftcardadapter: status endpoint returned %d", resp.StatusCode)
	}
	var wire statusWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return purchasing.DeliveryResult{}, err
	}
	data := make(map[string]string, len(wire.RedemptionCodes))
	for i, code := range wire.RedemptionCodes {
		if strings.TrimSpace(code) == "" {
			continue
		}
		data[fmt.Sprintf("code_%d", i)] = code
	}
	return purchasing.DeliveryResult{
		Delivered: len(data) > 0,
		Details:   wire.Status,
		Data:      data,
	}, nil
}
