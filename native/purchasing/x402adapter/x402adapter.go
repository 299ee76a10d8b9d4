// Package x402adapter implements the x402 protocol merchant adapter
// (spec.md §4.5 "x402 adapter specifics"): an endpoint probed with a GET
// request is expected to answer 402 Payment Required with payment
// instructions, either in a canonical JSON body or in legacy headers.
package x402adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhbvault/agentd/native/purchasing"
)

type accept struct {
	PayTo             string `json:"payTo"`
	MaxAmountRequired int64  `json:"maxAmountRequired"`
	Network           string `json:"network"`
}

type paymentRequiredBody struct {
	Accepts []accept `json:"accepts"`
}

const (
	headerPayTo   = "X-Payment-Pay-To"
	headerAmount  = "X-Payment-Max-Amount"
	headerNetwork = "X-Payment-Network"
	headerTxHash  = "X-Payment-Tx-Hash"
)

// Adapter implements purchasing.MerchantAdapter against one x402-speaking
// endpoint.
type Adapter struct {
	MerchantID   string
	Endpoint     string
	StaticAddress string // non-empty for static-address merchants
	HTTPClient   *http.Client
}

func (a *Adapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// DiscoverServices is a single-offer discovery: x402 endpoints advertise
// one priced resource per URL, so the catalog is just the endpoint itself.
func (a *Adapter) DiscoverServices(ctx context.Context) ([]purchasing.Offer, error) {
	return []purchasing.Offer{{ServiceID: a.Endpoint, Description: "x402 resource", Chain: ""}}, nil
}

// CreateOrder probes the endpoint, expects HTTP 402, and extracts payment
// instructions from the canonical JSON body or legacy headers.
func (a *Adapter) CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*purchasing.OrderIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402adapter: expected 402, got %d", resp.StatusCode)
	}

	payTo, amount, network, err := parsePaymentRequired(resp)
	if err != nil {
		return nil, err
	}

	if a.StaticAddress != "" && payTo != a.StaticAddress {
		return nil, fmt.Errorf("x402adapter: discovered payTo %q does not match constitutional address %q", payTo, a.StaticAddress)
	}

	return &purchasing.OrderIntent{
		MerchantID:     a.MerchantID,
		ServiceID:      serviceID,
		AmountMicros:   amount,
		Chain:          network,
		PaymentAddress: payTo,
		Metadata:       map[string]string{"endpoint": serviceID},
	}, nil
}

func parsePaymentRequired(resp *http.Response) (payTo string, amount int64, network string, err error) {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr == nil && len(body) > 0 {
		var parsed paymentRequiredBody
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && len(parsed.Accepts) > 0 {
			first := parsed.Accepts[0]
			return first.PayTo, first.MaxAmountRequired, first.Network, nil
		}
	}

	payTo = resp.Header.Get(headerPayTo)
	network = resp.Header.Get(headerNetwork)
	amountStr := resp.Header.Get(headerAmount)
	if payTo == "" || amountStr == "" {
		return "", 0, "", fmt.Errorf("x402adapter: 402 response carried no usable payment instructions")
	}
	parsedAmount, parseErr := strconv.ParseInt(amountStr, 10, 64)
	if parseErr != nil {
		return "", 0, "", fmt.Errorf("x402adapter: invalid legacy amount header: %w", parseErr)
	}
	return payTo, parsedAmount, network, nil
}

// PaymentAddress returns the configured StaticAddress, which is empty unless
// one was set; CreateOrder takes each order's address from the 402 probe.
func (a *Adapter) PaymentAddress(ctx context.Context, chain string) (string, error) {
	return a.StaticAddress, nil
}

// VerifyDelivery retries the original request with the settlement tx hash
// attached and treats the 200 response body as the delivered artifact.
func (a *Adapter) VerifyDelivery(ctx context.Context, order purchasing.PurchaseOrder) (purchasing.DeliveryResult, error) {
	endpoint := order.Metadata["endpoint"]
	if endpoint == "" {
		endpoint = order.ServiceID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	req.Header.Set(headerTxHash, order.ChainTxHash)
	resp, err := a.client().Do(req)
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return purchasing.DeliveryResult{Delivered: false, Details: fmt.Sprintf("retry returned status %d", resp.StatusCode)}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return purchasing.DeliveryResult{}, err
	}
	trimmed := strings.TrimSpace(string(body))
	return purchasing.DeliveryResult{
		Delivered: trimmed != "",
		Details:   "200 ok",
		Data:      map[string]string{"body": trimmed},
	}, nil
}

// HostOf is a small helper for the domain-match anti-phishing layer:
// extracts the endpoint's host so PurchasingEngine.CreateOrder can compare
// it against the merchant's registered domain.
func HostOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
