package giftcardadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/native/purchasing"
)

func TestDiscoverServicesParsesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"products":[{"product_id":"card25","description":"$25 card","price_micros":25000000}]}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "giftcard-bitrefill", BaseURL: srv.URL, APIKey: "test-key"}
	offers, err := a.DiscoverServices(context.Background())
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, "card25", offers[0].ServiceID)
	require.Equal(t, int64(25_000_000), offers[0].PriceMicros)
}

func TestCreateOrderReturnsFreshInvoiceAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"invoice_address":"0xINVOICE","amount_micros":25000000,"chain":"base","invoice_id":"inv-1"}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "giftcard-bitrefill", BaseURL: srv.URL, APIKey: "test-key"}
	intent, err := a.CreateOrder(context.Background(), "card25", nil)
	require.NoError(t, err)
	require.Equal(t, "0xINVOICE", intent.PaymentAddress)
	require.Equal(t, "inv-1", intent.Metadata["invoice_id"])
}

func TestCreateOrderRejectsMissingAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"amount_micros":1000}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "giftcard-bitrefill", BaseURL: srv.URL, APIKey: "test-key"}
	_, err := a.CreateOrder(context.Background(), "card25", nil)
	require.Error(t, err)
}

func TestVerifyDeliveryExtractsRedemptionCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices/inv-1/status", r.URL.Path)
		w.Write([]byte(`{"status":"fulfilled","redemption_codes":["ABC123",""]}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "giftcard-bitrefill", BaseURL: srv.URL, APIKey: "test-key"}
	result, err := a.VerifyDelivery(context.Background(), purchasing.PurchaseOrder{
		Metadata: map[string]string{"invoice_id": "inv-1"},
	})
	require.NoError(t, err)
	require.True(t, result.Delivered)
	require.Equal(t, "ABC123", result.Data["code_0"])
	_, hasEmpty := result.Data["code_1"]
	require.False(t, hasEmpty)
}

func TestVerifyDeliveryNoCodesNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"pending","redemption_codes":[]}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "giftcard-bitrefill", BaseURL: srv.URL, APIKey: "test-key"}
	result, err := a.VerifyDelivery(context.Background(), purchasing.PurchaseOrder{
		Metadata: map[string]string{"invoice_id": "inv-1"},
	})
	require.NoError(t, err)
	require.False(t, result.Delivered)
}

func TestPaymentAddressAlwaysErrors(t *testing.T) {
	a := &Adapter{MerchantID: "giftcard-bitrefill"}
	_, err := a.PaymentAddress(context.Background(), "base")
	require.Error(t, err)
}
