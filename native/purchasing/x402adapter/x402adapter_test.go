package x402adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/native/purchasing"
)

func TestCreateOrderParsesCanonicalJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"accepts":[{"payTo":"0xPAY","maxAmountRequired":5000000,"network":"base"}]}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "x402-inference-market"}
	intent, err := a.CreateOrder(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "0xPAY", intent.PaymentAddress)
	require.Equal(t, int64(5_000_000), intent.AmountMicros)
	require.Equal(t, "base", intent.Chain)
}

func TestCreateOrderFallsBackToLegacyHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerPayTo, "0xLEGACY")
		w.Header().Set(headerAmount, "2500000")
		w.Header().Set(headerNetwork, "base")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "x402-inference-market"}
	intent, err := a.CreateOrder(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "0xLEGACY", intent.PaymentAddress)
	require.Equal(t, int64(2_500_000), intent.AmountMicros)
}

func TestCreateOrderRejectsNon402Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "x402-inference-market"}
	_, err := a.CreateOrder(context.Background(), srv.URL, nil)
	require.Error(t, err)
}

func TestCreateOrderRejectsStaticAddressMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"accepts":[{"payTo":"0xOTHER","maxAmountRequired":1000,"network":"base"}]}`))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "x402-inference-market", StaticAddress: "0xEXPECTED"}
	_, err := a.CreateOrder(context.Background(), srv.URL, nil)
	require.Error(t, err)
}

func TestVerifyDeliverySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "0xTX1", r.Header.Get(headerTxHash))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("delivered-artifact"))
	}))
	defer srv.Close()

	a := &Adapter{MerchantID: "x402-inference-market"}
	result, err := a.VerifyDelivery(context.Background(), purchasing.PurchaseOrder{
		ServiceID: srv.URL, ChainTxHash: "0xTX1",
	})
	require.NoError(t, err)
	require.True(t, result.Delivered)
	require.Equal(t, "delivered-artifact", result.Data["body"])
}

func TestHostOfExtractsHostname(t *testing.T) {
	host, err := HostOf("https://inference.market/v1/resource")
	require.NoError(t, err)
	require.Equal(t, "inference.market", host)
}
