package daraja_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msingigym/backend/internal/daraja"
	"github.com/msingigym/backend/internal/payment"
)

func testConfig(baseURL string) daraja.Config {
	return daraja.Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://gym.example.com/api/v1/payments/callback",
	}
}

func tokenHandler(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123",
			"expires_in":   "3599",
		})
	}
}

func TestClient_Initiate(t *testing.T) {
	var tokenCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		assert.Equal(t, "174379", body["BusinessShortCode"])
		assert.Equal(t, "CustomerPayBillOnline", body["TransactionType"])
		assert.Equal(t, float64(2000), body["Amount"])
		assert.Equal(t, "254712345678", body["PhoneNumber"])
		assert.Equal(t, "GM202600001", body["AccountReference"])

		// Password is base64(shortcode + passkey + timestamp).
		ts, _ := body["Timestamp"].(string)
		pw, err := base64.StdEncoding.DecodeString(body["Password"].(string))
		require.NoError(t, err)
		assert.Equal(t, "174379passkey"+ts, string(pw))

		_ = json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"MerchantRequestID":   "mr_1",
			"CheckoutRequestID":   "ws_CO_1",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := daraja.New(testConfig(srv.URL))

	res, err := client.Initiate(context.Background(), "254712345678", 2000, "GM202600001", "Gym Membership - standard")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
	assert.Equal(t, "mr_1", res.MerchantRequestID)

	// Second initiation reuses the cached token.
	_, err = client.Initiate(context.Background(), "254712345678", 2000, "GM202600001", "Gym Membership - standard")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestClient_Initiate_Rejected(t *testing.T) {
	var tokenCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := daraja.New(testConfig(srv.URL))

	_, err := client.Initiate(context.Background(), "07123", 2000, "GM202600001", "Gym Membership")
	require.Error(t, err)

	var gwErr *payment.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "400.002.02", gwErr.Code)
	assert.False(t, gwErr.Retryable)
}

func TestClient_Initiate_ServerError(t *testing.T) {
	var tokenCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := daraja.New(testConfig(srv.URL))

	_, err := client.Initiate(context.Background(), "254712345678", 2000, "GM202600001", "Gym Membership")
	require.Error(t, err)

	var gwErr *payment.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.Retryable)
}

func TestClient_QueryStatus(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		wantOutcome payment.Outcome
		wantReceipt string
	}{
		{
			name: "SettledSuccess",
			response: `{
				"ResultCode": "0",
				"ResultDesc": "The service request is processed successfully.",
				"CheckoutRequestID": "ws_CO_1",
				"CallbackMetadata": {"Item": [
					{"Name": "Amount", "Value": 2000},
					{"Name": "MpesaReceiptNumber", "Value": "RE123"},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]}
			}`,
			wantOutcome: payment.OutcomeSuccess,
			wantReceipt: "RE123",
		},
		{
			name:        "Cancelled",
			response:    `{"ResultCode": "1032", "ResultDesc": "Request cancelled by user"}`,
			wantOutcome: payment.OutcomeFailure,
		},
		{
			name:        "Unreachable",
			response:    `{"ResultCode": "1037", "ResultDesc": "DS timeout user cannot be reached"}`,
			wantOutcome: payment.OutcomeFailure,
		},
		{
			name:        "StillProcessing",
			response:    `{"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed"}`,
			wantOutcome: payment.OutcomePending,
		},
		{
			name:        "NoVerdictYet",
			response:    `{"ResultDesc": ""}`,
			wantOutcome: payment.OutcomePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokenCalls atomic.Int64

			mux := http.NewServeMux()
			mux.HandleFunc("/oauth/v1/generate", tokenHandler(t, &tokenCalls))
			mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "ws_CO_1", body["CheckoutRequestID"])

				_, _ = w.Write([]byte(tt.response))
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := daraja.New(testConfig(srv.URL))

			res, err := client.QueryStatus(context.Background(), "ws_CO_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantReceipt, res.ReceiptReference)
		})
	}
}

func TestClient_QueryStatus_UnknownError(t *testing.T) {
	var tokenCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errorCode": "404.001.04", "errorMessage": "Invalid CheckoutRequestID"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := daraja.New(testConfig(srv.URL))

	_, err := client.QueryStatus(context.Background(), "ws_CO_1")
	require.Error(t, err)

	var gwErr *payment.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "404.001.04", gwErr.Code)
}

func TestClient_ParseCallback(t *testing.T) {
	client := daraja.New(testConfig("http://unused"))

	t.Run("Success", func(t *testing.T) {
		raw := []byte(`{
			"Body": {"stkCallback": {
				"MerchantRequestID": "mr_1",
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {"Item": [
					{"Name": "Amount", "Value": 2000},
					{"Name": "MpesaReceiptNumber", "Value": "RE123"},
					{"Name": "TransactionDate", "Value": 20260828143055},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]}
			}}
		}`)

		cb, err := client.ParseCallback(raw)
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomeSuccess, cb.Outcome)
		assert.Equal(t, "ws_CO_1", cb.CheckoutRequestID)
		assert.Equal(t, "RE123", cb.ReceiptReference)
		assert.Equal(t, int64(2000), cb.Amount)
		assert.Equal(t, "254712345678", cb.Phone)
		assert.Equal(t, 2026, cb.PaidAt.Year())
	})

	t.Run("Cancelled", func(t *testing.T) {
		raw := []byte(`{
			"Body": {"stkCallback": {
				"MerchantRequestID": "mr_1",
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}}
		}`)

		cb, err := client.ParseCallback(raw)
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomeFailure, cb.Outcome)
		assert.Equal(t, "Request cancelled by user", cb.Detail)
		assert.Empty(t, cb.ReceiptReference)
	})

	t.Run("StringAmount", func(t *testing.T) {
		// Metadata value types drift between sandbox and production.
		raw := []byte(`{
			"Body": {"stkCallback": {
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"CallbackMetadata": {"Item": [
					{"Name": "Amount", "Value": "2000"},
					{"Name": "MpesaReceiptNumber", "Value": "RE123"}
				]}
			}}
		}`)

		cb, err := client.ParseCallback(raw)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), cb.Amount)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, raw := range []string{
			`{"foo": "bar"}`,
			`{"Body": {}}`,
			`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1"}}}`,
			`not json at all`,
		} {
			_, err := client.ParseCallback([]byte(raw))
			assert.ErrorIs(t, err, payment.ErrMalformedCallback, "payload: %s", raw)
		}
	})
}

func TestClient_TokenFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := daraja.New(testConfig(srv.URL))

	_, err := client.Initiate(context.Background(), "254712345678", 2000, "ref", "desc")
	require.Error(t, err)

	var gwErr *payment.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.Retryable)
	assert.True(t, strings.Contains(gwErr.Desc, "503"))
}
