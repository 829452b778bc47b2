package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(ref string) Record {
	return Record{
		Amount:               decimal.NewFromInt(50_000),
		InterestRatePercent:  decimal.NewFromInt(14),
		LockDurationMonths:   3,
		TransactionReference: ref,
	}
}

func TestClient_Post(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/liquidity", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"message":"created","data":{}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/api/", "secret", time.Second)
	require.NoError(t, client.Post(context.Background(), sampleRecord("0xabc")))

	assert.Equal(t, "50000", received["amount"])
	assert.Equal(t, "14", received["interestRatePercent"])
	assert.Equal(t, float64(3), received["lockDurationMonths"])
	assert.Equal(t, "0xabc", received["transactionReference"])
}

func TestClient_PostResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"conflict is success", http.StatusConflict, `{"success":false,"message":"duplicate transaction"}`, false},
		{"empty 200", http.StatusOK, ``, false},
		{"success false", http.StatusOK, `{"success":false,"message":"invalid amount"}`, true},
		{"server error", http.StatusInternalServerError, `{"success":false,"message":"db down"}`, true},
		{"unauthorized plain text", http.StatusUnauthorized, `unauthorized`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL, "", time.Second).Post(context.Background(), sampleRecord("0x1"))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestClient_List(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true,"data":[{"amount":"500","interestRatePercent":"12","lockDurationMonths":1,"transactionReference":"0x1"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-token", time.Second).WithToken("user-token")
	records, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, decimal.NewFromInt(500).Equal(records[0].Amount))
	assert.Equal(t, "0x1", records[0].TransactionReference)
}

func TestClient_NotConfigured(t *testing.T) {
	err := NewClient("", "", 0).Post(context.Background(), sampleRecord("0x1"))
	assert.ErrorContains(t, err, "not configured")
}
