package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storyforge/internal/logger"
	"storyforge/internal/models"

	"github.com/stretchr/testify/assert"
)

// memoryTokenStore keeps the OAuth token in-process so adapter tests don't
// need Redis.
type memoryTokenStore struct {
	cache *TokenCache
}

func (m *memoryTokenStore) GetToken(ctx context.Context) (*TokenCache, error) {
	return m.cache, nil
}

func (m *memoryTokenStore) SetToken(ctx context.Context, token string, expiresIn int) error {
	m.cache = &TokenCache{Token: token, ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second)}
	return nil
}

func (m *memoryTokenStore) Invalidate(ctx context.Context) error {
	m.cache = nil
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*LuluClient, *memoryTokenStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := &memoryTokenStore{}
	client := NewLuluClient(server.URL, "test-key", "test-secret", store, server.Client(), logger.NewLogger("lulu-test"))
	client.pollInterval = time.Millisecond
	return client, store, server
}

func writeToken(w http.ResponseWriter, token string) {
	json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpiresIn: 3600})
}

func TestAuthenticateCachesToken(t *testing.T) {
	authCalls := 0
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "test-key", user)
		assert.Equal(t, "test-secret", pass)
		writeToken(w, "tok-1")
	})

	token, err := client.Authenticate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Second call is served from the store.
	token, err = client.Authenticate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 1, authCalls)
}

func TestAuthenticateIgnoresNearlyExpiredToken(t *testing.T) {
	client, store, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "fresh-token")
	})

	// Inside the 60s refresh buffer, so the adapter must re-authenticate.
	store.cache = &TokenCache{Token: "stale-token", ExpiresAt: time.Now().Add(30 * time.Second)}

	token, err := client.Authenticate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

func TestAuthenticateFailure(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrVendorAuth)
}

func TestRejectedTokenIsInvalidated(t *testing.T) {
	client, store, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "revoked-token")
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GetPrintJobStatus(context.Background(), "123")
	assert.ErrorIs(t, err, ErrVendorAuth)
	assert.Nil(t, store.cache)
}

func TestWaitForValidation(t *testing.T) {
	polls := 0
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		polls++
		status := "NULL"
		if polls >= 3 {
			status = models.ValidationStatusValidated
		}
		json.NewEncoder(w).Encode(validationResponse{ID: "42", Status: status})
	})

	err := client.WaitForValidation(context.Background(), "42", ValidationInterior, 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, polls)
}

func TestWaitForValidationError(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		json.NewEncoder(w).Encode(validationResponse{ID: "42", Status: models.ValidationStatusError})
	})

	err := client.WaitForValidation(context.Background(), "42", ValidationCover, 10)
	assert.ErrorIs(t, err, ErrFileValidationFailed)
}

func TestWaitForValidationTimeout(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		json.NewEncoder(w).Encode(validationResponse{ID: "42", Status: "NULL"})
	})

	err := client.WaitForValidation(context.Background(), "42", ValidationInterior, 2)
	assert.ErrorIs(t, err, ErrValidationTimeout)
}

func TestCalculatePrintJobCost(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		assert.Equal(t, "/print-job-cost-calculations/", r.URL.Path)

		var payload map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "GROUND", payload["shipping_option"])

		fmt.Fprint(w, `{
			"line_item_costs": [{"total_cost_excl_tax": "12.50"}, {"total_cost_excl_tax": "3.25"}],
			"shipping_cost": {"total_cost_excl_tax": "4.99"},
			"total_tax": "1.87",
			"total_cost_incl_tax": "22.61",
			"currency": "USD"
		}`)
	})

	breakdown, err := client.CalculatePrintJobCost(context.Background(),
		[]models.LuluLineItem{{PodPackageID: "0600X0900FCSTDPB080CW444GXX", Quantity: 1, PageCount: 24}},
		models.ShippingAddress{City: "Portland", CountryCode: "US"},
		"GROUND")
	assert.NoError(t, err)
	assert.InDelta(t, 15.75, breakdown.LineItemCost, 0.001)
	assert.InDelta(t, 4.99, breakdown.ShippingCost, 0.001)
	assert.InDelta(t, 22.61, breakdown.TotalCostInclTax, 0.001)
	assert.Equal(t, "USD", breakdown.Currency)
}

func TestCreatePrintJob(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		assert.Equal(t, "/print-jobs/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var payload map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "order-1", payload["external_id"])

		fmt.Fprint(w, `{"id": 98765, "status": {"name": "CREATED"}}`)
	})

	job, err := client.CreatePrintJob(context.Background(), &models.LuluPrintJobRequest{
		ContactEmail: "parent@example.com",
		ExternalID:   "order-1",
		LineItems: []models.LuluLineItem{{
			Title:        "The Dragon of Maple Street",
			Quantity:     1,
			PodPackageID: "0600X0900FCSTDPB080CW444GXX",
			InteriorURL:  "https://files.example.com/interior.pdf",
			CoverURL:     "https://files.example.com/cover.pdf",
		}},
		ShippingLevel: "MAIL",
	})
	assert.NoError(t, err)
	assert.Equal(t, "98765", job.ID)
	assert.Equal(t, "CREATED", job.Status)
}

func TestGetPrintJobStatusWithTracking(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		assert.Equal(t, "/print-jobs/98765/", r.URL.Path)
		fmt.Fprint(w, `{
			"id": 98765,
			"status": {"name": "SHIPPED", "message": "Shipped via UPS"},
			"line_items": [{"tracking_id": "1Z999", "tracking_urls": ["https://ups.example/1Z999"], "carrier_name": "UPS"}]
		}`)
	})

	status, err := client.GetPrintJobStatus(context.Background(), "98765")
	assert.NoError(t, err)
	assert.Equal(t, models.LuluStatusShipped, status.Status)
	assert.NotNil(t, status.Tracking)
	assert.Equal(t, "1Z999", status.Tracking.TrackingID)
	assert.Equal(t, "UPS", status.Tracking.Carrier)
}

func TestCancelPrintJob(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/realms/glasstree/protocol/openid-connect/token" {
			writeToken(w, "tok")
			return
		}
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/print-jobs/98765/status/", r.URL.Path)

		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, models.LuluStatusCanceled, payload["name"])
	})

	assert.NoError(t, client.CancelPrintJob(context.Background(), "98765"))
}
