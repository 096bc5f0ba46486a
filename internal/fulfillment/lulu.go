package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyforge/internal/logger"
	"storyforge/internal/models"
)

var (
	ErrVendorAuth           = errors.New("fulfillment vendor authentication failed")
	ErrVendorAPI            = errors.New("fulfillment vendor API error")
	ErrFileValidationFailed = errors.New("print file validation failed")
	ErrValidationTimeout    = errors.New("print file validation timed out")
)

const (
	defaultValidationAttempts = 30
	validationPollInterval    = 2 * time.Second
)

type ValidationKind string

const (
	ValidationInterior ValidationKind = "interior"
	ValidationCover    ValidationKind = "cover"
)

// LuluClient wraps the print-on-demand vendor's REST API. The OAuth token is
// cached in the injected TokenStore and expired 60s early.
type LuluClient struct {
	httpClient   *http.Client
	baseURL      string
	clientKey    string
	clientSecret string
	tokens       TokenStore
	log          *logger.Logger

	// overridable in tests
	pollInterval time.Duration
}

func NewLuluClient(baseURL, clientKey, clientSecret string, tokens TokenStore, httpClient *http.Client, log *logger.Logger) *LuluClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LuluClient{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientKey:    clientKey,
		clientSecret: clientSecret,
		tokens:       tokens,
		log:          log,
		pollInterval: validationPollInterval,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate returns a bearer token, from cache when still valid.
func (c *LuluClient) Authenticate(ctx context.Context) (string, error) {
	cached, err := c.tokens.GetToken(ctx)
	if err != nil {
		c.log.Warn("LULU", fmt.Sprintf("Token cache read failed, re-authenticating: %v", err))
	}
	if cached.IsValid() {
		return cached.Token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	tokenURL := c.baseURL + "/auth/realms/glasstree/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.SetBasicAuth(c.clientKey, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVendorAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.log.Error("LULU", fmt.Sprintf("Authentication failed: status %d: %s", resp.StatusCode, string(body)))
		return "", fmt.Errorf("%w: status %d", ErrVendorAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: failed to decode token response: %v", ErrVendorAuth, err)
	}

	if err := c.tokens.SetToken(ctx, tr.AccessToken, tr.ExpiresIn); err != nil {
		c.log.Warn("LULU", fmt.Sprintf("Failed to cache vendor token: %v", err))
	}

	c.log.Info("LULU", "Authenticated with fulfillment vendor")
	return tr.AccessToken, nil
}

// doJSON performs an authenticated JSON round-trip. On 401 the cached token
// is invalidated and the call fails with ErrVendorAuth; callers may retry
// once after the adapter re-authenticates.
func (c *LuluClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVendorAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.log.Warn("LULU", fmt.Sprintf("Failed to invalidate cached token: %v", err))
		}
		return fmt.Errorf("%w: vendor rejected token (401)", ErrVendorAuth)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		c.log.Error("LULU", fmt.Sprintf("%s %s failed: status %d: %s", method, path, resp.StatusCode, string(raw)))
		return fmt.Errorf("%w: %s %s returned %d", ErrVendorAPI, method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", ErrVendorAPI, err)
		}
	}
	return nil
}

type validationResponse struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
}

// ValidateInteriorFile submits an interior PDF for vendor-side validation and
// returns the validation id to poll.
func (c *LuluClient) ValidateInteriorFile(ctx context.Context, sourceURL, podPackageID string) (string, error) {
	payload := map[string]string{
		"source_url":     sourceURL,
		"pod_package_id": podPackageID,
	}
	var vr validationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/validate-interior/", payload, &vr); err != nil {
		return "", err
	}
	c.log.Info("LULU", fmt.Sprintf("Interior validation %s submitted (status %s)", vr.ID.String(), vr.Status))
	return vr.ID.String(), nil
}

// ValidateCoverFile submits a cover PDF for validation; the vendor checks it
// against the interior's page count.
func (c *LuluClient) ValidateCoverFile(ctx context.Context, sourceURL, podPackageID string, pageCount int) (string, error) {
	payload := map[string]interface{}{
		"source_url":          sourceURL,
		"pod_package_id":      podPackageID,
		"interior_page_count": pageCount,
	}
	var vr validationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/validate-cover/", payload, &vr); err != nil {
		return "", err
	}
	c.log.Info("LULU", fmt.Sprintf("Cover validation %s submitted (status %s)", vr.ID.String(), vr.Status))
	return vr.ID.String(), nil
}

// WaitForValidation polls a validation until it settles. 30 attempts at 2s
// each bounds the wait at roughly a minute; callers needing cancellation wrap
// the context.
func (c *LuluClient) WaitForValidation(ctx context.Context, validationID string, kind ValidationKind, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultValidationAttempts
	}

	path := fmt.Sprintf("/validate-%s/%s/", kind, validationID)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var vr validationResponse
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &vr); err != nil {
			return err
		}

		switch vr.Status {
		case models.ValidationStatusValidated, models.ValidationStatusNormalized:
			c.log.Info("LULU", fmt.Sprintf("%s validation %s passed after %d attempt(s)", kind, validationID, attempt))
			return nil
		case models.ValidationStatusError:
			c.log.Error("LULU", fmt.Sprintf("%s validation %s failed", kind, validationID))
			return fmt.Errorf("%w: %s validation %s", ErrFileValidationFailed, kind, validationID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return fmt.Errorf("%w: %s validation %s after %d attempts", ErrValidationTimeout, kind, validationID, maxAttempts)
}

type costCalculationResponse struct {
	LineItemCosts []struct {
		TotalCostExclTax string `json:"total_cost_excl_tax"`
	} `json:"line_item_costs"`
	ShippingCost struct {
		TotalCostExclTax string `json:"total_cost_excl_tax"`
	} `json:"shipping_cost"`
	TotalTax         string `json:"total_tax"`
	TotalCostInclTax string `json:"total_cost_incl_tax"`
	Currency         string `json:"currency"`
}

// CalculatePrintJobCost asks the vendor for a cost estimate before any job is
// created.
func (c *LuluClient) CalculatePrintJobCost(ctx context.Context, lineItems []models.LuluLineItem, addr models.ShippingAddress, shippingLevel string) (*models.CostBreakdown, error) {
	items := make([]map[string]interface{}, 0, len(lineItems))
	for _, li := range lineItems {
		items = append(items, map[string]interface{}{
			"pod_package_id": li.PodPackageID,
			"quantity":       li.Quantity,
			"page_count":     li.PageCount,
		})
	}
	payload := map[string]interface{}{
		"line_items":       items,
		"shipping_address": addr,
		"shipping_option":  shippingLevel,
	}

	var cr costCalculationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/print-job-cost-calculations/", payload, &cr); err != nil {
		return nil, err
	}

	breakdown := &models.CostBreakdown{
		ShippingCost:     parseMoney(cr.ShippingCost.TotalCostExclTax),
		TotalTax:         parseMoney(cr.TotalTax),
		TotalCostInclTax: parseMoney(cr.TotalCostInclTax),
		Currency:         cr.Currency,
	}
	for _, lic := range cr.LineItemCosts {
		breakdown.LineItemCost += parseMoney(lic.TotalCostExclTax)
	}
	return breakdown, nil
}

type printJobResponse struct {
	ID     json.Number `json:"id"`
	Status struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"status"`
	LineItems []struct {
		TrackingID   string   `json:"tracking_id"`
		TrackingURLs []string `json:"tracking_urls"`
		Carrier      string   `json:"carrier_name"`
	} `json:"line_items"`
}

// CreatePrintJob submits a work order to manufacture and ship the book.
func (c *LuluClient) CreatePrintJob(ctx context.Context, job *models.LuluPrintJobRequest) (*models.LuluPrintJob, error) {
	items := make([]map[string]interface{}, 0, len(job.LineItems))
	for _, li := range job.LineItems {
		items = append(items, map[string]interface{}{
			"title":          li.Title,
			"quantity":       li.Quantity,
			"pod_package_id": li.PodPackageID,
			"interior":       map[string]string{"source_url": li.InteriorURL},
			"cover":          map[string]string{"source_url": li.CoverURL},
		})
	}
	payload := map[string]interface{}{
		"contact_email":    job.ContactEmail,
		"external_id":      job.ExternalID,
		"line_items":       items,
		"shipping_address": job.ShippingAddress,
		"shipping_level":   job.ShippingLevel,
	}

	var pr printJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/print-jobs/", payload, &pr); err != nil {
		return nil, err
	}

	c.log.LogPrintJob("CREATE", pr.ID.String(), fmt.Sprintf("Print job created with status %s", pr.Status.Name))
	return &models.LuluPrintJob{ID: pr.ID.String(), Status: pr.Status.Name}, nil
}

// GetPrintJobStatus fetches the vendor's current view of a job, including
// tracking data once shipped.
func (c *LuluClient) GetPrintJobStatus(ctx context.Context, jobID string) (*models.LuluJobStatus, error) {
	var pr printJobResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/print-jobs/%s/", jobID), nil, &pr); err != nil {
		return nil, err
	}

	status := &models.LuluJobStatus{
		ID:      pr.ID.String(),
		Status:  pr.Status.Name,
		Message: pr.Status.Message,
	}
	for _, li := range pr.LineItems {
		if li.TrackingID != "" || len(li.TrackingURLs) > 0 {
			status.Tracking = &models.TrackingInfo{
				TrackingID:   li.TrackingID,
				TrackingURLs: li.TrackingURLs,
				Carrier:      li.Carrier,
			}
			break
		}
	}
	return status, nil
}

// CancelPrintJob cancels a job that has not entered production.
func (c *LuluClient) CancelPrintJob(ctx context.Context, jobID string) error {
	payload := map[string]string{"name": models.LuluStatusCanceled}
	if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/print-jobs/%s/status/", jobID), payload, nil); err != nil {
		return err
	}
	c.log.LogPrintJob("CANCEL", jobID, "Print job canceled at vendor")
	return nil
}

func parseMoney(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%f", &v)
	return v
}
