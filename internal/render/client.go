package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storyforge/internal/logger"
	"storyforge/internal/models"
)

var ErrRenderFailed = errors.New("render service error")

// Client calls the PDF render service, which typesets a book and uploads the
// result to object storage, returning a fetchable URL the fulfillment vendor
// can pull from.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logger.Logger
}

func NewClient(baseURL string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		// Rendering a full book takes a while.
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        log,
	}
}

type renderResponse struct {
	FileURL string `json:"file_url"`
}

type interiorRequest struct {
	Book *models.PersonalizedBook `json:"book"`
}

type coverRequest struct {
	Book         *models.PersonalizedBook `json:"book"`
	PageCount    int                      `json:"page_count"`
	PodPackageID string                   `json:"pod_package_id"`
}

// RenderInterior produces the interior PDF for a book and returns its storage URL.
func (c *Client) RenderInterior(ctx context.Context, book *models.PersonalizedBook) (string, error) {
	return c.post(ctx, "/render/interior", interiorRequest{Book: book})
}

// RenderCover produces the cover PDF. The spine width depends on the interior
// page count and the product package, so both are part of the request.
func (c *Client) RenderCover(ctx context.Context, book *models.PersonalizedBook, pageCount int, podPackageID string) (string, error) {
	return c.post(ctx, "/render/cover", coverRequest{Book: book, PageCount: pageCount, PodPackageID: podPackageID})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.log.Error("RENDER", fmt.Sprintf("%s failed: status %d: %s", path, resp.StatusCode, string(body)))
		return "", fmt.Errorf("%w: %s returned %d", ErrRenderFailed, path, resp.StatusCode)
	}

	var rr renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", ErrRenderFailed, err)
	}
	if rr.FileURL == "" {
		return "", fmt.Errorf("%w: empty file URL", ErrRenderFailed)
	}
	return rr.FileURL, nil
}
