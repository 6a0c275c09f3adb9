// Package audiobookshelf is a thin REST client for the Audiobookshelf API.
// Every request passes through the configured rate gate so the tracker is
// never hit harder than its rate limit allows.
package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/rategate"
)

// DefaultTimeout is the default timeout for HTTP requests
const DefaultTimeout = 30 * time.Second

const defaultPageSize = 100

// Client is a client for the Audiobookshelf REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	gate       *rategate.Gate
	logger     *logger.Logger
}

// NewClient creates a new Audiobookshelf client
func NewClient(baseURL, token string, gate *rategate.Gate, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		gate: gate,
		logger: log.With(map[string]interface{}{
			"component": "audiobookshelf_client",
		}),
	}
}

// get performs an authenticated GET against path and decodes the JSON body
// into out. A 404 is returned as errNotFound so callers can treat missing
// resources as absence rather than failure.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.gate.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
		return nil
	})
}

var errNotFound = fmt.Errorf("resource not found")

// GetLibraries returns all libraries on the server
func (c *Client) GetLibraries(ctx context.Context) ([]models.Library, error) {
	var response struct {
		Libraries []models.Library `json:"libraries"`
	}
	if err := c.get(ctx, "/api/libraries", &response); err != nil {
		return nil, fmt.Errorf("failed to fetch libraries: %w", err)
	}
	c.logger.Debug("Fetched libraries", map[string]interface{}{
		"count": len(response.Libraries),
	})
	return response.Libraries, nil
}

// GetLibraryItems returns every item in a library, paging until the server
// reports fewer results than the page size.
func (c *Client) GetLibraryItems(ctx context.Context, libraryID string) ([]models.LibraryItem, error) {
	var all []models.LibraryItem
	for page := 0; ; page++ {
		path := fmt.Sprintf("/api/libraries/%s/items?limit=%d&page=%d",
			url.PathEscape(libraryID), defaultPageSize, page)

		var response models.LibraryItemsResponse
		if err := c.get(ctx, path, &response); err != nil {
			return nil, fmt.Errorf("failed to fetch library items (page %d): %w", page, err)
		}

		all = append(all, response.Results...)
		if len(response.Results) < defaultPageSize {
			break
		}
	}

	c.logger.Debug("Fetched library items", map[string]interface{}{
		"library_id": libraryID,
		"count":      len(all),
	})
	return all, nil
}

// GetItemsInProgress returns the items the user is actively consuming, with
// their progress attached.
func (c *Client) GetItemsInProgress(ctx context.Context) ([]models.LibraryItem, error) {
	var response struct {
		LibraryItems []models.LibraryItem `json:"libraryItems"`
	}
	if err := c.get(ctx, "/api/me/items-in-progress", &response); err != nil {
		return nil, fmt.Errorf("failed to fetch items in progress: %w", err)
	}
	c.logger.Debug("Fetched items in progress", map[string]interface{}{
		"count": len(response.LibraryItems),
	})
	return response.LibraryItems, nil
}

// GetItemDetails returns the full metadata for one library item. Library
// listings are minified; this endpoint carries the complete media payload.
func (c *Client) GetItemDetails(ctx context.Context, itemID string) (*models.LibraryItem, error) {
	var item models.LibraryItem
	path := "/api/items/" + url.PathEscape(itemID)
	if err := c.get(ctx, path, &item); err != nil {
		if err == errNotFound {
			return nil, fmt.Errorf("library item %s not found", itemID)
		}
		return nil, fmt.Errorf("failed to fetch item details: %w", err)
	}
	return &item, nil
}

// GetUserProgress returns the user's progress for one item. A 404 is the
// normal "never started" signal and comes back as (nil, nil), not an error.
func (c *Client) GetUserProgress(ctx context.Context, itemID string) (*models.MediaProgress, error) {
	var progress models.MediaProgress
	path := "/api/me/progress/" + url.PathEscape(itemID)
	if err := c.get(ctx, path, &progress); err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch item progress: %w", err)
	}
	return &progress, nil
}
