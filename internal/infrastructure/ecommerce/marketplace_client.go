package ecommerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/integration"
)

// maxResponseSize is the maximum allowed response size from the marketplace API (10MB)
const maxResponseSize = 10 * 1024 * 1024

// MarketplaceClient implements integration.Marketplace over the marketplace REST API
type MarketplaceClient struct {
	config     MarketplaceConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewMarketplaceClient creates a client with the given configuration
func NewMarketplaceClient(config MarketplaceConfig, logger *zap.Logger) (*MarketplaceClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MarketplaceClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.Named("marketplace"),
	}, nil
}

// GetResource fetches GET /resources/{topic}/{id}
func (c *MarketplaceClient) GetResource(ctx context.Context, topic, id string) (*integration.Resource, error) {
	endpoint := c.config.BaseURL + "/resources/" + url.PathEscape(topic) + "/" + url.PathEscape(id)

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	res, err := decodeResource(topic, body)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListChangedSince pages through GET /resources/{topic}?modified_since=...&page=N.
// A zero since lists everything. Hitting MaxPages with pages left returns the
// fetched resources and an error wrapping integration.ErrListingTruncated.
func (c *MarketplaceClient) ListChangedSince(ctx context.Context, sellerID, topic string, since time.Time) ([]integration.Resource, error) {
	var out []integration.Resource

	for page := 1; page <= c.config.MaxPages; page++ {
		q := url.Values{}
		q.Set("seller_id", sellerID)
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(c.config.PageSize))
		if !since.IsZero() {
			q.Set("modified_since", since.UTC().Format(time.RFC3339))
		}
		endpoint := c.config.BaseURL + "/resources/" + url.PathEscape(topic) + "?" + q.Encode()

		body, err := c.doRequest(ctx, endpoint)
		if err != nil {
			return nil, err
		}

		var p marketplacePage
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: decode page %d: %v", integration.ErrMarketplaceInvalidResponse, page, err)
		}
		for _, raw := range p.Results {
			res, err := decodeResource(topic, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, *res)
		}

		if len(p.Results) == 0 || page >= p.Paging.TotalPages {
			return out, nil
		}
	}

	c.logger.Warn("Listing truncated at max pages",
		zap.String("topic", topic),
		zap.String("seller_id", sellerID),
		zap.Int("max_pages", c.config.MaxPages),
	)
	return out, fmt.Errorf("%w: %s stopped after %d pages", integration.ErrListingTruncated, topic, c.config.MaxPages)
}

// doRequest performs an authenticated GET and classifies failures
func (c *MarketplaceClient) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("marketplace: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrMarketplaceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", integration.ErrMarketplaceUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

func classifyStatus(status int, body []byte) error {
	var apiErr marketplaceError
	_ = json.Unmarshal(body, &apiErr)
	detail := apiErr.Message
	if detail == "" {
		detail = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: HTTP %d: %s", integration.ErrResourceNotFound, status, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", integration.ErrMarketplaceAuthFailed, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", integration.ErrMarketplaceRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d", integration.ErrMarketplaceUnavailable, status)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", integration.ErrMarketplaceInvalidResponse, status, detail)
	}
}

func decodeResource(topic string, raw []byte) (*integration.Resource, error) {
	var r marketplaceResource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrMarketplaceInvalidResponse, err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: resource without id", integration.ErrMarketplaceInvalidResponse)
	}
	return &integration.Resource{
		Topic:       topic,
		ID:          r.ID.String(),
		SellerID:    r.SellerID.String(),
		Status:      r.Status,
		TotalAmount: r.TotalAmount,
		Currency:    r.Currency,
		LastUpdated: r.LastUpdated.UTC(),
		Raw:         append(json.RawMessage(nil), raw...),
	}, nil
}

var _ integration.Marketplace = (*MarketplaceClient)(nil)
