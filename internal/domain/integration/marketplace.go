package integration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Marketplace Errors
// ---------------------------------------------------------------------------

var (
	ErrMarketplaceNotConfigured   = errors.New("integration: marketplace not configured")
	ErrMarketplaceUnavailable     = errors.New("integration: marketplace temporarily unavailable")
	ErrMarketplaceRateLimited     = errors.New("integration: marketplace rate limited")
	ErrMarketplaceAuthFailed      = errors.New("integration: marketplace authentication failed")
	ErrMarketplaceInvalidResponse = errors.New("integration: invalid marketplace response")
	ErrResourceNotFound           = errors.New("integration: resource not found")
	ErrInvalidTenantID            = errors.New("integration: invalid tenant ID")
	// ErrListingTruncated accompanies a partial listing cut off at the page limit.
	ErrListingTruncated = errors.New("integration: listing truncated")
)

// IsTransient reports whether err is worth retrying later
func IsTransient(err error) bool {
	return errors.Is(err, ErrMarketplaceUnavailable) ||
		errors.Is(err, ErrMarketplaceRateLimited)
}

// ---------------------------------------------------------------------------
// Resource
// ---------------------------------------------------------------------------

// Resource is a remote marketplace object (order, listing, question, ...)
type Resource struct {
	Topic       string          `json:"topic"`
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency_id"`
	LastUpdated time.Time       `json:"last_updated"`
	Raw         json.RawMessage `json:"-"`
}

// Path returns the resource path a webhook for it would carry
func (r Resource) Path() string {
	return "/" + r.Topic + "/" + r.ID
}

// Marketplace is the outbound read API of the marketplace
type Marketplace interface {
	// GetResource fetches one resource by topic and id
	GetResource(ctx context.Context, topic, id string) (*Resource, error)

	// ListChangedSince returns resources of topic modified after since, for the seller.
	// A listing cut short returns the resources it has together with ErrListingTruncated.
	ListChangedSince(ctx context.Context, sellerID, topic string, since time.Time) ([]Resource, error)
}
