package ecommerce

import (
	"errors"
	"net/url"
	"time"
)

var (
	ErrMarketplaceConfigMissingBaseURL = errors.New("marketplace: base URL is required")
	ErrMarketplaceConfigInvalidBaseURL = errors.New("marketplace: base URL is invalid")
)

// MarketplaceConfig holds the marketplace read API settings
type MarketplaceConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	// PageSize is passed as the limit query parameter on listing calls
	PageSize int
	// MaxPages bounds a single ListChangedSince call
	MaxPages int
}

// Validate validates the config and fills defaults
func (c *MarketplaceConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrMarketplaceConfigMissingBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrMarketplaceConfigInvalidBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 100
	}
	return nil
}
