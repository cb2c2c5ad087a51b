package ecommerce

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketsync/backend/internal/domain/webhook"
)

// marketplaceResource is the wire shape of one resource
type marketplaceResource struct {
	ID          webhook.FlexibleID `json:"id"`
	SellerID    webhook.FlexibleID `json:"seller_id"`
	Status      string             `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Currency    string             `json:"currency_id"`
	LastUpdated time.Time          `json:"last_updated"`
}

// marketplacePage is the wire shape of a listing response
type marketplacePage struct {
	Results []json.RawMessage `json:"results"`
	Paging  struct {
		Page       int `json:"page"`
		TotalPages int `json:"total_pages"`
	} `json:"paging"`
}

// marketplaceError is the error body returned with 4xx/5xx responses
type marketplaceError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}
