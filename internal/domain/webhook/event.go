package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIPNotAllowed        = errors.New("webhook: IP not in whitelist")
	ErrInvalidSignature    = errors.New("webhook: invalid signature")
	ErrMissingSignature    = errors.New("webhook: missing signature")
	ErrMalformedPayload    = errors.New("webhook: malformed payload")
	ErrUnknownSource       = errors.New("webhook: unknown source")
	ErrInvalidTransition   = errors.New("webhook: invalid state transition")
	ErrMissingTopic        = errors.New("webhook: missing topic")
	ErrMissingResource     = errors.New("webhook: missing resource")
	ErrSecretNotConfigured = errors.New("webhook: secret not configured")
)

// ---------------------------------------------------------------------------
// Source
// ---------------------------------------------------------------------------

// Source identifies which integration sent a webhook
type Source string

const (
	// SourceMarketplace is the marketplace's own notification stream (HMAC-SHA1)
	SourceMarketplace Source = "marketplace"
	// SourceStorefront is the merchant storefront integration (HMAC-SHA256)
	SourceStorefront Source = "storefront"
)

// IsValid returns true if the source is supported
func (s Source) IsValid() bool {
	return s == SourceMarketplace || s == SourceStorefront
}

func (s Source) String() string {
	return string(s)
}

// ---------------------------------------------------------------------------
// Topic
// ---------------------------------------------------------------------------

// Topic names the kind of resource a notification refers to
type Topic string

const (
	TopicOrders         Topic = "orders_v2"
	TopicItems          Topic = "items"
	TopicQuestions      Topic = "questions"
	TopicPayments       Topic = "payments"
	TopicShipments      Topic = "shipments"
	TopicMessages       Topic = "messages"
	TopicClaims         Topic = "claims"
	TopicItemsPrices    Topic = "items_prices"
	TopicStockLocations Topic = "stock-locations"

	TopicStorefrontOrdersCreate   Topic = "orders/create"
	TopicStorefrontOrdersUpdated  Topic = "orders/updated"
	TopicStorefrontProductsUpdate Topic = "products/update"
	TopicStorefrontAppUninstalled Topic = "app/uninstalled"
)

// KnownTopics returns the topics the marketplace documents and recovery scans by default
func KnownTopics() []Topic {
	return []Topic{
		TopicOrders, TopicItems, TopicQuestions, TopicPayments, TopicShipments,
		TopicMessages, TopicClaims, TopicItemsPrices, TopicStockLocations,
	}
}

// IsKnown reports whether the topic belongs to a documented set.
// Providers add topics over time, so an unknown topic is a warning and never a rejection.
func (t Topic) IsKnown() bool {
	switch t {
	case TopicOrders, TopicItems, TopicQuestions, TopicPayments, TopicShipments,
		TopicMessages, TopicClaims, TopicItemsPrices, TopicStockLocations,
		TopicStorefrontOrdersCreate, TopicStorefrontOrdersUpdated,
		TopicStorefrontProductsUpdate, TopicStorefrontAppUninstalled:
		return true
	default:
		return false
	}
}

func (t Topic) String() string {
	return string(t)
}

// ---------------------------------------------------------------------------
// FlexibleID
// ---------------------------------------------------------------------------

// FlexibleID accepts identifiers sent either as JSON numbers or strings
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string {
	return string(f)
}

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event is one validated webhook notification. It is never mutated after validation;
// retries produce new queue entries.
type Event struct {
	Topic         Topic      `json:"topic"`
	Resource      string     `json:"resource"`
	UserID        FlexibleID `json:"user_id"`
	ApplicationID FlexibleID `json:"application_id"`
	Attempts      int        `json:"attempts"`
	Sent          time.Time  `json:"sent"`
	Received      time.Time  `json:"received"`
	Source        Source     `json:"source,omitempty"`
	Signature     string     `json:"signature,omitempty"`
}

// ParseEvent decodes a raw webhook body
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if e.Topic == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrMissingTopic)
	}
	if strings.TrimSpace(e.Resource) == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrMissingResource)
	}
	return &e, nil
}

// ResourceID returns the last path segment of the resource, e.g. "123" for "/orders/123"
func (e *Event) ResourceID() string {
	r := strings.TrimRight(e.Resource, "/")
	if i := strings.LastIndex(r, "/"); i >= 0 {
		return r[i+1:]
	}
	return r
}

// TenantID returns the seller the notification belongs to
func (e *Event) TenantID() string {
	return e.UserID.String()
}
