package offer

import (
	"time"

	"github.com/hively/hively-backend/internal/post"
)

// Offer statuses. Offers only move out of pending.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusWithdrawn = "withdrawn"
	StatusExpired   = "expired"
)

// Offer is a seller's response to a buy post.
type Offer struct {
	ID           string              `json:"id"`
	PostID       string              `json:"post_id"`
	SellerID     string              `json:"seller_id"`
	Quantity     int64               `json:"quantity"`
	PricePerUnit int64               `json:"price_per_unit"`
	Message      string              `json:"message,omitempty"`
	Status       string              `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`

	DeliveryDates []post.DeliveryDate `json:"delivery_dates,omitempty"`
	Media         []post.MediaLink    `json:"media,omitempty"`
}

// Total is the settlement amount in points.
func (o Offer) Total() int64 {
	return o.Quantity * o.PricePerUnit
}

// CreateInput is everything a new offer needs.
type CreateInput struct {
	Quantity      int64               `json:"quantity"`
	PricePerUnit  int64               `json:"price_per_unit"`
	Message       string              `json:"message,omitempty"`
	DeliveryDates []post.DeliveryDate `json:"delivery_dates,omitempty"`
	MediaIDs      []string            `json:"media_ids,omitempty"`
}
