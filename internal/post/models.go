package post

import (
	"encoding/json"
	"time"

	"github.com/hively/hively-backend/internal/category"
)

// Post types.
const (
	TypeSell    = "sell"
	TypeBuy     = "buy"
	TypeService = "service"
	TypeAdvice  = "advice"
	TypeInfo    = "info"
)

// Post reach.
const (
	ReachCommunity = "community"
	ReachGlobal    = "global"
)

// Post is a marketplace post plus its type-specific details. Exactly
// one of Sell, Buy or General is set, matching Type.
type Post struct {
	ID             string          `json:"id"`
	AuthorID       string          `json:"author_id"`
	OnBehalfOf     *string         `json:"on_behalf_of,omitempty"`
	CommunityIndex string          `json:"community_index"`
	Type           string          `json:"type"`
	Reach          string          `json:"reach"`
	Content        json.RawMessage `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Sell          *SellDetails   `json:"sell,omitempty"`
	Buy           *BuyDetails    `json:"buy,omitempty"`
	General       *GeneralDetails `json:"general,omitempty"`
	DeliveryDates []DeliveryDate `json:"delivery_dates,omitempty"`
	Media         []MediaLink    `json:"media,omitempty"`
}

// SellDetails carries the trade fields of a sell post.
type SellDetails struct {
	Category     category.Category `json:"category"`
	Quantity     int64             `json:"quantity"`
	Unit         string            `json:"unit"`
	PricePerUnit int64             `json:"price_per_unit"`
}

// BuyDetails carries the trade fields of a buy post.
type BuyDetails struct {
	Category        category.Category `json:"category"`
	Quantity        int64             `json:"quantity"`
	Unit            string            `json:"unit"`
	MaxPricePerUnit int64             `json:"max_price_per_unit"`
}

// GeneralDetails covers service, advice and info posts.
type GeneralDetails struct {
	Category *category.Category `json:"category,omitempty"`
	Topic    string             `json:"topic"`
}

// DeliveryDate is one proposed handover date.
type DeliveryDate struct {
	On   time.Time `json:"on"`
	Note string    `json:"note,omitempty"`
}

// MediaLink attaches an uploaded media object at a position.
type MediaLink struct {
	MediaID  string `json:"media_id"`
	Position int    `json:"position"`
}

// CreateInput is everything a new post needs.
type CreateInput struct {
	OnBehalfOf     *string         `json:"on_behalf_of,omitempty"`
	CommunityIndex string          `json:"community_index"`
	Type           string          `json:"type"`
	Reach          string          `json:"reach"`
	Content        json.RawMessage `json:"content"`

	Sell          *SellDetails   `json:"sell,omitempty"`
	Buy           *BuyDetails    `json:"buy,omitempty"`
	General       *GeneralDetails `json:"general,omitempty"`
	DeliveryDates []DeliveryDate `json:"delivery_dates,omitempty"`
	MediaIDs      []string       `json:"media_ids,omitempty"`
}

// UpdateInput patches an existing post. Nil fields are left alone;
// type and community are immutable.
type UpdateInput struct {
	Reach   *string         `json:"reach,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	Sell          *SellDetails    `json:"sell,omitempty"`
	Buy           *BuyDetails     `json:"buy,omitempty"`
	General       *GeneralDetails `json:"general,omitempty"`
	DeliveryDates *[]DeliveryDate `json:"delivery_dates,omitempty"`
	MediaIDs      *[]string       `json:"media_ids,omitempty"`
}

// FeedFilter narrows feed and community listings.
type FeedFilter struct {
	Type     string
	Category string
	Cursor   time.Time
	Limit    int
}

// ValidType reports whether t is a known post type.
func ValidType(t string) bool {
	switch t {
	case TypeSell, TypeBuy, TypeService, TypeAdvice, TypeInfo:
		return true
	}
	return false
}

// ValidReach reports whether r is a known reach.
func ValidReach(r string) bool {
	return r == ReachCommunity || r == ReachGlobal
}

// NewPostEvent is published on a community's posts channel when a
// post is created there.
type NewPostEvent struct {
	PostID         string `json:"post_id"`
	AuthorID       string `json:"author_id"`
	CommunityIndex string `json:"community_index"`
	Type           string `json:"type"`
	Reach          string `json:"reach"`
}
