package api

import (
	"github.com/hively/hively-backend/internal/auth"
	"github.com/hively/hively-backend/internal/community"
	"github.com/hively/hively-backend/internal/points"
)

// Auth request/response bodies.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type AuthResponse struct {
	Profile auth.Profile   `json:"profile"`
	Tokens  auth.TokenPair `json:"tokens"`
}

type DisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

type LocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MeResponse bundles the profile with the resolved communities so the
// client needs one round trip after sign-in.
type MeResponse struct {
	Profile     auth.Profile         `json:"profile"`
	Communities community.Resolution `json:"communities"`
}

type RenameCommunityRequest struct {
	Name string `json:"name"`
}

// RestrictionRequest toggles a category for a scope, either the
// literal "global" or a community index.
type RestrictionRequest struct {
	Scope     string `json:"scope"`
	Category  string `json:"category"`
	IsAllowed bool   `json:"is_allowed"`
}

// Points.
type PurchaseRequest struct {
	Points int64 `json:"points"`
}

type TransferRequest struct {
	ToUserID string `json:"to_user_id"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note,omitempty"`
}

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// PurchaseOptionDTO encodes option money as decimal strings.
type PurchaseOptionDTO struct {
	Kind   string `json:"kind"`
	Points int64  `json:"points"`
	Cost   string `json:"cost"`
	Fee    string `json:"fee"`
	Total  string `json:"total"`
}

type PurchaseOptionsDTO struct {
	Balance  int64               `json:"balance"`
	Required int64               `json:"required"`
	Deficit  int64               `json:"deficit"`
	Currency string              `json:"currency"`
	Options  []PurchaseOptionDTO `json:"options"`
}

// InsufficientPointsResponse pairs a rejected settlement with the
// top-up bundles that would cover the shortfall.
type InsufficientPointsResponse struct {
	Code            string             `json:"code"`
	Message         string             `json:"message"`
	PurchaseOptions PurchaseOptionsDTO `json:"purchase_options"`
}

type ReceiptDTO struct {
	Entry    points.LedgerEntry `json:"entry"`
	Points   int64              `json:"points"`
	Cost     string             `json:"cost"`
	Fee      string             `json:"fee"`
	Total    string             `json:"total"`
	Currency string             `json:"currency"`
}

// Delegation function endpoint. The response carries either a result
// payload or an error string, always with HTTP 200, matching the
// callable-function contract clients already speak.
type FunctionRequest struct {
	Action       string `json:"action"`
	Code         string `json:"code,omitempty"`
	DelegationID string `json:"delegation_id,omitempty"`
}

type FunctionResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Feedback.
type FeedbackRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type FeedbackStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// Shared envelopes.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Cursor  string      `json:"cursor,omitempty"`
	HasMore bool        `json:"hasMore"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
